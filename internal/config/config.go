// Package config loads and validates the gateway configuration.
//
// Configuration is a YAML file with ${VAR} and ${VAR:-default} references
// expanded from the environment before parsing, so secrets stay out of the
// file itself.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Authorities AuthoritiesConfig `yaml:"authorities"`
	RateLimits  []RateLimitRule   `yaml:"rate_limits"`
	Backends    []BackendConfig   `yaml:"backends"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TrustProxyHeaders enables X-Forwarded-For handling for rate-limit
	// scope keys. Only set when the gateway sits behind a proxy layer the
	// deployment controls; the header is client-spoofable otherwise.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// RedisConfig locates the shared store and relay bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig carries the two token verification domains. User and admin
// tokens use disjoint secrets and issuers on purpose: a token minted for one
// domain must never verify in the other.
type AuthConfig struct {
	UserSecret  string `yaml:"user_secret"`
	UserIssuer  string `yaml:"user_issuer"`
	AdminSecret string `yaml:"admin_secret"`
	AdminIssuer string `yaml:"admin_issuer"`
	Audience    string `yaml:"audience"`

	SessionCookie      string `yaml:"session_cookie"`
	AdminSessionCookie string `yaml:"admin_session_cookie"`
	CsrfCookie         string `yaml:"csrf_cookie"`

	// AssertionSecret signs the identity headers forwarded to backends so
	// they can verify the headers came from the gateway.
	AssertionSecret string `yaml:"assertion_secret"`
}

// AuthoritiesConfig locates the downstream authorities the gates consult.
type AuthoritiesConfig struct {
	IdentityURL      string        `yaml:"identity_url"`
	SubscriptionURL  string        `yaml:"subscription_url"`
	AuthorizationURL string        `yaml:"authorization_url"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RateLimitRule is one named fixed-window rule.
type RateLimitRule struct {
	Name   string        `yaml:"name"`
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// BackendConfig maps a path prefix to a backend service.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Prefix   string `yaml:"prefix"`
	URL      string `yaml:"url"`
	Admin    bool   `yaml:"admin"`    // admin-token domain; matched before general prefixes
	Resource string `yaml:"resource"` // permission resource guarding this backend, empty = none
}

// RealtimeConfig tunes the websocket hub.
type RealtimeConfig struct {
	MaxConnsPerPrincipal int           `yaml:"max_conns_per_principal"`
	PresenceTTL          time.Duration `yaml:"presence_ttl"`
	TypingTTL            time.Duration `yaml:"typing_ttl"`
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references with environment
// values. An unset variable without a default expands to the empty string.
func ExpandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[3]
	})
}

// Load reads, expands and parses the config file at path, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Authorities.Timeout == 0 {
		c.Authorities.Timeout = DefaultAuthorityTimeout
	}
	if c.Auth.SessionCookie == "" {
		c.Auth.SessionCookie = DefaultSessionCookie
	}
	if c.Auth.AdminSessionCookie == "" {
		c.Auth.AdminSessionCookie = DefaultAdminSessionCookie
	}
	if c.Auth.CsrfCookie == "" {
		c.Auth.CsrfCookie = DefaultCsrfCookie
	}
	if c.Realtime.MaxConnsPerPrincipal == 0 {
		c.Realtime.MaxConnsPerPrincipal = DefaultMaxConnsPerPrincipal
	}
	if c.Realtime.PresenceTTL == 0 {
		c.Realtime.PresenceTTL = DefaultPresenceTTL
	}
	if c.Realtime.TypingTTL == 0 {
		c.Realtime.TypingTTL = DefaultTypingTTL
	}
	for i := range c.RateLimits {
		if c.RateLimits[i].Window == 0 {
			c.RateLimits[i].Window = DefaultRateWindow
		}
	}

	// Admin prefixes resolve ahead of general ones, then longest prefix
	// first, so an overlapping generic rule cannot swallow a specific one.
	sort.SliceStable(c.Backends, func(i, j int) bool {
		if c.Backends[i].Admin != c.Backends[j].Admin {
			return c.Backends[i].Admin
		}
		return len(c.Backends[i].Prefix) > len(c.Backends[j].Prefix)
	})
}

func (c *Config) validate() error {
	if c.Auth.UserSecret == "" || c.Auth.AdminSecret == "" {
		return fmt.Errorf("config: auth.user_secret and auth.admin_secret are required")
	}
	if c.Auth.UserSecret == c.Auth.AdminSecret {
		return fmt.Errorf("config: user and admin secrets must differ")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	for _, b := range c.Backends {
		if b.Name == "" || b.Prefix == "" {
			return fmt.Errorf("config: backend entries need name and prefix")
		}
		if !strings.HasPrefix(b.Prefix, "/") {
			return fmt.Errorf("config: backend %s: prefix must start with /", b.Name)
		}
		if _, err := url.Parse(b.URL); err != nil || b.URL == "" {
			return fmt.Errorf("config: backend %s: invalid url %q", b.Name, b.URL)
		}
	}
	seen := make(map[string]struct{}, len(c.RateLimits))
	for _, r := range c.RateLimits {
		if r.Name == "" || r.Max <= 0 {
			return fmt.Errorf("config: rate limit rules need a name and positive max")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("config: duplicate rate limit rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
