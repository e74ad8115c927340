// Package ratelimit implements fixed-window counting on the shared store.
//
// Each (rule, scope key) pair maps to a counter whose TTL equals the window
// length; the first increment in a window sets the TTL. Store unavailability
// fails open: availability of the gateway outranks rate-limit precision.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/config"
	"github.com/driftline/edge-gateway/internal/httperr"
	"github.com/driftline/edge-gateway/internal/store"
)

const counterPrefix = "rate:"

// Rule is one named fixed-window limit.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// Limiter counts requests per (rule, scope key) in the shared store.
type Limiter struct {
	store store.Store
	rules map[string]Rule
}

// NewLimiter builds a limiter from the configured rules.
func NewLimiter(s store.Store, rules []Rule) *Limiter {
	byName := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	return &Limiter{store: s, rules: byName}
}

// Allow records one hit for (ruleKey, scopeKey). It returns nil when the
// request may proceed, or a RateLimited error carrying the retry hint. An
// unknown rule always allows.
func (l *Limiter) Allow(ctx context.Context, ruleKey, scopeKey string) error {
	rule, ok := l.rules[ruleKey]
	if !ok {
		return nil
	}
	key := counterPrefix + rule.Name + ":" + scopeKey

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// Fail open: a store outage must not turn into a full denial of
		// service for legitimate users.
		log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit store unavailable, admitting request")
		return nil
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, rule.Window); err != nil {
			log.Warn().Err(err).Str("rule", rule.Name).Msg("failed to set rate window expiry")
		}
	}
	if count <= int64(rule.Max) {
		return nil
	}

	retryAfter := config.MinRetryAfter
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = int(math.Ceil(ttl.Seconds()))
	}
	return httperr.RateLimited(retryAfter)
}

// ScopeKeyFromRequest derives the client scope key. Forwarded-address
// headers are honored only when the deployment explicitly trusts its proxy
// layer; otherwise they are spoofable and ignored.
func ScopeKeyFromRequest(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first, _, ok := strings.Cut(fwd, ","); ok {
				return strings.TrimSpace(first)
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
