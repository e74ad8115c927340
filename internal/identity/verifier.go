package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

// Credential extraction headers.
const (
	HeaderAPICredential = "X-API-Key"
	HeaderOrgSelection  = "X-Organization-Id"
)

// Sentinel verification failures. Expired and invalid are distinct because
// retry-after guidance differs: an expired token can be refreshed, an
// invalid one cannot.
var (
	ErrMissingCredential = errors.New("identity: no credential presented")
	ErrInvalidCredential = errors.New("identity: invalid credential")
	ErrExpiredCredential = errors.New("identity: expired credential")
)

// CredentialAuthority validates API credentials that are not locally
// verifiable. Implemented by the authority package; faked in tests.
type CredentialAuthority interface {
	VerifyCredential(ctx context.Context, credential string) (*Principal, error)
}

// VerifierConfig carries the two token verification domains.
type VerifierConfig struct {
	UserSecret    []byte
	UserIssuer    string
	AdminSecret   []byte
	AdminIssuer   string
	Audience      string
	SessionCookie string
	AdminCookie   string
}

// Verifier resolves inbound credentials into principals. Session tokens
// verify locally; API credentials go through the credential authority with a
// short fingerprint-keyed cache in front.
type Verifier struct {
	cfg       VerifierConfig
	authority CredentialAuthority
	creds     *ttlcache.Cache[string, *Principal]
}

// NewVerifier builds a verifier. credTTL bounds how long a verified API
// credential is trusted without re-asking the authority.
func NewVerifier(cfg VerifierConfig, authority CredentialAuthority, credTTL time.Duration) *Verifier {
	cache := ttlcache.New[string, *Principal](
		ttlcache.WithTTL[string, *Principal](credTTL),
		ttlcache.WithDisableTouchOnHit[string, *Principal](),
	)
	go cache.Start()
	return &Verifier{cfg: cfg, authority: authority, creds: cache}
}

type sessionClaims struct {
	Email      string   `json:"email,omitempty"`
	OrgID      string   `json:"org,omitempty"`
	OrgIDs     []string `json:"orgs,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	SuperAdmin bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// Resolve extracts a credential from the request and verifies it against the
// user domain. Extraction order: API-credential header, session cookie,
// Authorization bearer.
func (v *Verifier) Resolve(r *http.Request) (*Principal, error) {
	if cred := r.Header.Get(HeaderAPICredential); cred != "" {
		return v.VerifyAPICredential(r.Context(), cred)
	}
	token := v.sessionToken(r, v.cfg.SessionCookie)
	if token == "" {
		return nil, ErrMissingCredential
	}
	p, err := v.VerifyUserToken(token)
	if err != nil {
		return nil, err
	}
	if org := r.Header.Get(HeaderOrgSelection); org != "" {
		p.SelectOrg(org)
	}
	return p, nil
}

// ResolveAdmin verifies the request against the admin domain. A user token,
// however well-formed, never verifies here: the domains use disjoint secrets
// and issuers as a blast-radius boundary.
func (v *Verifier) ResolveAdmin(r *http.Request) (*Principal, error) {
	token := v.sessionToken(r, v.cfg.AdminCookie)
	if token == "" {
		return nil, ErrMissingCredential
	}
	return v.VerifyAdminToken(token)
}

func (v *Verifier) sessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// VerifyUserToken verifies a session token in the user domain.
func (v *Verifier) VerifyUserToken(token string) (*Principal, error) {
	return v.verifyToken(token, v.cfg.UserSecret, v.cfg.UserIssuer, KindUser)
}

// VerifyAdminToken verifies a session token in the admin domain.
func (v *Verifier) VerifyAdminToken(token string) (*Principal, error) {
	return v.verifyToken(token, v.cfg.AdminSecret, v.cfg.AdminIssuer, KindAdmin)
}

func (v *Verifier) verifyToken(token string, secret []byte, issuer string, kind Kind) (*Principal, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	p := &Principal{
		Kind:       kind,
		ID:         claims.Subject,
		Email:      claims.Email,
		OrgID:      claims.OrgID,
		OrgIDs:     claims.OrgIDs,
		Scopes:     claims.Scopes,
		SuperAdmin: kind == KindAdmin && claims.SuperAdmin,
	}
	if p.OrgID == "" && len(p.OrgIDs) > 0 {
		p.OrgID = p.OrgIDs[0]
	}
	return p, nil
}

// VerifyAPICredential validates an API credential against the identity
// authority, caching the result by fingerprint. The raw credential is never
// used as a cache key. Authority failure is treated as unauthenticated:
// programmatic access is never admitted on trust.
func (v *Verifier) VerifyAPICredential(ctx context.Context, credential string) (*Principal, error) {
	fp := Fingerprint(credential)
	if item := v.creds.Get(fp); item != nil {
		return item.Value(), nil
	}
	p, err := v.authority.VerifyCredential(ctx, credential)
	if err != nil {
		log.Warn().Err(err).Str("credential_fp", fp).Msg("api credential verification failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	p.Kind = KindAPICredential
	v.creds.Set(fp, p, ttlcache.DefaultTTL)
	return p, nil
}

// Stop releases the credential cache's background goroutine.
func (v *Verifier) Stop() {
	v.creds.Stop()
}

// Fingerprint derives a short, fixed-length cache key from a credential.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}
