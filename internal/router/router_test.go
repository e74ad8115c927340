package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/edge-gateway/internal/config"
	"github.com/driftline/edge-gateway/internal/csrf"
	"github.com/driftline/edge-gateway/internal/entitlement"
	"github.com/driftline/edge-gateway/internal/identity"
	"github.com/driftline/edge-gateway/internal/permission"
	"github.com/driftline/edge-gateway/internal/ratelimit"
	"github.com/driftline/edge-gateway/internal/store"
)

var (
	userSecret      = []byte("user-secret")
	adminSecret     = []byte("admin-secret")
	assertionSecret = []byte("assertion-secret")
)

type staticAuthority struct {
	principal *identity.Principal
}

func (a *staticAuthority) VerifyCredential(context.Context, string) (*identity.Principal, error) {
	p := *a.principal
	return &p, nil
}

func (a *staticAuthority) CheckSubscription(context.Context, string) (bool, error) {
	return true, nil
}

func (a *staticAuthority) FetchPermissions(context.Context, string, string) (permission.Map, error) {
	return permission.Map{"contacts": {Read: true, Create: true}}, nil
}

// capturingBackend records the last forwarded request for header assertions.
type capturingBackend struct {
	*httptest.Server
	last *http.Request
}

func newCapturingBackend(t *testing.T) *capturingBackend {
	t.Helper()
	b := &capturingBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(context.Background())
		b.last = clone
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(b.Server.Close)
	return b
}

type harness struct {
	router *Router
	store  *store.Memory
	core   *capturingBackend
	admin  *capturingBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	core := newCapturingBackend(t)
	admin := newCapturingBackend(t)

	table, err := NewTable([]config.BackendConfig{
		{Name: "core", Prefix: "/api", URL: core.URL},
		{Name: "contacts", Prefix: "/api/contacts", URL: core.URL, Resource: "contacts"},
		{Name: "admin-core", Prefix: "/api/admin", URL: admin.URL, Admin: true},
	})
	require.NoError(t, err)

	s := store.NewMemory()
	authority := &staticAuthority{principal: &identity.Principal{
		ID: "svc-1", OrgID: "org-1", Scopes: []string{"contacts"}, CredentialID: "cred-9",
	}}

	verifier := identity.NewVerifier(identity.VerifierConfig{
		UserSecret:    userSecret,
		UserIssuer:    "platform",
		AdminSecret:   adminSecret,
		AdminIssuer:   "platform-admin",
		Audience:      "gateway",
		SessionCookie: "eg_session",
		AdminCookie:   "eg_admin_session",
	}, authority, time.Minute)
	t.Cleanup(verifier.Stop)

	entitlements := entitlement.NewGate(authority, 5*time.Minute, time.Minute)
	t.Cleanup(entitlements.Stop)
	permissions := permission.NewGate(authority, 5*time.Minute)
	t.Cleanup(permissions.Stop)

	g := New(Options{
		Table:        table,
		Verifier:     verifier,
		Csrf:         csrf.NewGuard(s, "eg_csrf", time.Hour, 5*time.Minute),
		Entitlements: entitlements,
		Permissions:  permissions,
		Limiter: ratelimit.NewLimiter(s, []ratelimit.Rule{
			{Name: RateRuleHTTP, Max: 1000, Window: time.Minute},
		}),
		Store:           s,
		CsrfCookie:      "eg_csrf",
		AssertionSecret: assertionSecret,
	})
	return &harness{router: g, store: s, core: core, admin: admin}
}

func mintToken(t *testing.T, secret []byte, issuer string, claims jwt.MapClaims) string {
	t.Helper()
	claims["iss"] = issuer
	claims["aud"] = "gateway"
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	claims["iat"] = time.Now().Unix()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T) string {
	return mintToken(t, userSecret, "platform", jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"org":   "org-1",
	})
}

func adminToken(t *testing.T) string {
	return mintToken(t, adminSecret, "platform-admin", jwt.MapClaims{
		"sub":         "admin-1",
		"super_admin": true,
		"scopes":      []string{"*"},
	})
}

func (h *harness) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.router.Handler().ServeHTTP(w, r)
	return w
}

func errType(t *testing.T, body *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Body.Bytes(), &envelope))
	return envelope.Error.Type
}

func TestAdminAndGeneralPrefixesResolveSeparately(t *testing.T) {
	h := newHarness(t)

	// /api/admin/... verifies against the admin domain and reaches the admin
	// backend even though /api also matches.
	r := httptest.NewRequest(http.MethodGet, "/api/admin/orgs", nil)
	r.Header.Set("Authorization", "Bearer "+adminToken(t))
	w := h.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, h.admin.last)
	assert.Nil(t, h.core.last)

	r = httptest.NewRequest(http.MethodGet, "/api/things", nil)
	r.Header.Set("Authorization", "Bearer "+userToken(t))
	w = h.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, h.core.last)
}

func TestUserTokenRejectedOnAdminPrefix(t *testing.T) {
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodGet, "/api/admin/orgs", nil)
	r.Header.Set("Authorization", "Bearer "+userToken(t))
	w := h.do(t, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, h.admin.last)
}

func TestForwardedIdentityHeaders(t *testing.T) {
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	r.Header.Set("Authorization", "Bearer "+userToken(t))
	r.AddCookie(&http.Cookie{Name: "tracking", Value: "x"})
	r.Header.Set(HeaderPrincipalID, "forged-id")
	w := h.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)

	fwd := h.core.last
	require.NotNil(t, fwd)
	assert.Equal(t, "user-1", fwd.Header.Get(HeaderPrincipalID))
	assert.Equal(t, "user@example.com", fwd.Header.Get(HeaderEmail))
	assert.Equal(t, "org-1", fwd.Header.Get(HeaderOrgID))

	// Client-supplied credentials and forged identity headers never cross.
	assert.Empty(t, fwd.Header.Get("Cookie"))
	assert.Empty(t, fwd.Header.Get("Authorization"))

	assertion := fwd.Header.Get(HeaderAssertion)
	require.NotEmpty(t, assertion)
	assert.True(t, VerifyAssertion(assertionSecret, assertion, "user-1", "org-1", "user", time.Now(), time.Minute))
	assert.False(t, VerifyAssertion(assertionSecret, assertion, "forged-id", "org-1", "user", time.Now(), time.Minute))
}

func TestAPICredentialHeaders(t *testing.T) {
	h := newHarness(t)

	r := httptest.NewRequest(http.MethodPost, "/api/contacts", strings.NewReader("{}"))
	r.Header.Set(identity.HeaderAPICredential, "raw-credential")
	w := h.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	fwd := h.core.last
	require.NotNil(t, fwd)
	assert.Equal(t, "true", fwd.Header.Get(HeaderTokenAuth))
	assert.Equal(t, "cred-9", fwd.Header.Get(HeaderCredentialID))
	assert.Empty(t, fwd.Header.Get(identity.HeaderAPICredential))
}

func TestCsrfEnforcedForMutatingSessionRequests(t *testing.T) {
	h := newHarness(t)
	token := userToken(t)

	// Mutating session request without a CSRF token is rejected.
	r := httptest.NewRequest(http.MethodPost, "/api/things", strings.NewReader("{}"))
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	w := h.do(t, r)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "csrf_mismatch", errType(t, w))

	// Reads never require it.
	r = httptest.NewRequest(http.MethodGet, "/api/things", nil)
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	assert.Equal(t, http.StatusOK, h.do(t, r).Code)
}

func TestCsrfIssuanceRoundTrip(t *testing.T) {
	h := newHarness(t)
	token := userToken(t)

	r := httptest.NewRequest(http.MethodGet, "/api/auth/csrf", nil)
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	w := h.do(t, r)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "eg_csrf", cookies[0].Name)
	assert.Equal(t, body.Token, cookies[0].Value)

	r = httptest.NewRequest(http.MethodPost, "/api/things", strings.NewReader("{}"))
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	r.AddCookie(&http.Cookie{Name: "eg_csrf", Value: body.Token})
	r.Header.Set(csrf.HeaderToken, body.Token)
	assert.Equal(t, http.StatusOK, h.do(t, r).Code)
}

func TestPermissionGuardOnResourceBackend(t *testing.T) {
	h := newHarness(t)
	token := userToken(t)

	r := httptest.NewRequest(http.MethodGet, "/api/contacts/42", nil)
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	assert.Equal(t, http.StatusOK, h.do(t, r).Code)

	// The fetcher grants read and create on contacts, not delete.
	csrfToken := csrfFor(t, h, "user-1")
	r = httptest.NewRequest(http.MethodDelete, "/api/contacts/42", nil)
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	r.AddCookie(&http.Cookie{Name: "eg_csrf", Value: csrfToken})
	r.Header.Set(csrf.HeaderToken, csrfToken)
	w := h.do(t, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errType(t, w))
}

func csrfFor(t *testing.T, h *harness, principalID string) string {
	t.Helper()
	g := csrf.NewGuard(h.store, "eg_csrf", time.Hour, 5*time.Minute)
	token, err := g.Issue(context.Background(), principalID)
	require.NoError(t, err)
	return token
}

func TestPermissionInvalidationEndpoint(t *testing.T) {
	h := newHarness(t)
	token := userToken(t)

	// Prime the cache.
	r := httptest.NewRequest(http.MethodGet, "/api/contacts/42", nil)
	r.AddCookie(&http.Cookie{Name: "eg_session", Value: token})
	require.Equal(t, http.StatusOK, h.do(t, r).Code)

	payload := `{"principal_id":"user-1","organization_id":"org-1"}`

	// Without a valid service assertion the endpoint refuses.
	r = httptest.NewRequest(http.MethodPost, "/internal/permissions/invalidate", strings.NewReader(payload))
	assert.Equal(t, http.StatusUnauthorized, h.do(t, r).Code)

	r = httptest.NewRequest(http.MethodPost, "/internal/permissions/invalidate", strings.NewReader(payload))
	r.Header.Set(HeaderAssertion,
		SignAssertion(assertionSecret, "user-1", "org-1", AssertionKindInternal, time.Now()))
	assert.Equal(t, http.StatusNoContent, h.do(t, r).Code)

	// An assertion signed for a different pair never invalidates this one.
	r = httptest.NewRequest(http.MethodPost, "/internal/permissions/invalidate", strings.NewReader(payload))
	r.Header.Set(HeaderAssertion,
		SignAssertion(assertionSecret, "user-2", "org-1", AssertionKindInternal, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, h.do(t, r).Code)
}

func TestUnroutedPathIs404(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingCredentialIs401(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errType(t, w))
}

func TestBackendFailureIsUniform503(t *testing.T) {
	h := newHarness(t)
	h.core.Close()

	r := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	r.Header.Set("Authorization", "Bearer "+userToken(t))
	w := h.do(t, r)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "upstream_unavailable", errType(t, w))
	assert.NotContains(t, w.Body.String(), "refused", "transport detail must not leak")
}

func TestRateLimitAppliesBeforeAuthentication(t *testing.T) {
	h := newHarness(t)
	limited := New(Options{
		Table:           h.router.opts.Table,
		Verifier:        h.router.opts.Verifier,
		Csrf:            h.router.opts.Csrf,
		Entitlements:    h.router.opts.Entitlements,
		Permissions:     h.router.opts.Permissions,
		Limiter:         ratelimit.NewLimiter(store.NewMemory(), []ratelimit.Rule{{Name: RateRuleHTTP, Max: 2, Window: time.Minute}}),
		Store:           h.store,
		CsrfCookie:      "eg_csrf",
		AssertionSecret: assertionSecret,
	})
	handler := limited.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		r.RemoteAddr = "203.0.113.7:1000"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, r)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestHealthReportsStoreDegradation(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.store.SetFailing(true)
	w = h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
