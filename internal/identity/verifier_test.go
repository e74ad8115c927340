package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = VerifierConfig{
	UserSecret:    []byte("user-secret"),
	UserIssuer:    "platform",
	AdminSecret:   []byte("admin-secret"),
	AdminIssuer:   "platform-admin",
	Audience:      "gateway",
	SessionCookie: "eg_session",
	AdminCookie:   "eg_admin_session",
}

type fakeAuthority struct {
	principal *Principal
	err       error
	calls     int
}

func (f *fakeAuthority) VerifyCredential(_ context.Context, _ string) (*Principal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.principal
	return &p, nil
}

func mintToken(t *testing.T, secret []byte, issuer string, claims sessionClaims, lifetime time.Duration) string {
	t.Helper()
	claims.Issuer = issuer
	claims.Audience = jwt.ClaimStrings{"gateway"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(lifetime))
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, sub, org string) string {
	return mintToken(t, testConfig.UserSecret, testConfig.UserIssuer, sessionClaims{
		OrgID:  org,
		OrgIDs: []string{org},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: sub,
		},
	}, time.Hour)
}

func TestVerifyUserTokenDeterministic(t *testing.T) {
	v := NewVerifier(testConfig, &fakeAuthority{}, time.Minute)
	defer v.Stop()

	token := userToken(t, "user-1", "org-1")
	for i := 0; i < 3; i++ {
		p, err := v.VerifyUserToken(token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.ID)
		assert.Equal(t, "org-1", p.OrgID)
		assert.Equal(t, KindUser, p.Kind)
	}
}

func TestDomainSeparation(t *testing.T) {
	v := NewVerifier(testConfig, &fakeAuthority{}, time.Minute)
	defer v.Stop()

	user := userToken(t, "user-1", "org-1")
	admin := mintToken(t, testConfig.AdminSecret, testConfig.AdminIssuer, sessionClaims{
		SuperAdmin:       true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"},
	}, time.Hour)

	// A cryptographically valid token for one domain must be rejected by
	// the other.
	_, err := v.VerifyAdminToken(user)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = v.VerifyUserToken(admin)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	p, err := v.VerifyAdminToken(admin)
	require.NoError(t, err)
	assert.Equal(t, KindAdmin, p.Kind)
	assert.True(t, p.SuperAdmin)
	assert.Empty(t, p.OrgID)
}

func TestExpiredVersusInvalid(t *testing.T) {
	v := NewVerifier(testConfig, &fakeAuthority{}, time.Minute)
	defer v.Stop()

	expired := mintToken(t, testConfig.UserSecret, testConfig.UserIssuer, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}, -time.Minute)

	_, err := v.VerifyUserToken(expired)
	assert.ErrorIs(t, err, ErrExpiredCredential)

	_, err = v.VerifyUserToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.NotErrorIs(t, err, ErrExpiredCredential)
}

func TestResolveExtractionOrder(t *testing.T) {
	auth := &fakeAuthority{principal: &Principal{
		ID: "svc-1", OrgID: "org-1", Scopes: []string{"contacts:read"}, CredentialID: "cred-9",
	}}
	v := NewVerifier(testConfig, auth, time.Minute)
	defer v.Stop()

	// API-credential header wins over a session cookie.
	r := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	r.Header.Set(HeaderAPICredential, "raw-credential")
	r.AddCookie(&http.Cookie{Name: testConfig.SessionCookie, Value: userToken(t, "user-1", "org-1")})

	p, err := v.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, KindAPICredential, p.Kind)
	assert.Equal(t, "svc-1", p.ID)

	// Bearer header works without a cookie.
	r = httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	r.Header.Set("Authorization", "Bearer "+userToken(t, "user-2", "org-1"))
	p, err = v.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-2", p.ID)

	// Nothing presented.
	r = httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	_, err = v.Resolve(r)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestAPICredentialCaching(t *testing.T) {
	auth := &fakeAuthority{principal: &Principal{ID: "svc-1", OrgID: "org-1"}}
	v := NewVerifier(testConfig, auth, time.Minute)
	defer v.Stop()

	ctx := context.Background()
	_, err := v.VerifyAPICredential(ctx, "raw-credential")
	require.NoError(t, err)
	_, err = v.VerifyAPICredential(ctx, "raw-credential")
	require.NoError(t, err)
	assert.Equal(t, 1, auth.calls, "second verification should hit the cache")

	_, err = v.VerifyAPICredential(ctx, "different-credential")
	require.NoError(t, err)
	assert.Equal(t, 2, auth.calls)
}

func TestAPICredentialAuthorityFailureIsClosed(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("authority timeout")}
	v := NewVerifier(testConfig, auth, time.Minute)
	defer v.Stop()

	_, err := v.VerifyAPICredential(context.Background(), "raw-credential")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestOrgSelectionHeader(t *testing.T) {
	v := NewVerifier(testConfig, &fakeAuthority{}, time.Minute)
	defer v.Stop()

	multi := mintToken(t, testConfig.UserSecret, testConfig.UserIssuer, sessionClaims{
		OrgID:            "org-1",
		OrgIDs:           []string{"org-1", "org-2"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}, time.Hour)

	r := httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	r.Header.Set("Authorization", "Bearer "+multi)
	r.Header.Set(HeaderOrgSelection, "org-2")
	p, err := v.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "org-2", p.OrgID)

	// Not honored for an organization the principal does not belong to.
	r.Header.Set(HeaderOrgSelection, "org-3")
	p, err = v.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "org-1", p.OrgID)

	// Not honored for single-organization principals.
	single := userToken(t, "user-2", "org-1")
	r = httptest.NewRequest(http.MethodGet, "/api/contacts", nil)
	r.Header.Set("Authorization", "Bearer "+single)
	r.Header.Set(HeaderOrgSelection, "org-2")
	p, err = v.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "org-1", p.OrgID)
}

func TestFingerprintNeverEchoesCredential(t *testing.T) {
	fp := Fingerprint("super-secret-credential")
	assert.Len(t, fp, 16)
	assert.NotContains(t, fp, "super-secret")
	assert.Equal(t, fp, Fingerprint("super-secret-credential"))
}
