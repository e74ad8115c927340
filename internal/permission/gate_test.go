package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/edge-gateway/internal/identity"
)

type fakeFetcher struct {
	perms Map
	err   error
	calls int
}

func (f *fakeFetcher) FetchPermissions(_ context.Context, _, _ string) (Map, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.perms, nil
}

func member(id, org string) *identity.Principal {
	return &identity.Principal{Kind: identity.KindUser, ID: id, OrgID: org}
}

func TestRequireGrantedAndDenied(t *testing.T) {
	fetcher := &fakeFetcher{perms: Map{
		"contacts": {Read: true, Create: true},
	}}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	ctx := context.Background()
	p := member("user-1", "org-1")

	assert.NoError(t, g.Require(ctx, p, "contacts", "read"))
	assert.NoError(t, g.Require(ctx, p, "contacts", "create"))
	assert.Error(t, g.Require(ctx, p, "contacts", "delete"))

	// Unknown resources default to denied.
	assert.Error(t, g.Require(ctx, p, "billing", "read"))
}

func TestRequireUsesCache(t *testing.T) {
	fetcher := &fakeFetcher{perms: Map{"contacts": {Read: true}}}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	ctx := context.Background()
	p := member("user-1", "org-1")
	require.NoError(t, g.Require(ctx, p, "contacts", "read"))
	require.NoError(t, g.Require(ctx, p, "contacts", "read"))
	assert.Equal(t, 1, fetcher.calls)
}

func TestInvalidateBustsCacheWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{perms: Map{"contacts": {Read: true}}}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	ctx := context.Background()
	p := member("user-1", "org-1")
	require.NoError(t, g.Require(ctx, p, "contacts", "read"))

	// Revoke upstream, then invalidate: the next check must see the
	// revocation even though the TTL has not lapsed.
	fetcher.perms = Map{}
	g.Invalidate("user-1", "org-1")
	assert.Error(t, g.Require(ctx, p, "contacts", "read"))

	// Grant upstream, invalidate again: newly granted permission applies.
	fetcher.perms = Map{"contacts": {Read: true}}
	g.Invalidate("user-1", "org-1")
	assert.NoError(t, g.Require(ctx, p, "contacts", "read"))
}

func TestAuthorityOutageFailsClosed(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("authority timeout")}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	err := g.Require(context.Background(), member("user-1", "org-1"), "contacts", "read")
	assert.Error(t, err, "an authorization outage must not grant access")
}

func TestSuperAdminAndWildcardBypass(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("must not be called")}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	ctx := context.Background()

	admin := &identity.Principal{Kind: identity.KindAdmin, ID: "admin-1", SuperAdmin: true}
	assert.NoError(t, g.Require(ctx, admin, "anything", "delete"))

	wildcard := &identity.Principal{Kind: identity.KindUser, ID: "user-1", OrgID: "org-1", Scopes: []string{identity.ScopeAll}}
	assert.NoError(t, g.Require(ctx, wildcard, "anything", "delete"))

	assert.Zero(t, fetcher.calls)
}

func TestAPICredentialUsesEmbeddedScopes(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("must not be called")}
	g := NewGate(fetcher, 5*time.Minute)
	defer g.Stop()

	ctx := context.Background()
	cred := &identity.Principal{
		Kind:   identity.KindAPICredential,
		ID:     "svc-1",
		OrgID:  "org-1",
		Scopes: []string{"contacts:read", "campaigns"},
	}

	assert.NoError(t, g.Require(ctx, cred, "contacts", "read"))
	assert.Error(t, g.Require(ctx, cred, "contacts", "delete"))
	// A bare resource scope covers every action on it.
	assert.NoError(t, g.Require(ctx, cred, "campaigns", "update"))
	assert.Zero(t, fetcher.calls, "the gateway never re-derives credential permissions")
}
