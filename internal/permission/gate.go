// Package permission resolves role-based permissions per (principal,
// resource, action).
//
// Policy: unknown or missing entries deny, and an authorization-authority
// outage denies too (closed). This is the opposite of the entitlement gate:
// an authorization outage must not grant broad access.
package permission

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/httperr"
	"github.com/driftline/edge-gateway/internal/identity"
)

// Actions are the CRUD verbs a role grants on a resource.
type Actions struct {
	Create bool `json:"create"`
	Read   bool `json:"read"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// Allows reports whether the named action is granted.
func (a Actions) Allows(action string) bool {
	switch action {
	case "create":
		return a.Create
	case "read":
		return a.Read
	case "update":
		return a.Update
	case "delete":
		return a.Delete
	}
	return false
}

// Map is the resolved permission map for one principal in one organization.
type Map map[string]Actions

// Fetcher resolves a permission map from the authorization authority.
type Fetcher interface {
	FetchPermissions(ctx context.Context, principalID, orgID string) (Map, error)
}

// Gate caches permission maps and answers require() checks.
type Gate struct {
	authority Fetcher
	cache     *ttlcache.Cache[string, Map]
}

// NewGate builds a permission gate with the given cache TTL.
func NewGate(authority Fetcher, ttl time.Duration) *Gate {
	cache := ttlcache.New[string, Map](
		ttlcache.WithTTL[string, Map](ttl),
		ttlcache.WithDisableTouchOnHit[string, Map](),
	)
	go cache.Start()
	return &Gate{authority: authority, cache: cache}
}

func cacheKey(principalID, orgID string) string {
	return principalID + "|" + orgID
}

// Require passes when the principal may perform action on resource.
//
// Super-admins and wildcard scopes bypass the lookup entirely. API
// credentials are authorized by their embedded scope list; the gateway does
// not re-derive their permissions.
func (g *Gate) Require(ctx context.Context, p *identity.Principal, resource, action string) error {
	if p.AllowsAll() {
		return nil
	}
	if p.Kind == identity.KindAPICredential {
		if p.HasScope(resource, action) {
			return nil
		}
		return httperr.Forbidden("credential scope does not cover " + resource + ":" + action)
	}

	perms, err := g.resolve(ctx, p.ID, p.OrgID)
	if err != nil {
		// Fail closed: an authorization outage must not grant access.
		log.Warn().Err(err).Str("principal_id", p.ID).Str("org_id", p.OrgID).
			Msg("authorization authority unavailable, denying request")
		return httperr.Forbidden("permission check unavailable")
	}
	if !perms[resource].Allows(action) {
		return httperr.Forbidden("not permitted: " + resource + ":" + action)
	}
	return nil
}

func (g *Gate) resolve(ctx context.Context, principalID, orgID string) (Map, error) {
	key := cacheKey(principalID, orgID)
	if item := g.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	perms, err := g.authority.FetchPermissions(ctx, principalID, orgID)
	if err != nil {
		return nil, err
	}
	g.cache.Set(key, perms, ttlcache.DefaultTTL)
	return perms, nil
}

// Invalidate busts the cached map for one principal+organization. Role
// management flows call this right after a permission change so the next
// check reflects it immediately instead of waiting out the TTL.
func (g *Gate) Invalidate(principalID, orgID string) {
	g.cache.Delete(cacheKey(principalID, orgID))
}

// Stop releases the cache's background goroutine.
func (g *Gate) Stop() {
	g.cache.Stop()
}
