// Package entitlement gates requests on the organization's subscription
// state.
//
// Policy: a confirmed-inactive subscription fails the request (closed); an
// authority timeout or error admits it (open). Blocking all traffic during a
// billing-service outage is worse than temporarily admitting a possibly
// unpaid tenant. The asymmetric TTLs let a new subscription take effect
// quickly while still shielding the authority from load.
package entitlement

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/httperr"
)

// Checker asks the subscription authority whether an organization has an
// active subscription. The boolean is only meaningful when err is nil.
type Checker interface {
	CheckSubscription(ctx context.Context, orgID string) (bool, error)
}

// Gate caches entitlement answers per organization.
type Gate struct {
	authority   Checker
	cache       *ttlcache.Cache[string, bool]
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewGate builds an entitlement gate. positiveTTL must exceed negativeTTL so
// denials are re-checked sooner than grants.
func NewGate(authority Checker, positiveTTL, negativeTTL time.Duration) *Gate {
	cache := ttlcache.New[string, bool](
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()
	return &Gate{
		authority:   authority,
		cache:       cache,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// EnsureActive passes when the organization holds an active subscription.
func (g *Gate) EnsureActive(ctx context.Context, orgID string) error {
	if item := g.cache.Get(orgID); item != nil {
		if item.Value() {
			return nil
		}
		return httperr.NoActiveSubscription(orgID)
	}

	active, err := g.authority.CheckSubscription(ctx, orgID)
	if err != nil {
		// Fail open: an unknown answer is not a confirmed negative.
		log.Warn().Err(err).Str("org_id", orgID).
			Msg("subscription authority unavailable, admitting request")
		return nil
	}
	if !active {
		g.cache.Set(orgID, false, g.negativeTTL)
		return httperr.NoActiveSubscription(orgID)
	}
	g.cache.Set(orgID, true, g.positiveTTL)
	return nil
}

// Stop releases the cache's background goroutine.
func (g *Gate) Stop() {
	g.cache.Stop()
}
