// Package csrf guards state-mutating session requests with a double-submit
// token pair backed by the shared store.
//
// The guard is skipped for safe methods and for API-credential requests;
// programmatic callers have no browser cookie jar to protect.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/httperr"
	"github.com/driftline/edge-gateway/internal/store"
)

// HeaderToken is the request header carrying the client's CSRF token.
const HeaderToken = "X-CSRF-Token"

const storePrefix = "csrf:"

// Guard validates the double-submit pair and the server-side issued token.
//
// When the shared store is unreachable the guard degrades to cookie-only
// comparison instead of blocking all writes. The degraded mode is
// time-bounded: once the store has been failing longer than degradedWindow,
// the guard fails closed again.
type Guard struct {
	store          store.Store
	cookieName     string
	tokenTTL       time.Duration
	degradedWindow time.Duration

	mu         sync.Mutex
	failingFor time.Time // zero when the store is healthy
}

// NewGuard builds a CSRF guard on the shared store.
func NewGuard(s store.Store, cookieName string, tokenTTL, degradedWindow time.Duration) *Guard {
	return &Guard{
		store:          s,
		cookieName:     cookieName,
		tokenTTL:       tokenTTL,
		degradedWindow: degradedWindow,
	}
}

// Issue mints a fresh token for principalID, stores it server-side with the
// configured TTL, and returns it. The caller sets both the cookie and the
// response body from it.
func (g *Guard) Issue(ctx context.Context, principalID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := g.store.Set(ctx, storePrefix+principalID, token, g.tokenTTL); err != nil {
		g.noteFailure()
		return "", fmt.Errorf("csrf: persist token: %w", err)
	}
	g.noteSuccess()
	return token, nil
}

// Check validates a state-mutating request for principalID. Token absence or
// mismatch always fails closed; only store unavailability degrades to the
// cookie-only comparison, and only within the degraded window.
func (g *Guard) Check(r *http.Request, principalID string) error {
	header := r.Header.Get(HeaderToken)
	cookie, err := r.Cookie(g.cookieName)
	if header == "" || err != nil || cookie.Value == "" {
		return httperr.CsrfMismatch()
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return httperr.CsrfMismatch()
	}

	issued, err := g.store.Get(r.Context(), storePrefix+principalID)
	if errors.Is(err, store.ErrNotFound) {
		g.noteSuccess()
		return httperr.CsrfMismatch()
	}
	if err != nil {
		if g.noteFailure() {
			log.Warn().Err(err).Msg("csrf store unreachable, accepting cookie-only comparison")
			return nil
		}
		log.Error().Err(err).Msg("csrf store outage exceeded degraded window, failing closed")
		return httperr.CsrfMismatch()
	}
	g.noteSuccess()
	if subtle.ConstantTimeCompare([]byte(header), []byte(issued)) != 1 {
		return httperr.CsrfMismatch()
	}
	return nil
}

// noteFailure records a store failure and reports whether degraded mode is
// still within its window.
func (g *Guard) noteFailure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if g.failingFor.IsZero() {
		g.failingFor = now
	}
	return now.Sub(g.failingFor) < g.degradedWindow
}

func (g *Guard) noteSuccess() {
	g.mu.Lock()
	g.failingFor = time.Time{}
	g.mu.Unlock()
}
