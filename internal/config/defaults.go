// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultListenAddr is the HTTP listen address.
const DefaultListenAddr = ":8080"

// DefaultServerReadTimeout bounds slow request bodies.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout is generous because proxied responses stream.
const DefaultServerWriteTimeout = 2 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// =============================================================================
// AUTHORITY CALLS
// =============================================================================

// DefaultAuthorityTimeout bounds every downstream authority call so a slow
// dependency cannot pile up in-flight requests.
const DefaultAuthorityTimeout = 3 * time.Second

// =============================================================================
// CACHE TTLS
// =============================================================================

// PermissionCacheTTL is how long resolved permission maps are cached.
const PermissionCacheTTL = 5 * time.Minute

// EntitlementPositiveTTL caches a confirmed-active subscription.
const EntitlementPositiveTTL = 5 * time.Minute

// EntitlementNegativeTTL caches a confirmed-inactive subscription. Shorter
// than the positive TTL so a new subscription takes effect quickly.
const EntitlementNegativeTTL = 60 * time.Second

// CredentialCacheTTL caches API-credential verification results to bound
// authority calls under load.
const CredentialCacheTTL = 60 * time.Second

// CsrfTokenTTL is how long an issued CSRF token stays valid server-side.
const CsrfTokenTTL = 12 * time.Hour

// CsrfDegradedWindow bounds how long cookie-only CSRF comparison is accepted
// while the shared store is unreachable.
const CsrfDegradedWindow = 5 * time.Minute

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateWindow is the window length when a rule omits one.
const DefaultRateWindow = 60 * time.Second

// MinRetryAfter keeps the Retry-After header from ever being zero.
const MinRetryAfter = 1

// =============================================================================
// COOKIES
// =============================================================================

// DefaultSessionCookie carries the user session access token.
const DefaultSessionCookie = "eg_session"

// DefaultAdminSessionCookie carries the admin session token. Separate name,
// separate verification domain.
const DefaultAdminSessionCookie = "eg_admin_session"

// DefaultCsrfCookie carries the double-submit CSRF token.
const DefaultCsrfCookie = "eg_csrf"

// =============================================================================
// REALTIME
// =============================================================================

// DefaultMaxConnsPerPrincipal caps concurrent sockets per principal; the
// oldest connection is cycled out when exceeded.
const DefaultMaxConnsPerPrincipal = 5

// DefaultPresenceTTL is the safety expiry on presence sets so a crashed
// instance does not leave stale entries.
const DefaultPresenceTTL = 10 * time.Minute

// DefaultTypingTTL auto-expires typing markers; no explicit stop message is
// required for correctness.
const DefaultTypingTTL = 6 * time.Second
