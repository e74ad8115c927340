// Package httperr defines the gateway's error taxonomy and the single JSON
// error envelope written to clients.
//
// Every client-visible failure maps to one of the types below. Transport-level
// detail from backends is logged server-side and never placed in the envelope.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Error type identifiers carried in the response envelope.
const (
	TypeUnauthorized        = "unauthorized"
	TypeForbidden           = "forbidden"
	TypeCsrfMismatch        = "csrf_mismatch"
	TypeRateLimited         = "rate_limited"
	TypeNoSubscription      = "subscription_inactive"
	TypeUpstreamUnavailable = "upstream_unavailable"
)

// Error is a client-visible gateway error.
type Error struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Status     int    `json:"-"`
	RetryAfter int    `json:"retry_after,omitempty"` // whole seconds, rate limiting only
}

func (e *Error) Error() string { return e.Message }

// Unauthorized reports a missing, invalid or expired credential.
func Unauthorized(msg string) *Error {
	return &Error{Type: TypeUnauthorized, Message: msg, Status: http.StatusUnauthorized}
}

// Forbidden reports an authenticated but not permitted request.
func Forbidden(msg string) *Error {
	return &Error{Type: TypeForbidden, Message: msg, Status: http.StatusForbidden}
}

// CsrfMismatch reports a failed double-submit token check.
func CsrfMismatch() *Error {
	return &Error{Type: TypeCsrfMismatch, Message: "csrf token mismatch", Status: http.StatusForbidden}
}

// RateLimited reports an exhausted rate window. retryAfter is clamped to a
// minimum of one second so the Retry-After header is never zero.
func RateLimited(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Type:       TypeRateLimited,
		Message:    "rate limit exceeded",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NoActiveSubscription reports a confirmed-inactive entitlement.
func NoActiveSubscription(orgID string) *Error {
	return &Error{
		Type:    TypeNoSubscription,
		Message: "no active subscription for organization " + orgID,
		Status:  http.StatusPaymentRequired,
	}
}

// UpstreamUnavailable is the uniform response for any backend proxy failure.
func UpstreamUnavailable() *Error {
	return &Error{
		Type:    TypeUpstreamUnavailable,
		Message: "service temporarily unavailable",
		Status:  http.StatusServiceUnavailable,
	}
}

// Write renders err as the gateway's JSON error envelope. Non-*Error values
// are rendered as a generic upstream failure so internal detail never leaks.
func Write(w http.ResponseWriter, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		ge = UpstreamUnavailable()
	}
	w.Header().Set("Content-Type", "application/json")
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.WriteHeader(ge.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": ge,
	})
}
