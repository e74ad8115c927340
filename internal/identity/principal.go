// Package identity resolves bearer credentials into principals.
package identity

import (
	"context"
	"strings"
)

// Kind discriminates how a principal authenticated.
type Kind string

const (
	KindUser          Kind = "user"
	KindAdmin         Kind = "admin"
	KindAPICredential Kind = "api_credential"
)

// ScopeAll grants every permission. Super-admin tokens carry it.
const ScopeAll = "*"

// Principal is the resolved identity for one request or connection. It is
// built from a verified credential and never persisted by the gateway. The
// organization id, once resolved, does not change for the rest of the
// request.
type Principal struct {
	Kind  Kind
	ID    string
	Email string

	// OrgID is the organization the request acts within. Empty for admin
	// principals, which are not organization-scoped.
	OrgID string

	// OrgIDs lists every organization the principal belongs to. The
	// organization-selection header is only honored when there is more
	// than one.
	OrgIDs []string

	SuperAdmin bool

	// Scopes is the explicit permission scope list. API credentials carry
	// their own embedded scopes; the gateway never re-derives them.
	Scopes []string

	// CredentialID is the internal id of the API credential, set only for
	// KindAPICredential.
	CredentialID string
}

// AllowsAll reports whether the principal bypasses permission checks
// entirely.
func (p *Principal) AllowsAll() bool {
	if p.SuperAdmin {
		return true
	}
	for _, s := range p.Scopes {
		if s == ScopeAll {
			return true
		}
	}
	return false
}

// HasScope reports whether the embedded scope list covers resource/action.
// A bare resource scope covers all its actions.
func (p *Principal) HasScope(resource, action string) bool {
	want := resource + ":" + action
	for _, s := range p.Scopes {
		if s == ScopeAll || s == resource || s == want {
			return true
		}
	}
	return false
}

// SelectOrg switches the active organization. Honored only when the
// principal belongs to the requested organization and to more than one
// overall; returns whether the switch applied.
func (p *Principal) SelectOrg(orgID string) bool {
	if orgID == "" || len(p.OrgIDs) < 2 {
		return false
	}
	for _, id := range p.OrgIDs {
		if id == orgID {
			p.OrgID = orgID
			return true
		}
	}
	return false
}

// SerializedScopes renders the scope list for the forwarded permission
// header.
func (p *Principal) SerializedScopes() string {
	return strings.Join(p.Scopes, ",")
}

type ctxKey struct{}

// WithPrincipal injects the resolved principal into a request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal previously injected by the auth
// middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}
