package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/config"
	"github.com/driftline/edge-gateway/internal/csrf"
	"github.com/driftline/edge-gateway/internal/entitlement"
	"github.com/driftline/edge-gateway/internal/httperr"
	"github.com/driftline/edge-gateway/internal/identity"
	"github.com/driftline/edge-gateway/internal/permission"
	"github.com/driftline/edge-gateway/internal/ratelimit"
	"github.com/driftline/edge-gateway/internal/store"
)

// RateRuleHTTP is the rate-limit rule applied to every proxied request,
// scoped by client address.
const RateRuleHTTP = "http"

// Options wires the gateway's gates into the router.
type Options struct {
	Table             *Table
	Verifier          *identity.Verifier
	Csrf              *csrf.Guard
	Entitlements      *entitlement.Gate
	Permissions       *permission.Gate
	Limiter           *ratelimit.Limiter
	Store             store.Store
	CsrfCookie        string
	AssertionSecret   []byte
	TrustProxyHeaders bool

	// Realtime, when set, is mounted at /ws as the websocket entry point.
	Realtime http.Handler
}

// Router is the HTTP entry point: it rate-limits, authenticates, authorizes
// and forwards every inbound request.
type Router struct {
	opts    Options
	proxies map[*Backend]*httputil.ReverseProxy
}

// New builds the router and one reverse proxy per backend.
func New(opts Options) *Router {
	g := &Router{opts: opts, proxies: make(map[*Backend]*httputil.ReverseProxy)}
	for _, b := range opts.Table.backends {
		g.proxies[b] = g.buildProxy(b)
	}
	return g
}

// Handler returns the fully wired HTTP handler.
func (g *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", g.handleHealth)
	r.Get("/api/auth/csrf", g.handleIssueCsrf)
	r.Post("/internal/permissions/invalidate", g.handleInvalidatePermissions)
	if g.opts.Realtime != nil {
		r.Handle("/ws", g.opts.Realtime)
	}
	r.Handle("/*", http.HandlerFunc(g.serve))
	return r
}

// serve runs the ordered middleware chain for one proxied request:
// rate limit → identity → csrf → entitlement → permission → forward.
func (g *Router) serve(w http.ResponseWriter, r *http.Request) {
	backend := g.opts.Table.Match(r.URL.Path)
	if backend == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "not_found", "message": "no route for path"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	scopeKey := ratelimit.ScopeKeyFromRequest(r, g.opts.TrustProxyHeaders)
	if err := g.opts.Limiter.Allow(r.Context(), RateRuleHTTP, scopeKey); err != nil {
		httperr.Write(w, err)
		return
	}

	principal, err := g.resolvePrincipal(r, backend)
	if err != nil {
		httperr.Write(w, unauthorizedError(err))
		return
	}

	if isMutating(r.Method) && principal.Kind != identity.KindAPICredential {
		if err := g.opts.Csrf.Check(r, principal.ID); err != nil {
			httperr.Write(w, err)
			return
		}
	}

	// Admin principals are not organization-scoped; everyone else needs an
	// active subscription.
	if principal.OrgID != "" {
		if err := g.opts.Entitlements.EnsureActive(r.Context(), principal.OrgID); err != nil {
			httperr.Write(w, err)
			return
		}
	}

	if backend.Resource != "" {
		if err := g.opts.Permissions.Require(r.Context(), principal, backend.Resource, actionForMethod(r.Method)); err != nil {
			httperr.Write(w, err)
			return
		}
	}

	ctx := identity.WithPrincipal(r.Context(), principal)
	g.proxies[backend].ServeHTTP(w, r.WithContext(ctx))
}

func (g *Router) resolvePrincipal(r *http.Request, backend *Backend) (*identity.Principal, error) {
	if backend.Admin {
		return g.opts.Verifier.ResolveAdmin(r)
	}
	return g.opts.Verifier.Resolve(r)
}

// buildProxy constructs the reverse proxy for one backend. Client-supplied
// identity and cookie headers are stripped and replaced with
// gateway-asserted headers so a client cannot forge its identity to a
// backend that trusts the gateway.
func (g *Router) buildProxy(backend *Backend) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend.target)
			pr.SetXForwarded()

			out := pr.Out.Header
			out.Del("Cookie")
			out.Del("Authorization")
			out.Del(identity.HeaderAPICredential)
			for name := range out {
				if strings.HasPrefix(name, "X-Gateway-") {
					out.Del(name)
				}
			}

			p, ok := identity.FromContext(pr.In.Context())
			if !ok {
				return
			}
			out.Set(HeaderPrincipalID, p.ID)
			if p.Email != "" {
				out.Set(HeaderEmail, p.Email)
			}
			if p.OrgID != "" {
				out.Set(HeaderOrgID, p.OrgID)
			}
			if p.Kind == identity.KindAdmin {
				if p.SuperAdmin {
					out.Set(HeaderSuperAdmin, "true")
				}
				out.Set(HeaderPermissions, p.SerializedScopes())
			}
			if p.Kind == identity.KindAPICredential {
				out.Set(HeaderTokenAuth, "true")
				out.Set(HeaderCredentialID, p.CredentialID)
			}
			out.Set(HeaderAssertion,
				SignAssertion(g.opts.AssertionSecret, p.ID, p.OrgID, string(p.Kind), time.Now()))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// Transport detail stays server-side; clients get the uniform
			// unavailable response.
			log.Error().Err(err).
				Str("backend", backend.Name).
				Str("path", r.URL.Path).
				Msg("backend proxy failure")
			httperr.Write(w, httperr.UpstreamUnavailable())
		},
	}
}

// handleHealth probes the shared store and reports degraded status when it
// is unreachable.
func (g *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if err := g.opts.Store.Set(r.Context(), "_health_", "ok", 10*time.Second); err != nil {
		health["status"] = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// handleIssueCsrf mints a CSRF token for the authenticated session and sets
// the double-submit cookie alongside the JSON body.
func (g *Router) handleIssueCsrf(w http.ResponseWriter, r *http.Request) {
	principal, err := g.opts.Verifier.Resolve(r)
	if err != nil {
		httperr.Write(w, unauthorizedError(err))
		return
	}
	token, err := g.opts.Csrf.Issue(r.Context(), principal.ID)
	if err != nil {
		log.Error().Err(err).Msg("csrf token issuance failed")
		httperr.Write(w, httperr.UpstreamUnavailable())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.opts.CsrfCookie,
		Value:    token,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// handleInvalidatePermissions busts the permission cache for one
// principal+organization. Called by role-management services right after a
// role change; authenticated with the same shared-secret assertion backends
// use to verify forwarded identity headers, signed over the pair being
// invalidated with kind "internal".
func (g *Router) handleInvalidatePermissions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrincipalID string `json:"principal_id"`
		OrgID       string `json:"organization_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PrincipalID == "" || body.OrgID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "bad_request", "message": "principal_id and organization_id are required"},
		})
		return
	}
	assertion := r.Header.Get(HeaderAssertion)
	if !VerifyAssertion(g.opts.AssertionSecret, assertion, body.PrincipalID, body.OrgID, AssertionKindInternal, time.Now(), time.Minute) {
		httperr.Write(w, httperr.Unauthorized("invalid service assertion"))
		return
	}
	g.opts.Permissions.Invalidate(body.PrincipalID, body.OrgID)
	w.WriteHeader(http.StatusNoContent)
}

func unauthorizedError(err error) error {
	switch {
	case errors.Is(err, identity.ErrExpiredCredential):
		return httperr.Unauthorized("credential expired")
	case errors.Is(err, identity.ErrMissingCredential):
		return httperr.Unauthorized("missing credential")
	default:
		return httperr.Unauthorized("invalid credential")
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func actionForMethod(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
