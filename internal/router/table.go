// Package router maps path prefixes to backend services and forwards
// requests through the gateway's ordered middleware chain: rate limit,
// identity, CSRF, entitlement, permission, proxy.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/driftline/edge-gateway/internal/config"
)

// Backend is one entry in the static routing table.
type Backend struct {
	Name     string
	Prefix   string
	Admin    bool   // verified against the admin token domain
	Resource string // permission resource guarding this backend, empty = none

	target *url.URL
}

// Table is the static prefix-to-backend mapping. Admin-prefixed entries
// resolve ahead of general API entries, then longer prefixes win, so an
// overlapping generic rule cannot swallow a specific one.
type Table struct {
	backends []*Backend
}

// NewTable builds the routing table from configuration.
func NewTable(configs []config.BackendConfig) (*Table, error) {
	backends := make([]*Backend, 0, len(configs))
	for _, bc := range configs {
		target, err := url.Parse(bc.URL)
		if err != nil {
			return nil, fmt.Errorf("router: backend %s: %w", bc.Name, err)
		}
		backends = append(backends, &Backend{
			Name:     bc.Name,
			Prefix:   strings.TrimSuffix(bc.Prefix, "/"),
			Admin:    bc.Admin,
			Resource: bc.Resource,
			target:   target,
		})
	}
	sort.SliceStable(backends, func(i, j int) bool {
		if backends[i].Admin != backends[j].Admin {
			return backends[i].Admin
		}
		return len(backends[i].Prefix) > len(backends[j].Prefix)
	})
	return &Table{backends: backends}, nil
}

// Match returns the backend for path, or nil.
func (t *Table) Match(path string) *Backend {
	for _, b := range t.backends {
		if path == b.Prefix || strings.HasPrefix(path, b.Prefix+"/") {
			return b
		}
	}
	return nil
}
