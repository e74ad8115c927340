// Package authority holds the HTTP clients for the downstream authorities
// the gateway's gates consult: identity (API credentials), subscription
// (entitlement) and authorization (permissions).
//
// Every call carries the configured short timeout; callers apply their own
// fail-open or fail-closed policy when a call errors out.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftline/edge-gateway/internal/identity"
	"github.com/driftline/edge-gateway/internal/permission"
)

// Client talks to one authority base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client with a mandatory per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("authority: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("authority: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("authority: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authority: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("authority: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authority: decode response: %w", err)
	}
	return nil
}

// VerifyCredential implements identity.CredentialAuthority.
func (c *Client) VerifyCredential(ctx context.Context, credential string) (*identity.Principal, error) {
	var out struct {
		Valid        bool     `json:"valid"`
		PrincipalID  string   `json:"principal_id"`
		OrgID        string   `json:"organization_id"`
		Email        string   `json:"email"`
		CredentialID string   `json:"credential_id"`
		Scopes       []string `json:"scopes"`
	}
	err := c.postJSON(ctx, "/internal/credentials/verify",
		map[string]string{"credential": credential}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Valid {
		return nil, fmt.Errorf("authority: credential rejected")
	}
	return &identity.Principal{
		Kind:         identity.KindAPICredential,
		ID:           out.PrincipalID,
		Email:        out.Email,
		OrgID:        out.OrgID,
		OrgIDs:       []string{out.OrgID},
		Scopes:       out.Scopes,
		CredentialID: out.CredentialID,
	}, nil
}

// CheckSubscription implements entitlement.Checker. The boolean is only
// meaningful when err is nil; callers must not read a failed call as
// inactive.
func (c *Client) CheckSubscription(ctx context.Context, orgID string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := c.getJSON(ctx, "/internal/subscriptions/"+orgID, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

// FetchPermissions implements permission.Fetcher.
func (c *Client) FetchPermissions(ctx context.Context, principalID, orgID string) (permission.Map, error) {
	var out struct {
		Permissions permission.Map `json:"permissions"`
	}
	path := fmt.Sprintf("/internal/permissions/%s/%s", orgID, principalID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Permissions, nil
}
