// Package billing implements the TTL-cached commerce lookups (C6) and the
// per-request admission gate (C7) built on top of them.
package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/secretresolver"
)

// SubscriptionStatus is the commerce back end's subscription record.
type SubscriptionStatus struct {
	Active bool `json:"active"`
}

// Plan is the commerce back end's plan record. A 404 response is
// represented by a nil *Plan rather than an error.
type Plan struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Balance is the commerce back end's prepaid-balance record, in cents.
type Balance struct {
	Cents int64 `json:"balance_cents"`
}

// Client issues the three commerce HTTP calls used by the billing cache,
// applying the §4.6 authorization precedence: caller-supplied bearer,
// then the process service token, then basic credentials.
type Client struct {
	baseURL      string
	serviceToken string
	basicUser    string
	basicPass    string
	httpClient   *http.Client
}

// NewClient resolves the configured commerce service token and basic-auth
// password (which may be kms:// references) and returns a ready Client.
func NewClient(ctx context.Context, cfg config.BillingConfig, resolver *secretresolver.Resolver) (*Client, error) {
	serviceToken, err := resolver.Resolve(ctx, cfg.CommerceServiceTok)
	if err != nil {
		return nil, fmt.Errorf("billing: resolve service token: %w", err)
	}
	basicPass, err := resolver.Resolve(ctx, cfg.BasicAuthPassword)
	if err != nil {
		return nil, fmt.Errorf("billing: resolve basic auth password: %w", err)
	}
	return &Client{
		baseURL:      cfg.CommerceAPIURL,
		serviceToken: serviceToken,
		basicUser:    cfg.BasicAuthUsername,
		basicPass:    basicPass,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// FetchSubscriptionStatus calls GET /subscriptions/{orgID}.
func (c *Client) FetchSubscriptionStatus(ctx context.Context, orgID, callerToken string) (*SubscriptionStatus, error) {
	var out SubscriptionStatus
	_, err := c.get(ctx, fmt.Sprintf("/subscriptions/%s", orgID), callerToken, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchPlan calls GET /plans/{planID}. A 404 is reported as (nil, nil) so
// the cache can remember the absence without retrying every lookup.
func (c *Client) FetchPlan(ctx context.Context, planID, callerToken string) (*Plan, error) {
	var out Plan
	status, err := c.get(ctx, fmt.Sprintf("/plans/%s", planID), callerToken, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &out, nil
}

// FetchBalance calls GET /balances/{userID}.
func (c *Client) FetchBalance(ctx context.Context, userID, callerToken string) (*Balance, error) {
	var out Balance
	_, err := c.get(ctx, fmt.Sprintf("/balances/%s", userID), callerToken, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// get issues a 10-second-deadline GET against the commerce back end and
// decodes a 2xx JSON body into out. A 404 is returned as its status with
// a nil error and nothing decoded, for callers that check it.
func (c *Client) get(ctx context.Context, path, callerToken string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("billing: build request: %w", err)
	}
	c.applyAuth(req, callerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("billing: commerce request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("billing: commerce returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("billing: decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Ping probes the commerce back end for /readyz, treating any completed
// round trip as reachable regardless of status code. An unconfigured
// base URL (billing disabled) is reported as reachable, since there is
// nothing to be unreachable from.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("billing: build ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: commerce unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// applyAuth sets the Authorization header per the §4.6 precedence: caller
// bearer token, then the process service token, then basic credentials.
func (c *Client) applyAuth(req *http.Request, callerToken string) {
	switch {
	case callerToken != "":
		req.Header.Set("Authorization", "Bearer "+callerToken)
	case c.serviceToken != "":
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	case c.basicUser != "":
		creds := base64.StdEncoding.EncodeToString([]byte(c.basicUser + ":" + c.basicPass))
		req.Header.Set("Authorization", "Basic "+creds)
	}
}
