// Package platform is the HTTP client for the external identity and quota
// service the relay consults for agent tokens, relay aliases and plan limits.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform %s: unexpected status %d", e.Path, e.StatusCode)
}

// AgentInfo is the result of validating an agent token.
type AgentInfo struct {
	UserEmail string `json:"userEmail"`
	AgentID   string `json:"agentId"`
}

// AliasInfo is the result of looking up a relay alias.
type AliasInfo struct {
	Valid       bool   `json:"valid"`
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	Plan        string `json:"plan"`
	MaxSessions *int   `json:"maxSessions"`
	MaxAgents   *int   `json:"maxAgents"`
}

// PlanLimit is the per-user plan limit.
type PlanLimit struct {
	MaxSessions *int `json:"maxSessions"`
}

// LimitCheck is the result of a bearer-authenticated usage check.
type LimitCheck struct {
	Allowed   *bool `json:"allowed"`
	Remaining *int  `json:"remaining"`
}

// Client talks to the platform API.
type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// NewClient creates a platform client. timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTPClient:     &http.Client{},
		RequestTimeout: timeout,
	}
}

// ValidateAgent resolves an agent token to its owner.
func (c *Client) ValidateAgent(ctx context.Context, token string) (AgentInfo, error) {
	var out AgentInfo
	err := c.get(ctx, "/internal/validate-agent/"+url.PathEscape(token), "", &out)
	return out, err
}

// RelayAlias looks up a relay alias.
func (c *Client) RelayAlias(ctx context.Context, alias string) (AliasInfo, error) {
	var out AliasInfo
	err := c.get(ctx, "/internal/relay-alias/"+url.PathEscape(alias), "", &out)
	return out, err
}

// PlanLimit returns the plan limit for a user email.
func (c *Client) PlanLimit(ctx context.Context, email string) (PlanLimit, error) {
	var out PlanLimit
	err := c.get(ctx, "/internal/plan-limit?email="+url.QueryEscape(email), "", &out)
	return out, err
}

// CheckLimit asks whether the bearer's plan allows one more resource
// ("sessions" or "agents").
func (c *Client) CheckLimit(ctx context.Context, bearer, resource string) (LimitCheck, error) {
	var out LimitCheck
	err := c.get(ctx, "/api/usage/check-limit/"+url.PathEscape(resource), bearer, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path, bearer string, out any) error {
	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("platform request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &StatusError{Path: strings.SplitN(path, "?", 2)[0], StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
