// Package governance implements the HTTP client for the external governance
// service: JWT validation, user limits, usage increments, and tier config.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sentinel "github.com/eugener/sentinel/internal"
)

// MaxBatchIncrements is the hard cap on items per batch-increment call.
const MaxBatchIncrements = 1000

// Client talks to the governance API. The long-lived server key rides the
// x-api-key header on every call; a caller JWT is only ever sent on
// ValidateJWT.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a governance Client. timeout applies to every call.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// ValidateJWT resolves a bearer token to the caller's profile via
// GET /api/v1/users/me. A 401 maps to ErrInvalidToken.
func (c *Client) ValidateJWT(ctx context.Context, token string) (*sentinel.UserProfile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &sentinel.UpstreamError{Provider: "governance", Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, sentinel.ErrInvalidToken
	default:
		return nil, apiError(resp)
	}

	var profile sentinel.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("governance: decode profile: %w", err)
	}
	return &profile, nil
}

// limitsResponse is the envelope returned by the limits endpoint.
type limitsResponse struct {
	Limits []sentinel.UserLimit `json:"limits"`
}

// UserLimits fetches the quota entries for an external user id.
func (c *Client) UserLimits(ctx context.Context, externalID string) ([]sentinel.UserLimit, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/limits/external/"+externalID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &sentinel.UpstreamError{Provider: "governance", Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: user %s", sentinel.ErrNotFound, externalID)
	default:
		return nil, apiError(resp)
	}

	var out limitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("governance: decode limits: %w", err)
	}
	return out.Limits, nil
}

// incrementBody is the wire shape for single and batched usage increments.
// Only non-zero fields are populated.
type incrementBody struct {
	Email          string `json:"email"`
	AIInputTokens  int64  `json:"ai_input_tokens,omitempty"`
	AIOutputTokens int64  `json:"ai_output_tokens,omitempty"`
	AIRequests     int64  `json:"ai_requests,omitempty"`
}

func toIncrementBody(inc sentinel.UsageIncrement) incrementBody {
	return incrementBody{
		Email:          inc.ExternalID,
		AIInputTokens:  inc.InputTokens,
		AIOutputTokens: inc.OutputTokens,
		AIRequests:     inc.Requests,
	}
}

// IncrementUsage submits a single usage increment. Used by the durable
// retry path, which resubmits items one at a time.
func (c *Client) IncrementUsage(ctx context.Context, inc sentinel.UsageIncrement) error {
	body, err := json.Marshal(toIncrementBody(inc))
	if err != nil {
		return fmt.Errorf("governance: marshal increment: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/usage/external/increment", bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &sentinel.UpstreamError{Provider: "governance", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	return nil
}

// BatchFailure identifies one rejected item within a batch.
type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult reports the per-item outcome of a batch increment.
// An empty Failed slice means full success.
type BatchResult struct {
	Failed []BatchFailure `json:"failed"`
}

// BatchIncrementUsage submits up to MaxBatchIncrements usage increments in
// one call. A 2xx response may still carry per-item failures; whole-call
// failures return an error.
func (c *Client) BatchIncrementUsage(ctx context.Context, incs []sentinel.UsageIncrement) (*BatchResult, error) {
	if len(incs) == 0 {
		return &BatchResult{}, nil
	}
	if len(incs) > MaxBatchIncrements {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", sentinel.ErrBadRequest, len(incs), MaxBatchIncrements)
	}

	items := make([]incrementBody, len(incs))
	for i, inc := range incs {
		items[i] = toIncrementBody(inc)
	}
	body, err := json.Marshal(map[string]any{"increments": items})
	if err != nil {
		return nil, fmt.Errorf("governance: marshal batch: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/usage/external/batch-increment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &sentinel.UpstreamError{Provider: "governance", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp)
	}

	var out BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("governance: decode batch result: %w", err)
	}
	return &out, nil
}

// TierConfig fetches the global tier -> model configuration.
func (c *Client) TierConfig(ctx context.Context) (*sentinel.TierConfig, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tiers/config", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &sentinel.UpstreamError{Provider: "governance", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var cfg sentinel.TierConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("governance: decode tier config: %w", err)
	}
	return &cfg, nil
}

// newRequest builds a request with the server API key attached.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("governance: create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError reads up to 4KB of the response body into an UpstreamError.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &sentinel.UpstreamError{
		Provider: "governance",
		Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body),
	}
}
