package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
)

var (
	_ sentinel.Provider     = (*Client)(nil)
	_ sentinel.RawForwarder = (*Client)(nil)
)

// Client is an Anthropic provider adapter.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client

	onParseError func(model string) // optional, called per malformed SSE payload
}

// New creates an Anthropic Client. name is the instance identifier; baseURL
// defaults to the public API when empty.
func New(name, baseURL, apiKey string, client *http.Client) *Client {
	if name == "" {
		name = providerName
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    client,
	}
}

// SetParseErrorHook registers a callback invoked once per SSE data payload
// that is not valid JSON.
func (c *Client) SetParseErrorHook(fn func(model string)) { c.onParseError = fn }

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request, translating
// both directions between the canonical shape and the Messages API.
func (c *Client) ChatCompletion(ctx context.Context, req *sentinel.ChatRequest) (*sentinel.ChatResponse, error) {
	aReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	aReq.Stream = false

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return translateResponse(respBody)
}

// ChatCompletionStream sends a streaming chat completion request. Anthropic
// events are translated to OpenAI-format chunks on the fly.
func (c *Client) ChatCompletionStream(ctx context.Context, req *sentinel.ChatRequest) (<-chan sentinel.StreamChunk, error) {
	aReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	aReq.Stream = true

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/messages", body)
	if err != nil {
		return nil, err
	}

	ch := make(chan sentinel.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model, c.onParseError)
	return ch, nil
}

// Completions is not supported by the Messages API.
func (c *Client) Completions(context.Context, []byte) ([]byte, error) {
	return nil, c.unsupported("completions")
}

// CompletionsStream is not supported by the Messages API.
func (c *Client) CompletionsStream(context.Context, []byte) (<-chan sentinel.StreamChunk, error) {
	return nil, c.unsupported("completions")
}

// Embeddings is not supported; Anthropic offers no embedding endpoint.
func (c *Client) Embeddings(context.Context, []byte) ([]byte, error) {
	return nil, c.unsupported("embeddings")
}

// Responses is not supported by the Messages API.
func (c *Client) Responses(context.Context, []byte) ([]byte, error) {
	return nil, c.unsupported("responses")
}

// ResponsesStream is not supported by the Messages API.
func (c *Client) ResponsesStream(context.Context, []byte) (<-chan sentinel.StreamChunk, error) {
	return nil, c.unsupported("responses")
}

func (c *Client) unsupported(endpoint string) error {
	return fmt.Errorf("%w: anthropic: %s API not supported", sentinel.ErrBadRequest, endpoint)
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the IDs of all models available from the API.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode models response: %w", err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// ForwardRaw proxies a raw HTTP exchange for non-accounted endpoints.
func (c *Client) ForwardRaw(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	return provider.ForwardRequest(ctx, c.http, c.baseURL, c.setAuth, w, r, path)
}

// post sends a JSON body and returns the raw response on success. The caller
// owns the response body.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}
	return resp, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("anthropic-version", anthropicVersion)
	c.setAuth(r.Header)
}

// setAuth installs the provider key; the caller's credentials never pass through.
func (c *Client) setAuth(h http.Header) {
	if c.apiKey != "" {
		h.Set("x-api-key", c.apiKey)
	}
}
