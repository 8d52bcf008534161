// Package openai implements the sentinel.Provider adapter for the OpenAI API.
// The canonical chat shape is OpenAI-compatible, so the adapter is near
// pass-through: requests are forwarded with routing fields already stripped.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/provider"
	"github.com/eugener/sentinel/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var (
	_ sentinel.Provider     = (*Client)(nil)
	_ sentinel.RawForwarder = (*Client)(nil)
)

// Client is an OpenAI provider adapter.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client

	onParseError func(model string)
}

// New creates an OpenAI Client. name is the instance identifier; baseURL
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

// SetParseErrorHook installs a callback invoked per malformed SSE chunk.
func (c *Client) SetParseErrorHook(fn func(model string)) { c.onParseError = fn }

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *sentinel.ChatRequest) (*sentinel.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	data, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var out sentinel.ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Usage in
// the final chunk is requested once via stream_options unless the caller
// already asked for it.
func (c *Client) ChatCompletionStream(ctx context.Context, req *sentinel.ChatRequest) (<-chan sentinel.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &sentinel.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	return c.stream(ctx, "/chat/completions", body, outReq.Model)
}

// Completions forwards a legacy completion request body.
func (c *Client) Completions(ctx context.Context, body []byte) ([]byte, error) {
	return c.post(ctx, "/completions", body)
}

// CompletionsStream forwards a streaming legacy completion request body.
func (c *Client) CompletionsStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, error) {
	return c.stream(ctx, "/completions", body, gjson.GetBytes(body, "model").String())
}

// Embeddings forwards an embedding request body.
func (c *Client) Embeddings(ctx context.Context, body []byte) ([]byte, error) {
	return c.post(ctx, "/embeddings", body)
}

// Responses forwards a Responses API request body.
func (c *Client) Responses(ctx context.Context, body []byte) ([]byte, error) {
	return c.post(ctx, "/responses", body)
}

// ResponsesStream forwards a streaming Responses API request body.
func (c *Client) ResponsesStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, error) {
	return c.stream(ctx, "/responses", body, gjson.GetBytes(body, "model").String())
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
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode models response: %w", err)
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

// post sends a JSON body and returns the raw response body.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	return data, nil
}

// stream opens an SSE response and pumps it through a StreamReader.
func (c *Client) stream(ctx context.Context, path string, body []byte, model string) (<-chan sentinel.StreamChunk, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}

	ch := make(chan sentinel.StreamChunk, 8)
	reader := sseutil.StreamReader{
		Provider:     c.name,
		Model:        model,
		OnParseError: c.onParseError,
	}
	go reader.Read(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	c.setAuth(r.Header)
}

// setAuth installs the provider key. This is the only Authorization header
// that ever reaches the upstream.
func (c *Client) setAuth(h http.Header) {
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
}
