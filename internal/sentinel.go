// Package sentinel defines domain types and interfaces for the Sentinel LLM gateway.
// This package has no project imports -- it is the dependency root.
package sentinel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// --- Tiers ---

// Tier is the request complexity label that selects a candidate model list.
// Tiers are totally ordered: Simple < Moderate < Complex.
type Tier int

const (
	TierSimple Tier = iota
	TierModerate
	TierComplex
)

// String returns the wire name of the tier.
func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierModerate:
		return "moderate"
	case TierComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// ParseTier converts a wire name to a Tier. The empty string maps to Simple.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "", "simple":
		return TierSimple, nil
	case "moderate":
		return TierModerate, nil
	case "complex":
		return TierComplex, nil
	default:
		return TierSimple, fmt.Errorf("%w: unknown tier %q", ErrBadRequest, s)
	}
}

// MarshalText implements encoding.TextMarshaler so Tier round-trips as a
// JSON string, including as a map key in TierConfig.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// --- Tier configuration ---

// ModelBinding is a concrete (provider, model) pair with a relative cost
// weight used for cost-weighted selection. Cost is clamped to >= 1.
type ModelBinding struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	RelativeCost int    `json:"relative_cost"`
}

// TierConfig is the global tier -> candidate model mapping fetched from the
// governance service. An empty candidate list makes the tier unserviceable.
type TierConfig struct {
	Version string                  `json:"version"`
	Tiers   map[Tier][]ModelBinding `json:"tiers"`
}

// Candidates returns the model list for a tier, or nil if none configured.
func (c *TierConfig) Candidates(t Tier) []ModelBinding {
	if c == nil {
		return nil
	}
	return c.Tiers[t]
}

// Selection is the routing outcome for one request.
type Selection struct {
	Provider string
	Model    string
	Tier     Tier
}

// --- Sessions ---

// Session binds a conversation to a concrete (provider, model, tier).
// The ID equals the caller-supplied conversation id. Provider and model
// change only through a monotonic tier upgrade; Tier never decreases.
type Session struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Tier           Tier      `json:"tier"`
	ExternalUserID string    `json:"external_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// --- Governance-side user data ---

// UserLimit is one quota entry reported by the governance service.
// Invariant at fetch time: Used + Remaining == Limit. Remaining may be
// negative when over-consumed.
type UserLimit struct {
	LimitID     string     `json:"limit_id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Unit        string     `json:"unit,omitempty"`
	Limit       int64      `json:"limit"`
	Used        int64      `json:"used"`
	Remaining   int64      `json:"remaining"`
	ResetPeriod string     `json:"reset_period,omitempty"` // DAILY, WEEKLY, MONTHLY, NEVER
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// UserProfile is the governance-side identity resolved from a JWT.
// Cached keyed by the SHA-256 hash of the bearer token.
type UserProfile struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	ExternalID    string     `json:"external_id,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	Name          string     `json:"name,omitempty"`
}

// --- Usage accounting ---

// UsageIncrement is one unit of token consumption dispatched to the batching
// ingest. All fields are >= 0. Once accepted on the ingest channel the
// increment is owned by the batching worker.
type UsageIncrement struct {
	ExternalID   string `json:"external_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Requests     int64  `json:"requests"`
}

// IsZero reports whether the increment carries no usage at all.
func (u UsageIncrement) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.Requests == 0
}

// Add merges another increment for the same external id.
func (u *UsageIncrement) Add(other UsageIncrement) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Requests += other.Requests
}

// UsageTracker accepts usage increments without blocking the request path.
type UsageTracker interface {
	// Track enqueues an increment. It never blocks; increments are dropped
	// with a warning when the ingest channel is full.
	Track(inc UsageIncrement)
}

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
// Completions, embeddings, and responses are pass-through shaped: the raw
// client body is forwarded and the raw upstream body returned.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Completions forwards a legacy completion request body.
	Completions(ctx context.Context, body []byte) ([]byte, error)
	// CompletionsStream forwards a streaming legacy completion request body.
	CompletionsStream(ctx context.Context, body []byte) (<-chan StreamChunk, error)
	// Embeddings forwards an embedding request body.
	Embeddings(ctx context.Context, body []byte) ([]byte, error)
	// Responses forwards a Responses API request body.
	Responses(ctx context.Context, body []byte) ([]byte, error)
	// ResponsesStream forwards a streaming Responses API request body.
	ResponsesStream(ctx context.Context, body []byte) (<-chan StreamChunk, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
}

// RawForwarder is an optional interface providers implement to support raw
// HTTP passthrough for non-accounted endpoints (audio, images, moderation).
// Checked via type assertion.
type RawForwarder interface {
	// ForwardRaw proxies a raw HTTP exchange to the provider's API.
	// path is the provider-relative path (e.g. "/audio/transcriptions").
	ForwardRaw(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error
}

// --- Chat wire types (OpenAI-compatible canonical shape) ---

// ChatRequest is the canonical chat completion request. The native endpoint
// decodes it with unknown-field rejection; tier and conversation_id drive
// routing and are stripped before the upstream call.
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Tier           string          `json:"tier,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	User           string          `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data    []byte // raw SSE data payload, forwarded as-is
	Content string // extracted text delta, for deferred token estimation
	Usage   *Usage // non-nil when the chunk carries a usage object
	Done    bool
	Err     error
}

// --- Authenticator ---

// Authenticator validates request credentials and returns the caller profile.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*UserProfile, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Profile field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Profile   *UserProfile
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ProfileFromContext extracts the authenticated user profile from context.
func ProfileFromContext(ctx context.Context) *UserProfile {
	if m := metaFromContext(ctx); m != nil {
		return m.Profile
	}
	return nil
}

// ContextWithProfile stores the profile in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithProfile(ctx context.Context, p *UserProfile) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Profile = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Profile: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Cache key scheme ---

// Cache key prefixes. All Sentinel state in the KV store lives under these.
const (
	CacheKeyLimits      = "sentinel:limits:"  // + externalID
	CacheKeyJWT         = "sentinel:jwt:"     // + sha256(token)
	CacheKeySession     = "sentinel:session:" // + conversationID
	CacheKeyTierConfig  = "sentinel:tier-config"
	CacheKeyFailedUsage = "sentinel:usage:failed"
)

// HashToken returns the hex-encoded SHA-256 hash of a bearer token.
// Tokens are never used as cache keys in the clear.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
