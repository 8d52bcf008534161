package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/health"
	"github.com/eugener/sentinel/internal/provider"
	"github.com/eugener/sentinel/internal/session"
	"github.com/eugener/sentinel/internal/telemetry"
	"github.com/eugener/sentinel/internal/tiers"
	"github.com/eugener/sentinel/internal/tokencount"
)

type fakeProvider struct {
	name string

	mu       sync.Mutex
	calls    int
	failures int // fail this many leading ChatCompletion calls
	chatErr  error
	resp     *sentinel.ChatResponse
	chunks   []sentinel.StreamChunk
	openErr  error
	rawResp  []byte
	models   []string
	lastReq  *sentinel.ChatRequest
	lastRaw  []byte
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ChatCompletion(_ context.Context, req *sentinel.ChatRequest) (*sentinel.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: synthetic 500", sentinel.ErrUpstream)
	}
	return f.resp, nil
}

func (f *fakeProvider) ChatCompletionStream(_ context.Context, req *sentinel.ChatRequest) (<-chan sentinel.StreamChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan sentinel.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Completions(_ context.Context, body []byte) ([]byte, error) {
	return f.raw(body)
}

func (f *fakeProvider) CompletionsStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, error) {
	return f.ChatCompletionStream(ctx, nil)
}

func (f *fakeProvider) Embeddings(_ context.Context, body []byte) ([]byte, error) {
	return f.raw(body)
}

func (f *fakeProvider) Responses(_ context.Context, body []byte) ([]byte, error) {
	return f.raw(body)
}

func (f *fakeProvider) ResponsesStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, error) {
	return f.ChatCompletionStream(ctx, nil)
}

func (f *fakeProvider) ListModels(context.Context) ([]string, error) {
	return f.models, nil
}

func (f *fakeProvider) raw(body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRaw = body
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.rawResp, nil
}

func (f *fakeProvider) request() *sentinel.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type captureTracker struct {
	mu   sync.Mutex
	incs []sentinel.UsageIncrement
}

func (c *captureTracker) Track(inc sentinel.UsageIncrement) {
	c.mu.Lock()
	c.incs = append(c.incs, inc)
	c.mu.Unlock()
}

func (c *captureTracker) all() []sentinel.UsageIncrement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentinel.UsageIncrement(nil), c.incs...)
}

type pipelineFixture struct {
	pipeline *Pipeline
	sessions *session.Store
	tracker  *health.Tracker
	usage    *captureTracker
	a, b     *fakeProvider
}

func newTestPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	mem, err := cache.NewMemory(1000, time.Hour)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	tracker := health.NewTracker(health.DefaultConfig())
	router := tiers.NewRouter(tiers.NewConfigCache(&fakeSource{cfg: routingConfig()}, mem, time.Minute), tracker)
	sessions := session.NewStore(mem, time.Hour)

	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	registry := provider.NewRegistry()
	registry.Register("a", a)
	registry.Register("b", b)

	usage := &captureTracker{}
	pipe := NewPipeline(NewSelector(router, sessions), router, registry, tokencount.NewCounter(), usage, "a")
	return &pipelineFixture{pipeline: pipe, sessions: sessions, tracker: tracker, usage: usage, a: a, b: b}
}

func authedContext(externalID string) context.Context {
	return sentinel.ContextWithProfile(context.Background(), &sentinel.UserProfile{ID: "id-" + externalID, ExternalID: externalID})
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.resp = &sentinel.ChatResponse{
		ID:      "cmpl-1",
		Model:   "x",
		Choices: []sentinel.Choice{{Message: sentinel.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
		Usage:   &sentinel.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}

	req := &sentinel.ChatRequest{
		Tier:           "simple",
		ConversationID: "conv-1",
		Messages:       []sentinel.Message{{Role: "user", Content: "hello"}},
	}
	resp, sel, err := fx.pipeline.ChatCompletion(authedContext("u"), req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.ID != "cmpl-1" || sel.Provider != "a" || sel.Model != "x" {
		t.Errorf("resp = %+v sel = %+v", resp, sel)
	}

	// Routing fields never reach the upstream request.
	up := fx.a.request()
	if up.Tier != "" || up.ConversationID != "" || up.Model != "x" || up.Stream {
		t.Errorf("upstream request = %+v", up)
	}
	// The caller's request is untouched.
	if req.Tier != "simple" || req.Model != "" {
		t.Errorf("caller request mutated: %+v", req)
	}

	incs := fx.usage.all()
	want := sentinel.UsageIncrement{ExternalID: "u", InputTokens: 10, OutputTokens: 20, Requests: 1}
	if len(incs) != 1 || incs[0] != want {
		t.Errorf("increments = %+v, want [%+v]", incs, want)
	}
}

func TestChatCompletion_RetriesOnAlternative(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.failures = 1
	fx.b.resp = &sentinel.ChatResponse{
		Model:   "m2",
		Choices: []sentinel.Choice{{Message: sentinel.Message{Role: "assistant", Content: "ok"}}},
		Usage:   &sentinel.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}

	// Pin the primary pick to a/m1 via a session binding.
	if _, err := fx.sessions.Create(context.Background(), "conv-1", "a", "m1", sentinel.TierModerate, "u"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, sel, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:           "moderate",
		ConversationID: "conv-1",
		Messages:       []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if sel.Provider != "b" || sel.Model != "m2" {
		t.Errorf("selection = %+v, want retry on b/m2", sel)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("resp = %+v", resp)
	}

	// The retry reuses the translated body against the alternative model.
	if up := fx.b.request(); up.Model != "m2" || up.Messages[0].Content != "hello" {
		t.Errorf("retry request = %+v", up)
	}

	// Primary failure and alternative success both land in health state.
	if fx.tracker.IsAvailable("a", "m1") {
		t.Error("a/m1 should be in backoff after the failure")
	}
	if _, recorded := fx.tracker.Snapshot("b", "m2"); recorded {
		t.Error("b/m2 success should have cleared its state")
	}

	incs := fx.usage.all()
	want := sentinel.UsageIncrement{ExternalID: "u", InputTokens: 10, OutputTokens: 20, Requests: 1}
	if len(incs) != 1 || incs[0] != want {
		t.Errorf("increments = %+v, want exactly [%+v]", incs, want)
	}
}

func TestChatCompletion_RetryExhausted(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.failures = 10

	// Simple has a single candidate, so no alternative exists.
	_, sel, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	var upstream *sentinel.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.Provider != "a" || sel.Provider != "a" {
		t.Errorf("provider = %q sel = %+v", upstream.Provider, sel)
	}
	if len(fx.usage.all()) != 0 {
		t.Errorf("failed request must not be accounted: %+v", fx.usage.all())
	}
}

func TestChatCompletion_AllModelsFailed(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.failures = 10
	fx.b.failures = 10

	if _, err := fx.sessions.Create(context.Background(), "conv-1", "a", "m1", sentinel.TierModerate, "u"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, _, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:           "moderate",
		ConversationID: "conv-1",
		Messages:       []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	var upstream *sentinel.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.Provider != "b" {
		t.Errorf("provider = %q, want the retry alternative", upstream.Provider)
	}
	if fx.tracker.IsAvailable("a", "m1") || fx.tracker.IsAvailable("b", "m2") {
		t.Error("both models should be in backoff")
	}
}

func TestChatCompletion_BadRequestNotRetried(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.chatErr = fmt.Errorf("%w: messages must alternate", sentinel.ErrBadRequest)

	_, _, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "assistant", Content: "backwards"}},
	})
	if !errors.Is(err, sentinel.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if errors.Is(err, sentinel.ErrUpstream) {
		t.Error("caller errors must not be reported as upstream failures")
	}
	// Caller mistakes are not a health signal.
	if _, recorded := fx.tracker.Snapshot("a", "x"); recorded {
		t.Error("BadRequest must not touch model health")
	}
}

func TestChatCompletion_EstimatesWhenNoUsage(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.resp = &sentinel.ChatResponse{
		Model:   "x",
		Choices: []sentinel.Choice{{Message: sentinel.Message{Role: "assistant", Content: "a longer answer body"}}},
	}

	_, _, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "user", Content: "hello there"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	incs := fx.usage.all()
	if len(incs) != 1 {
		t.Fatalf("increments = %+v", incs)
	}
	if incs[0].InputTokens <= 0 || incs[0].OutputTokens <= 0 || incs[0].Requests != 1 {
		t.Errorf("estimated increment = %+v, want positive estimates", incs[0])
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.chunks = []sentinel.StreamChunk{
		{Content: "Hel"},
		{Content: "lo"},
		{Usage: &sentinel.Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}},
		{Done: true},
	}

	ch, sel, err := fx.pipeline.ChatCompletionStream(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if sel.Provider != "a" || sel.Model != "x" {
		t.Errorf("selection = %+v", sel)
	}
	if up := fx.a.request(); !up.Stream {
		t.Error("upstream request must have stream=true")
	}

	var content string
	for chunk := range ch {
		content += chunk.Content
	}
	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
}

func TestChatCompletionStream_OpenFailure(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.openErr = errors.New("connect refused")

	_, _, err := fx.pipeline.ChatCompletionStream(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, sentinel.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if fx.tracker.IsAvailable("a", "x") {
		t.Error("open failure should put the model in backoff")
	}
}

func TestAccountStream(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)

	// Upstream usage wins over estimation.
	fx.pipeline.AccountStream("u", "x", &sentinel.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, "ignored text", 99)
	// No usage: estimate the accumulated text, keep the input estimate.
	fx.pipeline.AccountStream("u", "x", nil, "streamed answer text", 4)
	// Anonymous streams are not accounted.
	fx.pipeline.AccountStream("", "x", nil, "text", 0)

	incs := fx.usage.all()
	if len(incs) != 2 {
		t.Fatalf("increments = %+v", incs)
	}
	if incs[0].InputTokens != 5 || incs[0].OutputTokens != 7 {
		t.Errorf("reported usage increment = %+v", incs[0])
	}
	if incs[1].InputTokens != 4 || incs[1].OutputTokens <= 0 {
		t.Errorf("estimated increment = %+v", incs[1])
	}
}

func TestRawPassthroughAccounting(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.rawResp = []byte(`{"object":"text_completion","usage":{"prompt_tokens":3,"completion_tokens":8}}`)

	body := []byte(`{"model":"x","prompt":"once upon"}`)
	resp, err := fx.pipeline.Completions(authedContext("u"), body)
	if err != nil {
		t.Fatalf("Completions: %v", err)
	}
	if string(resp) != string(fx.a.rawResp) {
		t.Errorf("resp = %s", resp)
	}
	if string(fx.a.lastRaw) != string(body) {
		t.Errorf("forwarded body = %s", fx.a.lastRaw)
	}

	// Responses naming scheme is also understood.
	fx.a.rawResp = []byte(`{"object":"response","usage":{"input_tokens":11,"output_tokens":2}}`)
	if _, err := fx.pipeline.Responses(authedContext("u"), []byte(`{"model":"x","input":"hi"}`)); err != nil {
		t.Fatalf("Responses: %v", err)
	}

	incs := fx.usage.all()
	if len(incs) != 2 {
		t.Fatalf("increments = %+v", incs)
	}
	if incs[0] != (sentinel.UsageIncrement{ExternalID: "u", InputTokens: 3, OutputTokens: 8, Requests: 1}) {
		t.Errorf("completion increment = %+v", incs[0])
	}
	if incs[1] != (sentinel.UsageIncrement{ExternalID: "u", InputTokens: 11, OutputTokens: 2, Requests: 1}) {
		t.Errorf("responses increment = %+v", incs[1])
	}
}

func TestRawPassthroughNoUsage(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.rawResp = []byte(`{"object":"list","data":[]}`)

	if _, err := fx.pipeline.Embeddings(authedContext("u"), []byte(`{"model":"x","input":"hi"}`)); err != nil {
		t.Fatalf("Embeddings: %v", err)
	}

	incs := fx.usage.all()
	want := sentinel.UsageIncrement{ExternalID: "u", Requests: 1}
	if len(incs) != 1 || incs[0] != want {
		t.Errorf("increments = %+v, want request-only [%+v]", incs, want)
	}
}

func TestAccountRequest(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)

	fx.pipeline.AccountRequest("u")
	// Anonymous requests are not accounted.
	fx.pipeline.AccountRequest("")

	incs := fx.usage.all()
	want := sentinel.UsageIncrement{ExternalID: "u", Requests: 1}
	if len(incs) != 1 || incs[0] != want {
		t.Errorf("increments = %+v, want request-only [%+v]", incs, want)
	}
}

func TestUpstreamMetrics(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	fx.pipeline.SetMetrics(m)
	fx.a.failures = 10

	// Simple has a single candidate, so the failure is terminal.
	_, _, err := fx.pipeline.ChatCompletion(authedContext("u"), &sentinel.ChatRequest{
		Tier:     "simple",
		Messages: []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected the upstream failure to surface")
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("a")); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.UpstreamDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}

	// A successful pass-through call observes duration without counting an
	// error.
	fx.a.rawResp = []byte(`{"object":"list"}`)
	if _, err := fx.pipeline.Embeddings(authedContext("u"), []byte(`{"model":"y","input":"hi"}`)); err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("a")); got != 1 {
		t.Errorf("upstream errors after success = %v, want still 1", got)
	}
	if n := testutil.CollectAndCount(m.UpstreamDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestEstimateRawInput(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)

	if got := fx.pipeline.EstimateRawInput([]byte(`{"model":"x","input":"count these tokens please"}`)); got <= 0 {
		t.Errorf("input estimate = %d, want positive", got)
	}
	if got := fx.pipeline.EstimateRawInput([]byte(`{"model":"x"}`)); got != 0 {
		t.Errorf("estimate without input = %d, want 0", got)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	fx := newTestPipeline(t)
	fx.a.models = []string{"x", "shared"}
	fx.b.models = []string{"m2", "shared"}

	models, err := fx.pipeline.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []string{"m2", "shared", "x"}
	if len(models) != len(want) {
		t.Fatalf("models = %v, want %v", models, want)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Errorf("models = %v, want %v", models, want)
			break
		}
	}
}
