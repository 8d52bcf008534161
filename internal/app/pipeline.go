package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/provider"
	"github.com/eugener/sentinel/internal/telemetry"
	"github.com/eugener/sentinel/internal/tiers"
	"github.com/eugener/sentinel/internal/tokencount"
)

// Pipeline orchestrates a request end to end: model selection, the provider
// call with its retry envelope, and usage accounting dispatch. Accounting is
// fire-and-forget and never affects the response.
type Pipeline struct {
	selector  *Selector
	router    *tiers.Router
	providers *provider.Registry
	counter   *tokencount.Counter
	usage     sentinel.UsageTracker

	// defaultProvider serves the pass-through shaped endpoints, which carry
	// no tier and therefore skip model selection.
	defaultProvider string

	// metrics is optional; nil disables upstream instrumentation.
	metrics *telemetry.Metrics
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(selector *Selector, router *tiers.Router, providers *provider.Registry, counter *tokencount.Counter, usage sentinel.UsageTracker, defaultProvider string) *Pipeline {
	return &Pipeline{
		selector:        selector,
		router:          router,
		providers:       providers,
		counter:         counter,
		usage:           usage,
		defaultProvider: defaultProvider,
	}
}

// SetMetrics enables upstream call instrumentation.
func (p *Pipeline) SetMetrics(m *telemetry.Metrics) { p.metrics = m }

// observeUpstream records the duration of one provider call and counts it as
// an error when it failed.
func (p *Pipeline) observeUpstream(providerName, model string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.UpstreamDuration.WithLabelValues(providerName, model).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.UpstreamErrors.WithLabelValues(providerName).Inc()
	}
}

// ChatCompletion runs a non-streaming chat completion. The returned Selection
// names the model that actually produced the response, which may be the retry
// alternative rather than the primary pick.
func (p *Pipeline) ChatCompletion(ctx context.Context, req *sentinel.ChatRequest) (*sentinel.ChatResponse, sentinel.Selection, error) {
	tier, err := sentinel.ParseTier(req.Tier)
	if err != nil {
		return nil, sentinel.Selection{}, err
	}
	externalID := externalIDFrom(ctx)

	sel, err := p.selector.Select(ctx, req.ConversationID, tier, externalID)
	if err != nil {
		return nil, sentinel.Selection{}, err
	}

	upstream := prepareUpstream(req, sel.Model, false)
	resp, used, err := p.callWithRetry(ctx, sel, upstream)
	if err != nil {
		return nil, used, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	p.accountChat(externalID, used.Model, resp.Usage, upstream.Messages, content)
	return resp, used, nil
}

// ChatCompletionStream opens a streaming chat completion. There is no retry:
// once the stream is open, bytes may already be in flight to the client.
// Accounting for the stream is dispatched by the caller via AccountStream
// after the last chunk (or the disconnect) is observed.
func (p *Pipeline) ChatCompletionStream(ctx context.Context, req *sentinel.ChatRequest) (<-chan sentinel.StreamChunk, sentinel.Selection, error) {
	tier, err := sentinel.ParseTier(req.Tier)
	if err != nil {
		return nil, sentinel.Selection{}, err
	}

	sel, err := p.selector.Select(ctx, req.ConversationID, tier, externalIDFrom(ctx))
	if err != nil {
		return nil, sentinel.Selection{}, err
	}

	prov, err := p.providers.Get(sel.Provider)
	if err != nil {
		return nil, sel, err
	}

	upstream := prepareUpstream(req, sel.Model, true)
	start := time.Now()
	ch, err := prov.ChatCompletionStream(ctx, upstream)
	p.observeUpstream(sel.Provider, sel.Model, start, err)
	if err != nil {
		if !errors.Is(err, sentinel.ErrBadRequest) {
			p.router.RecordFailure(sel.Provider, sel.Model)
		}
		if errors.Is(err, sentinel.ErrBadRequest) || errors.Is(err, sentinel.ErrUpstream) {
			return nil, sel, err
		}
		return nil, sel, &sentinel.UpstreamError{Provider: sel.Provider, Message: err.Error()}
	}

	p.router.RecordSuccess(sel.Provider, sel.Model)
	return ch, sel, nil
}

// AccountStream dispatches usage for a finished or disconnected stream.
// Upstream-reported usage wins; otherwise the accumulated text is estimated
// and inputEstimate (zero unless the endpoint pre-counts input) stands in
// for the prompt.
func (p *Pipeline) AccountStream(externalID, model string, usage *sentinel.Usage, content string, inputEstimate int64) {
	if externalID == "" {
		return
	}
	inc := sentinel.UsageIncrement{ExternalID: externalID, Requests: 1}
	if usage != nil && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		inc.InputTokens = int64(usage.PromptTokens)
		inc.OutputTokens = int64(usage.CompletionTokens)
	} else {
		inc.InputTokens = inputEstimate
		inc.OutputTokens = int64(p.counter.CountTokens(model, content))
	}
	p.usage.Track(inc)
}

// AccountRequest dispatches a request-only increment for forwarded endpoints
// whose responses carry no token usage (audio, images, moderations).
func (p *Pipeline) AccountRequest(externalID string) {
	if externalID == "" {
		return
	}
	p.usage.Track(sentinel.UsageIncrement{ExternalID: externalID, Requests: 1})
}

// Completions forwards a legacy completion body to the default provider.
func (p *Pipeline) Completions(ctx context.Context, body []byte) ([]byte, error) {
	return p.forwardRaw(ctx, body, sentinel.Provider.Completions)
}

// Embeddings forwards an embedding body to the default provider.
func (p *Pipeline) Embeddings(ctx context.Context, body []byte) ([]byte, error) {
	return p.forwardRaw(ctx, body, sentinel.Provider.Embeddings)
}

// Responses forwards a Responses API body to the default provider.
func (p *Pipeline) Responses(ctx context.Context, body []byte) ([]byte, error) {
	return p.forwardRaw(ctx, body, sentinel.Provider.Responses)
}

// CompletionsStream opens a streaming legacy completion against the default
// provider. The returned model name feeds deferred accounting.
func (p *Pipeline) CompletionsStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, string, error) {
	return p.forwardRawStream(ctx, body, sentinel.Provider.CompletionsStream)
}

// ResponsesStream opens a streaming Responses API call against the default
// provider.
func (p *Pipeline) ResponsesStream(ctx context.Context, body []byte) (<-chan sentinel.StreamChunk, string, error) {
	return p.forwardRawStream(ctx, body, sentinel.Provider.ResponsesStream)
}

// EstimateRawInput estimates prompt tokens for a raw request body. String
// inputs are counted directly; structured inputs count as their JSON text,
// which overestimates slightly but keeps the fallback cheap.
func (p *Pipeline) EstimateRawInput(body []byte) int64 {
	model := gjson.GetBytes(body, "model").String()
	in := gjson.GetBytes(body, "input")
	if !in.Exists() {
		in = gjson.GetBytes(body, "prompt")
	}
	return int64(p.counter.CountTokens(model, in.String()))
}

// ListModels returns the union of model ids across all registered providers,
// sorted and de-duplicated. A provider that fails to list is skipped.
func (p *Pipeline) ListModels(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var models []string
	for _, name := range p.providers.List() {
		prov, err := p.providers.Get(name)
		if err != nil {
			continue
		}
		ids, err := prov.ListModels(ctx)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "list models failed",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			models = append(models, id)
		}
	}
	slices.Sort(models)
	return models, nil
}

// callWithRetry runs the provider call with at most one retry on a different
// model in the same tier. A BadRequest is the caller's fault and is neither
// retried nor counted against model health.
func (p *Pipeline) callWithRetry(ctx context.Context, sel sentinel.Selection, req *sentinel.ChatRequest) (*sentinel.ChatResponse, sentinel.Selection, error) {
	resp, err := p.call(ctx, sel, req)
	if err == nil {
		p.router.RecordSuccess(sel.Provider, sel.Model)
		return resp, sel, nil
	}
	if errors.Is(err, sentinel.ErrBadRequest) {
		return nil, sel, err
	}

	p.router.RecordFailure(sel.Provider, sel.Model)
	slog.LogAttrs(ctx, slog.LevelWarn, "provider call failed",
		slog.String("provider", sel.Provider),
		slog.String("model", sel.Model),
		slog.String("error", err.Error()),
	)

	alt, ok := p.router.RetryCandidate(ctx, sel.Tier, sel.Provider, sel.Model)
	if !ok {
		return nil, sel, &sentinel.UpstreamError{Provider: sel.Provider, Message: err.Error()}
	}

	retryReq := *req
	retryReq.Model = alt.Model
	resp, err = p.call(ctx, alt, &retryReq)
	if err != nil {
		p.router.RecordFailure(alt.Provider, alt.Model)
		return nil, alt, &sentinel.UpstreamError{
			Provider: alt.Provider,
			Message:  "all models failed: " + err.Error(),
		}
	}

	p.router.RecordSuccess(alt.Provider, alt.Model)
	return resp, alt, nil
}

func (p *Pipeline) call(ctx context.Context, sel sentinel.Selection, req *sentinel.ChatRequest) (*sentinel.ChatResponse, error) {
	prov, err := p.providers.Get(sel.Provider)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := prov.ChatCompletion(ctx, req)
	p.observeUpstream(sel.Provider, sel.Model, start, err)
	return resp, err
}

// accountChat dispatches usage for a non-streaming chat response.
func (p *Pipeline) accountChat(externalID, model string, usage *sentinel.Usage, messages []sentinel.Message, content string) {
	if externalID == "" {
		return
	}
	inc := sentinel.UsageIncrement{ExternalID: externalID, Requests: 1}
	if usage != nil && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		inc.InputTokens = int64(usage.PromptTokens)
		inc.OutputTokens = int64(usage.CompletionTokens)
	} else {
		inc.InputTokens = int64(p.counter.EstimateRequest(model, messages))
		inc.OutputTokens = int64(p.counter.CountTokens(model, content))
	}
	p.usage.Track(inc)
}

// accountRaw dispatches usage for a pass-through response body. Both the
// OpenAI and Responses usage field namings are tried.
func (p *Pipeline) accountRaw(externalID string, resp []byte) {
	if externalID == "" {
		return
	}
	inc := sentinel.UsageIncrement{ExternalID: externalID, Requests: 1}
	if u := gjson.GetBytes(resp, "usage"); u.Exists() {
		in := u.Get("prompt_tokens")
		if !in.Exists() {
			in = u.Get("input_tokens")
		}
		out := u.Get("completion_tokens")
		if !out.Exists() {
			out = u.Get("output_tokens")
		}
		inc.InputTokens = in.Int()
		inc.OutputTokens = out.Int()
	}
	p.usage.Track(inc)
}

func (p *Pipeline) forwardRaw(ctx context.Context, body []byte, op func(sentinel.Provider, context.Context, []byte) ([]byte, error)) ([]byte, error) {
	prov, err := p.providers.Get(p.defaultProvider)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := op(prov, ctx, body)
	p.observeUpstream(p.defaultProvider, gjson.GetBytes(body, "model").String(), start, err)
	if err != nil {
		return nil, err
	}
	p.accountRaw(externalIDFrom(ctx), resp)
	return resp, nil
}

func (p *Pipeline) forwardRawStream(ctx context.Context, body []byte, op func(sentinel.Provider, context.Context, []byte) (<-chan sentinel.StreamChunk, error)) (<-chan sentinel.StreamChunk, string, error) {
	prov, err := p.providers.Get(p.defaultProvider)
	if err != nil {
		return nil, "", err
	}
	model := gjson.GetBytes(body, "model").String()
	start := time.Now()
	ch, err := op(prov, ctx, body)
	p.observeUpstream(p.defaultProvider, model, start, err)
	if err != nil {
		return nil, "", err
	}
	return ch, model, nil
}

// prepareUpstream shallow-copies the request and strips the routing fields
// before the upstream call.
func prepareUpstream(req *sentinel.ChatRequest, model string, stream bool) *sentinel.ChatRequest {
	out := *req
	out.Model = model
	out.Tier = ""
	out.ConversationID = ""
	out.Stream = stream
	return &out
}

func externalIDFrom(ctx context.Context) string {
	if p := sentinel.ProfileFromContext(ctx); p != nil {
		return p.ExternalID
	}
	return ""
}
