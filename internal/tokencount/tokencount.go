// Package tokencount provides token estimation for usage accounting when the
// upstream response carries no usage object. Counts come from tiktoken BPE
// encoders, lazily initialised per model; upstream-reported usage is always
// preferred over these estimates.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	sentinel "github.com/eugener/sentinel/internal"
)

// defaultEncoding is the canonical fallback for models tiktoken does not
// recognise (the flagship chat model family encoding).
const defaultEncoding = "o200k_base"

const (
	// perMessageOverhead accounts for role and message framing tokens.
	perMessageOverhead = 3
	// nameOverhead is the extra token charged when a message carries a name.
	nameOverhead = 1
	// replyPriming accounts for the assistant reply priming tokens.
	replyPriming = 3
)

// Counter is a thread-safe, lazy per-model BPE encoder cache.
// Encoder objects are immutable and shareable once built.
type Counter struct {
	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// encoderFor returns the cached encoder for model, building it on first use.
// Unknown models fall back to the default encoding; a nil return means no
// encoder could be built at all (e.g. BPE data unavailable).
func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encoders[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			enc = nil
		}
	}
	// Cache nil too, so a missing BPE is not re-resolved per request.
	c.encoders[model] = enc
	return enc
}

// CountTokens returns the token count of text under the model's encoding.
func (c *Counter) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoderFor(model)
	if enc == nil {
		// ~4 bytes per token for English; ceil division.
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessageTokens returns the token count of a single chat message,
// including the fixed per-message overhead and the name surcharge.
func (c *Counter) CountMessageTokens(model, role, content, name string) int {
	n := perMessageOverhead
	n += c.CountTokens(model, role)
	n += c.CountTokens(model, content)
	if name != "" {
		n += nameOverhead + c.CountTokens(model, name)
	}
	return n
}

// EstimateRequest returns the estimated prompt token count for a chat request:
// the sum of per-message counts plus the reply priming constant. An empty
// message list still costs the priming tokens.
func (c *Counter) EstimateRequest(model string, messages []sentinel.Message) int {
	total := replyPriming
	for _, m := range messages {
		total += c.CountMessageTokens(model, m.Role, m.Content, m.Name)
	}
	return total
}
