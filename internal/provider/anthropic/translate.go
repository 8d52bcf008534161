// Package anthropic implements the sentinel.Provider adapter for the
// Anthropic Messages API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest converts the canonical chat shape to an Anthropic Messages
// request. Leading system messages are concatenated into the top-level system
// field; the remaining messages must strictly alternate user/assistant
// starting with user. Violations are rejected before any upstream call.
func translateRequest(req *sentinel.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	msgs := req.Messages
	var system []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == "system"; i++ {
		system = append(system, msgs[i].Content)
	}
	out.System = strings.Join(system, "\n\n")

	rest := msgs[i:]
	if len(rest) == 0 {
		return nil, fmt.Errorf("%w: anthropic: at least one non-system message required", sentinel.ErrBadRequest)
	}
	for j, m := range rest {
		want := "user"
		if j%2 == 1 {
			want = "assistant"
		}
		if m.Role != want {
			return nil, fmt.Errorf("%w: anthropic: messages must alternate user/assistant starting with user, got %q at position %d",
				sentinel.ErrBadRequest, m.Role, j)
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// translateResponse converts an Anthropic Messages API JSON response to the
// canonical chat response.
func translateResponse(data []byte) (*sentinel.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	var content strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	var usage *sentinel.Usage
	if u := result.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &sentinel.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	return &sentinel.ChatResponse{
		ID:     result.Get("id").String(),
		Object: "chat.completion",
		Model:  result.Get("model").String(),
		Choices: []sentinel.Choice{{
			Index:        0,
			Message:      sentinel.Message{Role: "assistant", Content: content.String()},
			FinishReason: mapStopReason(result.Get("stop_reason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
// Unknown reasons map to "stop".
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
