package anthropic

import (
	"errors"
	"testing"

	sentinel "github.com/eugener/sentinel/internal"
)

func msg(role, content string) sentinel.Message {
	return sentinel.Message{Role: role, Content: content}
}

func TestTranslateRequest_SystemExtraction(t *testing.T) {
	t.Parallel()

	req := &sentinel.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []sentinel.Message{
			msg("system", "You are terse."),
			msg("system", "Answer in French."),
			msg("user", "hello"),
			msg("assistant", "bonjour"),
			msg("user", "how are you"),
		},
	}
	out, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if out.System != "You are terse.\n\nAnswer in French." {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	if out.Messages[0].Role != "user" || out.Messages[2].Content != "how are you" {
		t.Errorf("messages = %+v", out.Messages)
	}
	if out.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want default 4096", out.MaxTokens)
	}
}

func TestTranslateRequest_AlternationViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		messages []sentinel.Message
	}{
		{"first non-system is assistant", []sentinel.Message{
			msg("system", "s"), msg("assistant", "hi"),
		}},
		{"double user", []sentinel.Message{
			msg("user", "a"), msg("user", "b"),
		}},
		{"double assistant", []sentinel.Message{
			msg("user", "a"), msg("assistant", "b"), msg("assistant", "c"),
		}},
		{"system after conversation start", []sentinel.Message{
			msg("user", "a"), msg("system", "late"),
		}},
		{"only system messages", []sentinel.Message{
			msg("system", "s"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := translateRequest(&sentinel.ChatRequest{Model: "m", Messages: tt.messages})
			if !errors.Is(err, sentinel.ErrBadRequest) {
				t.Errorf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestTranslateRequest_MaxTokensHonored(t *testing.T) {
	t.Parallel()

	mt := 512
	out, err := translateRequest(&sentinel.ChatRequest{
		Model:     "m",
		MaxTokens: &mt,
		Messages:  []sentinel.Message{msg("user", "hi")},
	})
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if out.MaxTokens != 512 {
		t.Errorf("max_tokens = %d", out.MaxTokens)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "msg_01",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "Hello "},
			{"type": "text", "text": "there"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 4}
	}`)
	resp, err := translateResponse(data)
	if err != nil {
		t.Fatalf("translateResponse: %v", err)
	}
	if resp.ID != "msg_01" || resp.Object != "chat.completion" {
		t.Errorf("envelope = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "Hello there" || choice.FinishReason != "stop" {
		t.Errorf("choice = %+v", choice)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"something_new", "stop"},
		{"", "stop"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
