package anthropic

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/provider/sseutil"
)

// streamState tracks the translation state for one Anthropic SSE stream.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
}

// readStream reads Anthropic SSE events and emits OpenAI-format StreamChunks.
// Lines are reassembled through a LineBuffer so packet boundaries inside an
// event are invisible. Malformed data payloads are skipped and reported
// through onParseError.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- sentinel.StreamChunk, model string, onParseError func(model string)) {
	defer close(ch)
	defer body.Close()

	var state streamState
	var lb sseutil.LineBuffer
	var currentEvent string

	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range lb.Write(buf[:n]) {
				event, data, ok := sseutil.ParseSSELine(line)
				if !ok {
					continue
				}
				if event != "" {
					currentEvent = event
					continue
				}
				if data == "" {
					continue
				}
				if !gjson.Valid(data) {
					if onParseError != nil {
						onParseError(model)
					}
					currentEvent = ""
					continue
				}
				for _, c := range state.handleEvent(currentEvent, data) {
					select {
					case ch <- c:
					case <-ctx.Done():
						ch <- sentinel.StreamChunk{Err: ctx.Err()}
						return
					}
				}
				currentEvent = ""
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				ch <- sentinel.StreamChunk{Err: readErr}
			}
			return
		}
	}
}

// handleEvent processes a single Anthropic SSE event and returns zero or more
// OpenAI-format StreamChunks.
func (s *streamState) handleEvent(event, data string) []sentinel.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "ping", "content_block_start", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []sentinel.StreamChunk {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").String()
	s.model = r.Get("message.model").String()
	s.inputTokens = int(r.Get("message.usage.input_tokens").Int())

	// Emit initial role chunk.
	chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
	return []sentinel.StreamChunk{{Data: chunk}}
}

func (s *streamState) onContentBlockDelta(data string) []sentinel.StreamChunk {
	r := gjson.Parse(data)
	if r.Get("delta.type").String() != "text_delta" {
		return nil
	}
	text := r.Get("delta.text").String()
	chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
	return []sentinel.StreamChunk{{Data: chunk, Content: text}}
}

func (s *streamState) onMessageDelta(data string) []sentinel.StreamChunk {
	r := gjson.Parse(data)
	s.outputTokens = int(r.Get("usage.output_tokens").Int())
	s.stopReason = r.Get("delta.stop_reason").String()
	return nil
}

func (s *streamState) onMessageStop() []sentinel.StreamChunk {
	finishChunk := sseutil.BuildFinishChunk(s.id, s.model, mapStopReason(s.stopReason))

	usage := &sentinel.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
	}
	usageChunk := sseutil.BuildUsageChunk(s.id, s.model, usage)

	return []sentinel.StreamChunk{
		{Data: finishChunk},
		{Data: usageChunk, Usage: usage},
		{Done: true},
	}
}
