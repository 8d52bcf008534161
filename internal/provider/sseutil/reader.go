package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
)

// maxLoggedLine caps how much of a malformed SSE payload is logged.
const maxLoggedLine = 500

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"  -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"      -> ok=false (comment)
//	""               -> ok=false (empty)
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	// SSE comments start with ':'
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// StreamReader converts an OpenAI-format SSE response body into StreamChunks.
// Lines are reassembled through a LineBuffer, so packet boundaries inside a
// line are invisible to the consumer. Used by adapters that share the OpenAI
// chunk shape.
type StreamReader struct {
	Provider string
	Model    string

	// OnParseError is invoked once per undecodable data payload. Optional.
	OnParseError func(model string)
}

// Read pumps body into ch until the stream ends, the [DONE] sentinel arrives,
// or ctx is cancelled. The channel is closed when done.
func (sr StreamReader) Read(ctx context.Context, body io.ReadCloser, ch chan<- sentinel.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var lb LineBuffer
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range lb.Write(buf[:n]) {
				if stop := sr.emit(ctx, line, ch); stop {
					return
				}
			}
		}
		if readErr != nil {
			if line, ok := lb.Flush(); ok {
				if stop := sr.emit(ctx, line, ch); stop {
					return
				}
			}
			if readErr != io.EOF {
				ch <- sentinel.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", sr.Provider, readErr)}
			}
			return
		}
	}
}

// emit parses one SSE line and forwards the resulting chunk. It reports
// whether the stream is finished.
func (sr StreamReader) emit(ctx context.Context, line string, ch chan<- sentinel.StreamChunk) (stop bool) {
	_, data, ok := ParseSSELine(line)
	if !ok || data == "" {
		return false
	}
	if data == "[DONE]" {
		ch <- sentinel.StreamChunk{Done: true}
		return true
	}

	if !gjson.Valid(data) {
		logged := data
		if len(logged) > maxLoggedLine {
			logged = logged[:maxLoggedLine]
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "sse chunk parse failed",
			slog.String("provider", sr.Provider),
			slog.String("model", sr.Model),
			slog.String("line", logged),
		)
		if sr.OnParseError != nil {
			sr.OnParseError(sr.Model)
		}
		return false
	}

	chunk := sentinel.StreamChunk{Data: []byte(data)}
	if c := gjson.Get(data, "choices.0.delta.content"); c.Type == gjson.String {
		chunk.Content = c.String()
	}
	// Extract usage when the chunk carries it (typically the final chunk).
	if u := gjson.Get(data, "usage"); u.Exists() && u.Type == gjson.JSON {
		var usage sentinel.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			chunk.Usage = &usage
		}
	}

	select {
	case ch <- chunk:
	case <-ctx.Done():
		ch <- sentinel.StreamChunk{Err: ctx.Err()}
		return true
	}
	return false
}
