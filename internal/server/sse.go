package server

import (
	"net/http"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix  = []byte("data: ")
	sseNewline     = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
	sseErrorPrefix = []byte("event: error\ndata: {\"error\":{\"message\":")
	sseErrorSuffix = []byte(",\"type\":\"stream_error\"}}\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream, tagging the
// stream with the resolved model and tier.
func writeSSEHeaders(w http.ResponseWriter, model, tier string) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	if model != "" {
		h["X-Sentinel-Model"] = []string{model}
	}
	if tier != "" {
		h["X-Sentinel-Tier"] = []string{tier}
	}
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEDone writes the SSE stream termination sentinel: "data: [DONE]\n\n".
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}

// writeSSEError writes an SSE-framed error event closing the stream.
func writeSSEError(w http.ResponseWriter, msg string) {
	w.Write(sseErrorPrefix)
	w.Write(jsonString(msg))
	w.Write(sseErrorSuffix)
}

// jsonString encodes s as a JSON string literal without an encoder allocation
// for the common case of plain ASCII.
func jsonString(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c == '\n':
			out = append(out, '\\', 'n')
		case c == '\r':
			out = append(out, '\\', 'r')
		case c == '\t':
			out = append(out, '\\', 't')
		case c < 0x20:
			const hex = "0123456789abcdef"
			out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}
