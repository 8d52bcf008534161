// Package sseutil provides shared SSE parsing utilities for provider adapters.
package sseutil

import (
	"bytes"
	"strings"
)

// LineBuffer reassembles complete lines from arbitrary byte slices. Network
// reads may split an SSE line across packets; Write retains the incomplete
// tail until the terminating newline arrives. Yielded lines have the newline
// (and any trailing CR) stripped, empty lines are dropped, and invalid UTF-8
// sequences are replaced with the replacement character.
type LineBuffer struct {
	rem []byte
}

// Write appends p to the buffer and returns the complete lines it unlocked.
// p is not retained.
func (b *LineBuffer) Write(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	data := p
	if len(b.rem) > 0 {
		data = append(b.rem, p...)
		b.rem = nil
	}

	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte("\r"))
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}
		lines = append(lines, strings.ToValidUTF8(string(line), "�"))
	}

	if len(data) > 0 {
		b.rem = append([]byte(nil), data...)
	}
	return lines
}

// Flush returns any retained partial line and clears the buffer. Used when
// the stream ends without a final newline.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.rem) == 0 {
		return "", false
	}
	line := bytes.TrimSuffix(b.rem, []byte("\r"))
	b.rem = nil
	if len(line) == 0 {
		return "", false
	}
	return strings.ToValidUTF8(string(line), "�"), true
}
