// Package sse encodes agent loop events as Server-Sent Events.
//
// Wire format, one block per event:
//
//	event: tool_call    data: {"tool":"get_stock_quote","status":"calling"}
//	event: text         data: <raw text fragment, not JSON>
//	event: done         data: (empty)
//	event: error        data: {"message":"..."}
//
// Multi-line text fragments are framed line by line: the SSE spec requires
// every line of a data payload to carry its own "data: " prefix, and
// consumers rejoin them with newlines.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event type names on the wire.
const (
	EventToolCall = "tool_call"
	EventText     = "text"
	EventDone     = "done"
	EventError    = "error"
)

// ToolCallPayload is the data payload of a tool_call event.
type ToolCallPayload struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

// ErrorPayload is the data payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Writer frames SSE events onto an http.ResponseWriter, flushing after
// each event so the browser sees it immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for SSE streaming and sets the response headers.
// Fails if w cannot flush (the handler should fall back to a plain 500).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteToolCall announces a tool invocation lifecycle change.
func (w *Writer) WriteToolCall(tool, status string) error {
	payload, err := json.Marshal(ToolCallPayload{Tool: tool, Status: status})
	if err != nil {
		return fmt.Errorf("marshal tool_call payload: %w", err)
	}
	return w.writeBlock(EventToolCall, string(payload))
}

// WriteText streams one raw text fragment. The fragment is not JSON; it
// is the model's text verbatim.
func (w *Writer) WriteText(fragment string) error {
	return w.writeBlock(EventText, fragment)
}

// WriteDone terminates the stream successfully.
func (w *Writer) WriteDone() error {
	return w.writeBlock(EventDone, "")
}

// WriteError terminates the stream with a failure.
func (w *Writer) WriteError(message string) error {
	payload, err := json.Marshal(ErrorPayload{Message: message})
	if err != nil {
		return fmt.Errorf("marshal error payload: %w", err)
	}
	return w.writeBlock(EventError, string(payload))
}

// writeBlock writes one complete SSE event block and flushes.
func (w *Writer) writeBlock(event, data string) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write event name: %w", err)
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}
	if _, err := io.WriteString(w.w, "\n"); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	w.flusher.Flush()
	return nil
}
