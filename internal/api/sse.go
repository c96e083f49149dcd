package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/quillchat/quill/internal/turn"
)

// SSE event names outside the turn event set.
const eventError = "error"

// errorPayload is the SSE data payload when a turn fails.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sseWriter writes Server-Sent Events with JSON-encoded data.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// newSSEWriter sets the SSE headers and verifies flusher support.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeEvent writes a single SSE event: "event: <type>\ndata: <json>\n\n".
// Each event is flushed immediately so deltas reach the client as they are
// generated.
func (s *sseWriter) writeEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	s.flusher.Flush()
	return nil
}

// sseEmitter bridges turn events onto an SSE stream. A write failure means
// the client went away; the error propagates up and cancels the turn.
type sseEmitter struct {
	writer *sseWriter
}

func (e *sseEmitter) Emit(ctx context.Context, ev turn.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stream cancelled: %w", err)
	}
	return e.writer.writeEvent(string(ev.Type), ev.Data)
}
