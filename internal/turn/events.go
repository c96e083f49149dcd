// Package turn runs one assistant turn: it streams the chat model, executes
// tool calls (weather lookups, document generation, edit suggestions),
// relays their progress as ordered events, and persists the outcome.
package turn

import (
	"context"

	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/registry"
)

// EventType tags an event on the turn stream. The set is closed; the
// transport layer maps each type onto one SSE event.
type EventType string

const (
	// EventUserMessageID carries the server-assigned id of the just-saved
	// user message, sent before any generation output.
	EventUserMessageID EventType = "user-message-id"

	// EventTextDelta is a chunk of assistant or prose-document text.
	EventTextDelta EventType = "text-delta"

	// EventCodeDelta is a chunk of code-document text.
	EventCodeDelta EventType = "code-delta"

	// EventDocumentID announces the id of a document being created.
	EventDocumentID EventType = "id"

	// EventDocumentTitle announces the title of a document being written.
	EventDocumentTitle EventType = "title"

	// EventDocumentKind announces whether the document is text or code.
	EventDocumentKind EventType = "kind"

	// EventClear tells the client to reset the document pane before new
	// content streams in.
	EventClear EventType = "clear"

	// EventSuggestion carries one parsed edit suggestion.
	EventSuggestion EventType = "suggestion"

	// EventFinish marks the end of a nested document stream.
	EventFinish EventType = "finish"

	// EventMessageID annotates a persisted assistant message with its
	// server-assigned id, sent after the stream body completes.
	EventMessageID EventType = "message-id"
)

// Event is one entry on the turn stream. Data must be JSON-marshalable.
type Event struct {
	Type EventType
	Data any
}

// Emitter receives turn events. Ordering is the call order; implementations
// must not reorder. An Emit error aborts the turn.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// turnState is the per-request state tool handlers need. It travels through
// the context because tools are registered once at startup but run per
// request.
type turnState struct {
	emitter  Emitter
	userID   uuid.UUID
	chatID   uuid.UUID
	roster   registry.Roster
	userText string
}

// stateKey is the context key for the per-request turn state.
type stateKey struct{}

func contextWithState(ctx context.Context, st *turnState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// stateFromContext returns the turn state, or nil outside a turn.
func stateFromContext(ctx context.Context) *turnState {
	st, _ := ctx.Value(stateKey{}).(*turnState)
	return st
}

// emit sends an event through the state's emitter. A nil state or emitter
// degrades to a no-op so tools stay callable outside a streaming turn.
func (st *turnState) emit(ctx context.Context, eventType EventType, data any) error {
	if st == nil || st.emitter == nil {
		return nil
	}
	return st.emitter.Emit(ctx, Event{Type: eventType, Data: data})
}
