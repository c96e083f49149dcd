package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/registry"
	"github.com/quillchat/quill/internal/store"
)

// Result is the structured payload tools return to the model. Status is
// "ok" or "error"; Message carries either a confirmation the model can
// relay or the reason the call failed.
type Result struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

func errResult(format string, args ...any) Result {
	return Result{Status: statusError, Message: fmt.Sprintf(format, args...)}
}

func (o *Orchestrator) defineTools() []ai.ToolRef {
	return []ai.ToolRef{
		genkit.DefineTool(o.g, "getWeather",
			"Get the current weather at a location given its coordinates.",
			o.getWeather),
		genkit.DefineTool(o.g, "createDocument",
			"Create a document for a writing or coding activity. The document streams to the user as it is written.",
			o.createDocument),
		genkit.DefineTool(o.g, "updateDocument",
			"Rewrite an existing document following the given description.",
			o.updateDocument),
		genkit.DefineTool(o.g, "requestSuggestions",
			"Request writing suggestions for an existing text document.",
			o.requestSuggestions),
	}
}

type weatherInput struct {
	Latitude  float64 `json:"latitude" jsonschema_description:"Latitude of the location"`
	Longitude float64 `json:"longitude" jsonschema_description:"Longitude of the location"`
}

// getWeather returns the raw forecast payload so the model can pick out
// whichever fields the user asked about. Fetch failures go back to the
// model as data rather than aborting the turn.
func (o *Orchestrator) getWeather(tc *ai.ToolContext, input weatherInput) (map[string]any, error) {
	forecast, err := o.weather.Forecast(tc.Context, input.Latitude, input.Longitude)
	if err != nil {
		o.logger.Warn("weather lookup failed", "error", err)
		return map[string]any{"error": "weather data is currently unavailable"}, nil
	}
	return forecast, nil
}

type createDocumentInput struct {
	Title       string `json:"title" jsonschema_description:"Title for the new document"`
	Kind        string `json:"kind" jsonschema_description:"Document kind, either text or code"`
	Description string `json:"description" jsonschema_description:"Detailed description of what the document should contain"`
}

func (o *Orchestrator) createDocument(tc *ai.ToolContext, input createDocumentInput) (Result, error) {
	ctx := tc.Context
	st := stateFromContext(ctx)
	if st == nil {
		return errResult("no active turn"), nil
	}

	kind := store.KindText
	switch input.Kind {
	case "", string(store.KindText):
	case string(store.KindCode):
		kind = store.KindCode
	default:
		return errResult("unknown document kind %q", input.Kind), nil
	}

	docID := uuid.New()
	if err := emitDocumentHeader(ctx, st, docID, input.Title, kind); err != nil {
		return Result{}, err
	}

	model, system, deltaEvent := o.documentGeneration(st.roster, kind)
	prompt := createDocumentPrompt(input.Title, input.Description, st.userText)
	content, err := o.streamDocument(ctx, st, model, system, prompt, deltaEvent)
	if err != nil {
		return Result{}, err
	}
	if err := st.emit(ctx, EventFinish, ""); err != nil {
		return Result{}, err
	}

	doc := &store.Document{
		ID:        docID,
		CreatedAt: time.Now().UTC(),
		Title:     input.Title,
		Content:   content,
		Kind:      kind,
		UserID:    st.userID,
	}
	if err := o.gateway.SaveDocument(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("saving document: %w", err)
	}

	return Result{
		Status:  statusOK,
		ID:      docID.String(),
		Title:   input.Title,
		Kind:    string(kind),
		Message: "A document was created and is now visible to the user.",
	}, nil
}

type updateDocumentInput struct {
	ID          string `json:"id" jsonschema_description:"ID of the document to update"`
	Description string `json:"description" jsonschema_description:"Description of the changes to make"`
}

func (o *Orchestrator) updateDocument(tc *ai.ToolContext, input updateDocumentInput) (Result, error) {
	ctx := tc.Context
	st := stateFromContext(ctx)
	if st == nil {
		return errResult("no active turn"), nil
	}

	docID, err := uuid.Parse(input.ID)
	if err != nil {
		return errResult("invalid document id %q", input.ID), nil
	}

	doc, err := o.gateway.LatestDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResult("document %s was not found", input.ID), nil
		}
		return Result{}, fmt.Errorf("loading document: %w", err)
	}

	// The client drops its rendered copy and re-accumulates from the
	// deltas that follow.
	if err := st.emit(ctx, EventClear, doc.Title); err != nil {
		return Result{}, err
	}

	model, _, deltaEvent := o.documentGeneration(st.roster, doc.Kind)
	content, err := o.streamDocument(ctx, st, model, updateDocumentPrompt(doc.Content, doc.Kind), input.Description, deltaEvent)
	if err != nil {
		return Result{}, err
	}
	if err := st.emit(ctx, EventFinish, ""); err != nil {
		return Result{}, err
	}

	version := &store.Document{
		ID:        doc.ID,
		CreatedAt: time.Now().UTC(),
		Title:     doc.Title,
		Content:   content,
		Kind:      doc.Kind,
		UserID:    st.userID,
	}
	if err := o.gateway.SaveDocument(ctx, version); err != nil {
		return Result{}, fmt.Errorf("saving document version: %w", err)
	}

	return Result{
		Status:  statusOK,
		ID:      doc.ID.String(),
		Title:   doc.Title,
		Kind:    string(doc.Kind),
		Message: "The document has been updated and the new version is visible to the user.",
	}, nil
}

type requestSuggestionsInput struct {
	DocumentID string `json:"documentId" jsonschema_description:"ID of the document to get suggestions for"`
}

// suggestionPayload is the client-facing shape of one suggestion event.
type suggestionPayload struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description"`
	IsResolved        bool      `json:"isResolved"`
}

func (o *Orchestrator) requestSuggestions(tc *ai.ToolContext, input requestSuggestionsInput) (Result, error) {
	ctx := tc.Context
	st := stateFromContext(ctx)
	if st == nil {
		return errResult("no active turn"), nil
	}

	docID, err := uuid.Parse(input.DocumentID)
	if err != nil {
		return errResult("invalid document id %q", input.DocumentID), nil
	}

	doc, err := o.gateway.LatestDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errResult("document %s was not found", input.DocumentID), nil
		}
		return Result{}, fmt.Errorf("loading document: %w", err)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return errResult("document %s has no content to review", input.DocumentID), nil
	}

	opts, err := o.models.Options(st.roster.TextModel())
	if err != nil {
		return Result{}, err
	}

	parser := newSuggestionParser()
	var saved []*store.Suggestion
	record := func(cbCtx context.Context, raws []rawSuggestion) error {
		for _, raw := range raws {
			if len(saved) >= maxSuggestions {
				return nil
			}
			s := &store.Suggestion{
				ID:                uuid.New(),
				DocumentID:        doc.ID,
				DocumentCreatedAt: doc.CreatedAt,
				OriginalText:      raw.OriginalSentence,
				SuggestedText:     raw.SuggestedSentence,
				Description:       raw.Description,
				UserID:            st.userID,
				CreatedAt:         time.Now().UTC(),
			}
			payload := suggestionPayload{
				ID:                s.ID.String(),
				DocumentID:        s.DocumentID.String(),
				DocumentCreatedAt: s.DocumentCreatedAt,
				OriginalText:      s.OriginalText,
				SuggestedText:     s.SuggestedText,
				Description:       s.Description,
			}
			if err := st.emit(cbCtx, EventSuggestion, payload); err != nil {
				return err
			}
			saved = append(saved, s)
		}
		return nil
	}

	opts = append(opts,
		ai.WithSystem(suggestionsPrompt),
		ai.WithPrompt("%s", doc.Content),
		ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			return record(cbCtx, parser.feed(chunk.Text()))
		}),
	)

	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	// Non-streaming models deliver everything in the final response.
	if len(saved) == 0 && parser.empty() {
		if err := record(ctx, parser.feed(resp.Text())); err != nil {
			return Result{}, err
		}
	}
	if err := record(ctx, parser.flush()); err != nil {
		return Result{}, err
	}

	if len(saved) == 0 {
		return errResult("no suggestions could be generated for this document"), nil
	}
	if err := o.gateway.SaveSuggestions(ctx, saved); err != nil {
		return Result{}, fmt.Errorf("saving suggestions: %w", err)
	}

	return Result{
		Status:  statusOK,
		ID:      doc.ID.String(),
		Title:   doc.Title,
		Kind:    string(doc.Kind),
		Message: "Suggestions have been added to the document.",
	}, nil
}

// documentGeneration picks the model, system prompt, and delta event for a
// document kind.
func (o *Orchestrator) documentGeneration(roster registry.Roster, kind store.DocumentKind) (registry.Descriptor, string, EventType) {
	if kind == store.KindCode {
		return roster.CodeModel(), codeDocumentPrompt, EventCodeDelta
	}
	return roster.TextModel(), textDocumentPrompt, EventTextDelta
}

// emitDocumentHeader announces a new document: its id, title, and kind,
// then a clear so the client starts from an empty body.
func emitDocumentHeader(ctx context.Context, st *turnState, id uuid.UUID, title string, kind store.DocumentKind) error {
	if err := st.emit(ctx, EventDocumentID, id.String()); err != nil {
		return err
	}
	if err := st.emit(ctx, EventDocumentTitle, title); err != nil {
		return err
	}
	if err := st.emit(ctx, EventDocumentKind, string(kind)); err != nil {
		return err
	}
	return st.emit(ctx, EventClear, "")
}

// streamDocument runs a nested generation, relaying each chunk as a delta
// event and returning the accumulated content.
func (o *Orchestrator) streamDocument(ctx context.Context, st *turnState, model registry.Descriptor, system, prompt string, deltaEvent EventType) (string, error) {
	opts, err := o.models.Options(model)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	opts = append(opts,
		ai.WithSystem(system),
		ai.WithPrompt("%s", prompt),
		ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			sb.WriteString(text)
			return st.emit(cbCtx, deltaEvent, text)
		}),
	)

	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if sb.Len() == 0 {
		// Model did not stream; emit the full text as one delta.
		text := resp.Text()
		if text != "" {
			if err := st.emit(ctx, deltaEvent, text); err != nil {
				return "", err
			}
		}
		return text, nil
	}
	return sb.String(), nil
}
