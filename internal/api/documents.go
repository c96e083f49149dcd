package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/store"
)

// DocumentStore is the persistence surface the document endpoints need.
type DocumentStore interface {
	LatestDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	DocumentVersions(ctx context.Context, id uuid.UUID) ([]*store.Document, error)
	DeleteDocumentVersionsAfter(ctx context.Context, id uuid.UUID, after time.Time) error
	SuggestionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*store.Suggestion, error)
}

// DocumentsHandler handles document and suggestion endpoints.
type DocumentsHandler struct {
	store  DocumentStore
	ident  *identity
	logger log.Logger
}

// NewDocumentsHandler creates a documents handler.
func NewDocumentsHandler(store DocumentStore, ident *identity, logger log.Logger) *DocumentsHandler {
	return &DocumentsHandler{store: store, ident: ident, logger: logger}
}

// RegisterRoutes registers document routes on the given mux.
func (h *DocumentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/documents/{id}", h.latest)
	mux.HandleFunc("GET /api/v1/documents/{id}/versions", h.versions)
	mux.HandleFunc("DELETE /api/v1/documents/{id}/versions", h.rollback)
	mux.HandleFunc("GET /api/v1/suggestions", h.suggestions)
}

// documentItem is the JSON representation of one document version.
type documentItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"createdAt"`
}

func toDocumentItem(doc *store.Document) documentItem {
	return documentItem{
		ID:        doc.ID.String(),
		Title:     doc.Title,
		Content:   doc.Content,
		Kind:      string(doc.Kind),
		CreatedAt: doc.CreatedAt.Format(time.RFC3339Nano),
	}
}

// latest handles GET /api/v1/documents/{id}.
func (h *DocumentsHandler) latest(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.requireOwnedDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentItem(doc), h.logger)
}

// versions handles GET /api/v1/documents/{id}/versions, oldest first.
func (h *DocumentsHandler) versions(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.requireOwnedDocument(w, r)
	if !ok {
		return
	}

	versions, err := h.store.DocumentVersions(r.Context(), doc.ID)
	if err != nil {
		h.logger.Error("listing document versions", "error", err, "document_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list versions", h.logger)
		return
	}

	items := make([]documentItem, len(versions))
	for i, v := range versions {
		items[i] = toDocumentItem(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)}, h.logger)
}

// rollback handles DELETE /api/v1/documents/{id}/versions?after=<RFC3339>.
// Versions newer than the timestamp are removed along with their
// suggestions.
func (h *DocumentsHandler) rollback(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.requireOwnedDocument(w, r)
	if !ok {
		return
	}

	after, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_after", "after must be an RFC 3339 timestamp", h.logger)
		return
	}

	if err := h.store.DeleteDocumentVersionsAfter(r.Context(), doc.ID, after); err != nil {
		h.logger.Error("rolling back document", "error", err, "document_id", doc.ID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete versions", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, h.logger)
}

// suggestionItem is the JSON representation of one suggestion.
type suggestionItem struct {
	ID                string `json:"id"`
	DocumentID        string `json:"documentId"`
	DocumentCreatedAt string `json:"documentCreatedAt"`
	OriginalText      string `json:"originalText"`
	SuggestedText     string `json:"suggestedText"`
	Description       string `json:"description"`
	IsResolved        bool   `json:"isResolved"`
	CreatedAt         string `json:"createdAt"`
}

// suggestions handles GET /api/v1/suggestions?documentId=<uuid>.
func (h *DocumentsHandler) suggestions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return
	}

	documentID, err := uuid.Parse(r.URL.Query().Get("documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document_id", "documentId must be a UUID", h.logger)
		return
	}

	doc, err := h.store.LatestDocument(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found", h.logger)
			return
		}
		h.logger.Error("loading document", "error", err, "document_id", documentID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load document", h.logger)
		return
	}
	if doc.UserID != userID {
		writeError(w, http.StatusForbidden, "forbidden", "document belongs to another user", h.logger)
		return
	}

	suggestions, err := h.store.SuggestionsByDocument(r.Context(), documentID)
	if err != nil {
		h.logger.Error("listing suggestions", "error", err, "document_id", documentID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list suggestions", h.logger)
		return
	}

	items := make([]suggestionItem, len(suggestions))
	for i, s := range suggestions {
		items[i] = suggestionItem{
			ID:                s.ID.String(),
			DocumentID:        s.DocumentID.String(),
			DocumentCreatedAt: s.DocumentCreatedAt.Format(time.RFC3339Nano),
			OriginalText:      s.OriginalText,
			SuggestedText:     s.SuggestedText,
			Description:       s.Description,
			IsResolved:        s.IsResolved,
			CreatedAt:         s.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)}, h.logger)
}

// requireOwnedDocument resolves {id} and verifies the caller owns the
// document's latest version.
func (h *DocumentsHandler) requireOwnedDocument(w http.ResponseWriter, r *http.Request) (*store.Document, bool) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return nil, false
	}

	documentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid document ID", h.logger)
		return nil, false
	}

	doc, err := h.store.LatestDocument(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found", h.logger)
			return nil, false
		}
		h.logger.Error("loading document", "error", err, "document_id", documentID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load document", h.logger)
		return nil, false
	}
	if doc.UserID != userID {
		h.logger.Warn("document ownership check failed",
			"document_id", doc.ID,
			"owner", doc.UserID,
			"caller", userID,
			"path", r.URL.Path,
		)
		writeError(w, http.StatusForbidden, "forbidden", "document belongs to another user", h.logger)
		return nil, false
	}
	return doc, true
}
