package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/turn"
)

// maxStreamRequestBytes bounds the turn request body.
const maxStreamRequestBytes = 1024 * 1024

// ChatStore is the persistence surface the chat endpoints need.
type ChatStore interface {
	ChatByID(ctx context.Context, id uuid.UUID) (*store.Chat, error)
	ChatsByUser(ctx context.Context, userID uuid.UUID) ([]*store.Chat, error)
	UpdateChatVisibility(ctx context.Context, chatID uuid.UUID, visibility store.Visibility) error
	DeleteChat(ctx context.Context, chatID uuid.UUID) error
	MessagesByChat(ctx context.Context, chatID uuid.UUID) ([]*store.Message, error)
	MessageByID(ctx context.Context, id uuid.UUID) (*store.Message, error)
	DeleteMessagesAfter(ctx context.Context, chatID uuid.UUID, after time.Time) error
	UpsertVote(ctx context.Context, vote *store.Vote) error
	VotesByChat(ctx context.Context, chatID uuid.UUID) ([]*store.Vote, error)
}

// TurnRunner runs one assistant turn against an emitter.
type TurnRunner interface {
	Run(ctx context.Context, input turn.Input, emitter turn.Emitter) error
}

// ChatHandler handles chat, message, and vote endpoints.
type ChatHandler struct {
	store        ChatStore
	runner       TurnRunner
	ident        *identity
	historyLimit int32
	logger       log.Logger
}

// NewChatHandler creates a chat handler. historyLimit caps how many prior
// messages a turn sees; it is clamped to the allowed range.
func NewChatHandler(store ChatStore, runner TurnRunner, ident *identity, historyLimit int32, logger log.Logger) *ChatHandler {
	return &ChatHandler{
		store:        store,
		runner:       runner,
		ident:        ident,
		historyLimit: config.NormalizeMaxHistoryMessages(historyLimit),
		logger:       logger,
	}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat/stream", h.stream)
	mux.HandleFunc("GET /api/v1/chats", h.list)
	mux.HandleFunc("GET /api/v1/chats/{id}/messages", h.messages)
	mux.HandleFunc("DELETE /api/v1/chats/{id}", h.delete)
	mux.HandleFunc("PATCH /api/v1/chats/{id}/visibility", h.updateVisibility)
	mux.HandleFunc("GET /api/v1/chats/{id}/votes", h.votes)
	mux.HandleFunc("PATCH /api/v1/chats/{id}/votes", h.vote)
	mux.HandleFunc("DELETE /api/v1/messages/{id}/trailing", h.deleteTrailing)
}

// streamRequest is the body of POST /api/v1/chat/stream.
type streamRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// stream runs one assistant turn over SSE.
//
// Events carry the generation in order: user-message-id first, then
// text-delta / tool events as the model produces them, then message-id
// annotations for the saved assistant messages. A turn failure after the
// stream has started becomes a terminal error event; the HTTP status is
// already 200 by then.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return
	}

	var req streamRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxStreamRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}
	chatID, err := uuid.Parse(req.ChatID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_chat_id", "chatId must be a UUID", h.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_message", "message is required", h.logger)
		return
	}

	// Roster problems are configuration errors; reject them with a real
	// status code while the response is still plain HTTP, not SSE.
	roster := h.ident.roster(r)
	if err := roster.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_roster", err.Error(), h.logger)
		return
	}

	// If the chat exists it must belong to the caller; a missing chat is
	// created by the turn itself.
	chat, err := h.store.ChatByID(r.Context(), chatID)
	switch {
	case err == nil:
		if chat.UserID != userID {
			writeError(w, http.StatusForbidden, "forbidden", "chat belongs to another user", h.logger)
			return
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		h.logger.Error("loading chat", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load chat", h.logger)
		return
	}

	history, err := h.loadHistory(r.Context(), chatID, chat != nil)
	if err != nil {
		h.logger.Error("loading chat history", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load chat history", h.logger)
		return
	}

	writer, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", h.logger)
		return
	}

	input := turn.Input{
		ChatID:   chatID,
		UserID:   userID,
		History:  history,
		UserText: req.Message,
		Roster:   roster,
	}

	if err := h.runner.Run(r.Context(), input, &sseEmitter{writer: writer}); err != nil {
		h.logger.Error("turn failed", "error", err, "chat_id", chatID)
		code := "turn_failed"
		if errors.Is(err, turn.ErrGeneration) {
			code = "generation_failed"
		}
		if errors.Is(err, registry.ErrUnknownModel) || errors.Is(err, registry.ErrMissingCapability) {
			code = "invalid_roster"
		}
		_ = writer.writeEvent(eventError, errorPayload{Code: code, Message: err.Error()})
		return
	}

	h.logger.Debug("turn stream completed", "chat_id", chatID)
}

// loadHistory converts stored messages back into the model conversation,
// keeping only the most recent historyLimit messages.
func (h *ChatHandler) loadHistory(ctx context.Context, chatID uuid.UUID, exists bool) ([]*ai.Message, error) {
	if !exists {
		return nil, nil
	}
	stored, err := h.store.MessagesByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if int32(len(stored)) > h.historyLimit {
		stored = stored[int32(len(stored))-h.historyLimit:]
	}
	history := make([]*ai.Message, 0, len(stored))
	for _, msg := range stored {
		history = append(history, &ai.Message{
			Role:    ai.Role(msg.Role),
			Content: msg.Content,
		})
	}
	return history, nil
}

// chatItem is the JSON representation of a chat in list responses.
type chatItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
	CreatedAt  string `json:"createdAt"`
}

// list handles GET /api/v1/chats, newest first.
func (h *ChatHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return
	}

	chats, err := h.store.ChatsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing chats", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list chats", h.logger)
		return
	}

	items := make([]chatItem, len(chats))
	for i, chat := range chats {
		items[i] = chatItem{
			ID:         chat.ID.String(),
			Title:      chat.Title,
			Visibility: string(chat.Visibility),
			CreatedAt:  chat.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)}, h.logger)
}

// messageItem is the JSON representation of a message in history responses.
type messageItem struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Parts     []*ai.Part `json:"parts"`
	CreatedAt string     `json:"createdAt"`
}

// messages handles GET /api/v1/chats/{id}/messages. Public chats are
// readable by anyone; private chats only by their owner.
func (h *ChatHandler) messages(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if chat.Visibility != store.VisibilityPublic {
		userID, ok := h.ident.requireUser(w, r)
		if !ok {
			return
		}
		if chat.UserID != userID {
			writeError(w, http.StatusForbidden, "forbidden", "chat belongs to another user", h.logger)
			return
		}
	}

	msgs, err := h.store.MessagesByChat(r.Context(), chat.ID)
	if err != nil {
		h.logger.Error("listing messages", "error", err, "chat_id", chat.ID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list messages", h.logger)
		return
	}

	items := make([]messageItem, len(msgs))
	for i, msg := range msgs {
		items[i] = messageItem{
			ID:        msg.ID.String(),
			Role:      msg.Role,
			Parts:     msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)}, h.logger)
}

// delete handles DELETE /api/v1/chats/{id}.
func (h *ChatHandler) delete(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.requireOwnedChat(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteChat(r.Context(), chat.ID); err != nil {
		h.logger.Error("deleting chat", "error", err, "chat_id", chat.ID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete chat", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, h.logger)
}

// visibilityRequest is the body of PATCH /api/v1/chats/{id}/visibility.
type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (h *ChatHandler) updateVisibility(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.requireOwnedChat(w, r)
	if !ok {
		return
	}

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}
	visibility := store.Visibility(req.Visibility)
	if visibility != store.VisibilityPrivate && visibility != store.VisibilityPublic {
		writeError(w, http.StatusBadRequest, "invalid_visibility", "visibility must be 'private' or 'public'", h.logger)
		return
	}

	if err := h.store.UpdateChatVisibility(r.Context(), chat.ID, visibility); err != nil {
		h.logger.Error("updating visibility", "error", err, "chat_id", chat.ID)
		writeError(w, http.StatusInternalServerError, "update_failed", "failed to update visibility", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"visibility": string(visibility)}, h.logger)
}

// voteItem is the JSON representation of a vote.
type voteItem struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsUpvoted bool   `json:"isUpvoted"`
}

// votes handles GET /api/v1/chats/{id}/votes.
func (h *ChatHandler) votes(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.requireOwnedChat(w, r)
	if !ok {
		return
	}

	votes, err := h.store.VotesByChat(r.Context(), chat.ID)
	if err != nil {
		h.logger.Error("listing votes", "error", err, "chat_id", chat.ID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list votes", h.logger)
		return
	}

	items := make([]voteItem, len(votes))
	for i, v := range votes {
		items[i] = voteItem{
			ChatID:    v.ChatID.String(),
			MessageID: v.MessageID.String(),
			IsUpvoted: v.IsUpvoted,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)}, h.logger)
}

// voteRequest is the body of PATCH /api/v1/chats/{id}/votes.
type voteRequest struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"` // up or down
}

// vote upserts a thumbs up or down on a message. Re-voting replaces the
// previous vote.
func (h *ChatHandler) vote(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.requireOwnedChat(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}
	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message_id", "messageId must be a UUID", h.logger)
		return
	}
	if req.Type != "up" && req.Type != "down" {
		writeError(w, http.StatusBadRequest, "invalid_vote", "type must be 'up' or 'down'", h.logger)
		return
	}

	msg, err := h.store.MessageByID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "message not found", h.logger)
			return
		}
		h.logger.Error("loading message", "error", err, "message_id", messageID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load message", h.logger)
		return
	}
	if msg.ChatID != chat.ID {
		writeError(w, http.StatusBadRequest, "wrong_chat", "message belongs to a different chat", h.logger)
		return
	}

	vote := &store.Vote{ChatID: chat.ID, MessageID: messageID, IsUpvoted: req.Type == "up"}
	if err := h.store.UpsertVote(r.Context(), vote); err != nil {
		h.logger.Error("saving vote", "error", err, "message_id", messageID)
		writeError(w, http.StatusInternalServerError, "vote_failed", "failed to save vote", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, voteItem{
		ChatID:    vote.ChatID.String(),
		MessageID: vote.MessageID.String(),
		IsUpvoted: vote.IsUpvoted,
	}, h.logger)
}

// deleteTrailing handles DELETE /api/v1/messages/{id}/trailing: it removes
// the message and everything after it in its chat, supporting
// edit-and-regenerate.
func (h *ChatHandler) deleteTrailing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return
	}

	messageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid message ID", h.logger)
		return
	}

	msg, err := h.store.MessageByID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "message not found", h.logger)
			return
		}
		h.logger.Error("loading message", "error", err, "message_id", messageID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load message", h.logger)
		return
	}

	chat, err := h.store.ChatByID(r.Context(), msg.ChatID)
	if err != nil {
		h.logger.Error("loading chat", "error", err, "chat_id", msg.ChatID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load chat", h.logger)
		return
	}
	if chat.UserID != userID {
		writeError(w, http.StatusForbidden, "forbidden", "chat belongs to another user", h.logger)
		return
	}

	if err := h.store.DeleteMessagesAfter(r.Context(), msg.ChatID, msg.CreatedAt); err != nil {
		h.logger.Error("deleting trailing messages", "error", err, "message_id", messageID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete messages", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, h.logger)
}

// loadChat resolves the {id} path value to a chat, writing the error
// response on failure.
func (h *ChatHandler) loadChat(w http.ResponseWriter, r *http.Request) (*store.Chat, bool) {
	chatID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid chat ID", h.logger)
		return nil, false
	}

	chat, err := h.store.ChatByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "chat not found", h.logger)
			return nil, false
		}
		h.logger.Error("loading chat", "error", err, "chat_id", chatID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load chat", h.logger)
		return nil, false
	}
	return chat, true
}

// requireOwnedChat resolves {id} and verifies the caller owns the chat.
func (h *ChatHandler) requireOwnedChat(w http.ResponseWriter, r *http.Request) (*store.Chat, bool) {
	userID, ok := h.ident.requireUser(w, r)
	if !ok {
		return nil, false
	}
	chat, ok := h.loadChat(w, r)
	if !ok {
		return nil, false
	}
	if chat.UserID != userID {
		h.logger.Warn("chat ownership check failed",
			"chat_id", chat.ID,
			"owner", chat.UserID,
			"caller", userID,
			"path", r.URL.Path,
		)
		writeError(w, http.StatusForbidden, "forbidden", "chat belongs to another user", h.logger)
		return nil, false
	}
	return chat, true
}
