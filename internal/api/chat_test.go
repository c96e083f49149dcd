package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/testutil"
	"github.com/quillchat/quill/internal/turn"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeChatStore is an in-memory ChatStore.
type fakeChatStore struct {
	chats    map[uuid.UUID]*store.Chat
	messages []*store.Message
	votes    map[uuid.UUID]*store.Vote

	deletedChats  []uuid.UUID
	trailingCalls []time.Time
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		chats: make(map[uuid.UUID]*store.Chat),
		votes: make(map[uuid.UUID]*store.Vote),
	}
}

func (f *fakeChatStore) ChatByID(_ context.Context, id uuid.UUID) (*store.Chat, error) {
	chat, ok := f.chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return chat, nil
}

func (f *fakeChatStore) ChatsByUser(_ context.Context, userID uuid.UUID) ([]*store.Chat, error) {
	var out []*store.Chat
	for _, chat := range f.chats {
		if chat.UserID == userID {
			out = append(out, chat)
		}
	}
	return out, nil
}

func (f *fakeChatStore) UpdateChatVisibility(_ context.Context, chatID uuid.UUID, v store.Visibility) error {
	chat, ok := f.chats[chatID]
	if !ok {
		return store.ErrNotFound
	}
	chat.Visibility = v
	return nil
}

func (f *fakeChatStore) DeleteChat(_ context.Context, chatID uuid.UUID) error {
	delete(f.chats, chatID)
	f.deletedChats = append(f.deletedChats, chatID)
	return nil
}

func (f *fakeChatStore) MessagesByChat(_ context.Context, chatID uuid.UUID) ([]*store.Message, error) {
	var out []*store.Message
	for _, msg := range f.messages {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeChatStore) MessageByID(_ context.Context, id uuid.UUID) (*store.Message, error) {
	for _, msg := range f.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeChatStore) DeleteMessagesAfter(_ context.Context, chatID uuid.UUID, after time.Time) error {
	f.trailingCalls = append(f.trailingCalls, after)
	var kept []*store.Message
	for _, msg := range f.messages {
		if msg.ChatID == chatID && !msg.CreatedAt.Before(after) {
			continue
		}
		kept = append(kept, msg)
	}
	f.messages = kept
	return nil
}

func (f *fakeChatStore) UpsertVote(_ context.Context, vote *store.Vote) error {
	f.votes[vote.MessageID] = vote
	return nil
}

func (f *fakeChatStore) VotesByChat(_ context.Context, chatID uuid.UUID) ([]*store.Vote, error) {
	var out []*store.Vote
	for _, vote := range f.votes {
		if vote.ChatID == chatID {
			out = append(out, vote)
		}
	}
	return out, nil
}

// fakeRunner emits a canned event sequence.
type fakeRunner struct {
	events []turn.Event
	err    error
	inputs []turn.Input
}

func (f *fakeRunner) Run(ctx context.Context, input turn.Input, emitter turn.Emitter) error {
	f.inputs = append(f.inputs, input)
	for _, ev := range f.events {
		if err := emitter.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return f.err
}

func newChatFixture(fs *fakeChatStore, runner *fakeRunner) *ChatHandler {
	return NewChatHandler(fs, runner, newIdentity(testSecret, log.NewNop()), 0, log.NewNop())
}

func withUser(r *http.Request, userID uuid.UUID) *http.Request {
	r.AddCookie(&http.Cookie{Name: userCookieName, Value: signUID(userID.String(), testSecret)})
	return r
}

func serveChat(h *ChatHandler, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestStreamRequiresSession(t *testing.T) {
	h := newChatFixture(newFakeChatStore(), &fakeRunner{})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+uuid.NewString()+`","message":"hi"}`))

	w := serveChat(h, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamRejectsBadBody(t *testing.T) {
	h := newChatFixture(newFakeChatStore(), &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`not json`)), uuid.New())

	w := serveChat(h, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamRejectsForeignChat(t *testing.T) {
	fs := newFakeChatStore()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: uuid.New(), Visibility: store.VisibilityPrivate}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+chatID.String()+`","message":"hi"}`)), uuid.New())

	w := serveChat(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStreamRejectsUnknownRosterModelBeforeStreaming(t *testing.T) {
	fs := newFakeChatStore()
	runner := &fakeRunner{}
	h := newChatFixture(fs, runner)

	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+uuid.NewString()+`","message":"hi"}`)), uuid.New())
	rosterJSON := `{"chat":"no-such-model","text":"gemini-flash","code":"gemini-pro"}`
	r.AddCookie(&http.Cookie{
		Name:  rosterCookieName,
		Value: base64.URLEncoding.EncodeToString([]byte(rosterJSON)),
	})

	w := serveChat(h, r)

	// A plain JSON rejection, not an SSE stream with an error event.
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, w.Body.String(), "invalid_roster")
	assert.Empty(t, runner.inputs)
}

func TestStreamRelaysTurnEvents(t *testing.T) {
	runner := &fakeRunner{events: []turn.Event{
		{Type: turn.EventUserMessageID, Data: "user-msg-1"},
		{Type: turn.EventTextDelta, Data: "Hello "},
		{Type: turn.EventTextDelta, Data: "world"},
		{Type: turn.EventMessageID, Data: "assistant-msg-1"},
	}}
	h := newChatFixture(newFakeChatStore(), runner)

	userID := uuid.New()
	chatID := uuid.New()
	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+chatID.String()+`","message":"say hello"}`)), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "user-message-id", events[0].Type)
	assert.Equal(t, `"user-msg-1"`, events[0].Data)
	assert.Equal(t, "text-delta", events[1].Type)
	assert.Equal(t, `"Hello "`, events[1].Data)
	assert.Equal(t, "message-id", events[3].Type)

	require.Len(t, runner.inputs, 1)
	assert.Equal(t, chatID, runner.inputs[0].ChatID)
	assert.Equal(t, userID, runner.inputs[0].UserID)
	assert.Equal(t, "say hello", runner.inputs[0].UserText)
}

func TestStreamEmitsErrorEventOnTurnFailure(t *testing.T) {
	runner := &fakeRunner{
		events: []turn.Event{{Type: turn.EventTextDelta, Data: "partial"}},
		err:    turn.ErrGeneration,
	}
	h := newChatFixture(newFakeChatStore(), runner)

	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+uuid.NewString()+`","message":"hi"}`)), uuid.New())

	w := serveChat(h, r)
	events := testutil.ParseSSEEvents(t, w.Body.String())
	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "generation_failed")
}

func TestStreamPassesHistory(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}
	fs.messages = []*store.Message{
		{ID: uuid.New(), ChatID: chatID, Role: "user", Content: []*ai.Part{ai.NewTextPart("earlier question")}},
		{ID: uuid.New(), ChatID: chatID, Role: "model", Content: []*ai.Part{ai.NewTextPart("earlier answer")}},
	}
	runner := &fakeRunner{}
	h := newChatFixture(fs, runner)

	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+chatID.String()+`","message":"follow up"}`)), userID)
	serveChat(h, r)

	require.Len(t, runner.inputs, 1)
	history := runner.inputs[0].History
	require.Len(t, history, 2)
	assert.Equal(t, ai.RoleUser, history[0].Role)
	assert.Equal(t, "earlier question", history[0].Text())
}

func TestStreamTrimsHistoryToWindow(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}
	base := time.Now().Add(-time.Hour)
	for i := range 15 {
		fs.messages = append(fs.messages, &store.Message{
			ID:        uuid.New(),
			ChatID:    chatID,
			Role:      "user",
			Content:   []*ai.Part{ai.NewTextPart(strings.Repeat("x", i+1))},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	runner := &fakeRunner{}
	h := NewChatHandler(fs, runner, newIdentity(testSecret, log.NewNop()), 10, log.NewNop())

	r := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"chatId":"`+chatID.String()+`","message":"follow up"}`)), userID)
	serveChat(h, r)

	require.Len(t, runner.inputs, 1)
	history := runner.inputs[0].History
	require.Len(t, history, 10)
	// The oldest five messages fall outside the window.
	assert.Equal(t, strings.Repeat("x", 6), history[0].Text())
	assert.Equal(t, strings.Repeat("x", 15), history[9].Text())
}

func TestListChatsOnlyOwn(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	mine := uuid.New()
	fs.chats[mine] = &store.Chat{ID: mine, UserID: userID, Title: "Mine"}
	other := uuid.New()
	fs.chats[other] = &store.Chat{ID: other, UserID: uuid.New(), Title: "Other"}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Mine")
	assert.NotContains(t, w.Body.String(), "Other")
}

func TestMessagesPublicChatReadableByAnyone(t *testing.T) {
	fs := newFakeChatStore()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: uuid.New(), Visibility: store.VisibilityPublic}
	fs.messages = []*store.Message{
		{ID: uuid.New(), ChatID: chatID, Role: "user", Content: []*ai.Part{ai.NewTextPart("shared")}},
	}

	h := newChatFixture(fs, &fakeRunner{})
	// No user cookie at all.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/chats/"+chatID.String()+"/messages", nil)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shared")
}

func TestMessagesPrivateChatHiddenFromOthers(t *testing.T) {
	fs := newFakeChatStore()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: uuid.New(), Visibility: store.VisibilityPrivate}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/chats/"+chatID.String()+"/messages", nil), uuid.New())

	w := serveChat(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateVisibility(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID, Visibility: store.VisibilityPrivate}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String()+"/visibility",
		strings.NewReader(`{"visibility":"public"}`)), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.VisibilityPublic, fs.chats[chatID].Visibility)
}

func TestUpdateVisibilityRejectsUnknownValue(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String()+"/visibility",
		strings.NewReader(`{"visibility":"secret"}`)), userID)

	w := serveChat(h, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoteUpsert(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	messageID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}
	fs.messages = []*store.Message{{ID: messageID, ChatID: chatID, Role: "model"}}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String()+"/votes",
		strings.NewReader(`{"messageId":"`+messageID.String()+`","type":"up"}`)), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, fs.votes, messageID)
	assert.True(t, fs.votes[messageID].IsUpvoted)

	// Re-vote down replaces.
	r = withUser(httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String()+"/votes",
		strings.NewReader(`{"messageId":"`+messageID.String()+`","type":"down"}`)), userID)
	w = serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, fs.votes[messageID].IsUpvoted)
}

func TestVoteRejectsMessageFromOtherChat(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	messageID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}
	fs.messages = []*store.Message{{ID: messageID, ChatID: uuid.New(), Role: "model"}}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String()+"/votes",
		strings.NewReader(`{"messageId":"`+messageID.String()+`","type":"up"}`)), userID)

	w := serveChat(h, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTrailingMessages(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}

	base := time.Now().UTC()
	first := &store.Message{ID: uuid.New(), ChatID: chatID, Role: "user", CreatedAt: base}
	second := &store.Message{ID: uuid.New(), ChatID: chatID, Role: "model", CreatedAt: base.Add(time.Second)}
	third := &store.Message{ID: uuid.New(), ChatID: chatID, Role: "user", CreatedAt: base.Add(2 * time.Second)}
	fs.messages = []*store.Message{first, second, third}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodDelete,
		"/api/v1/messages/"+second.ID.String()+"/trailing", nil), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fs.messages, 1)
	assert.Equal(t, first.ID, fs.messages[0].ID)
}

func TestDeleteTrailingForbiddenForOthers(t *testing.T) {
	fs := newFakeChatStore()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: uuid.New()}
	msg := &store.Message{ID: uuid.New(), ChatID: chatID, Role: "user", CreatedAt: time.Now()}
	fs.messages = []*store.Message{msg}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodDelete,
		"/api/v1/messages/"+msg.ID.String()+"/trailing", nil), uuid.New())

	w := serveChat(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, fs.messages, 1)
}

func TestDeleteChat(t *testing.T) {
	fs := newFakeChatStore()
	userID := uuid.New()
	chatID := uuid.New()
	fs.chats[chatID] = &store.Chat{ID: chatID, UserID: userID}

	h := newChatFixture(fs, &fakeRunner{})
	r := withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/chats/"+chatID.String(), nil), userID)

	w := serveChat(h, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{chatID}, fs.deletedChats)
}
