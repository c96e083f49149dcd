package turn_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/testutil"
	"github.com/quillchat/quill/internal/turn"
)

// mockModels routes every catalog entry to the mock model.
type mockModels struct{}

func (mockModels) Options(registry.Descriptor) ([]ai.GenerateOption, error) {
	return []ai.GenerateOption{ai.WithModelName(testutil.ModelName)}, nil
}

type fakeForecaster struct {
	payload map[string]any
	err     error
	mu      sync.Mutex
	calls   []struct{ Lat, Lon float64 }
}

func (f *fakeForecaster) Forecast(_ context.Context, lat, lon float64) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, struct{ Lat, Lon float64 }{lat, lon})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

// fakeGateway is an in-memory Gateway.
type fakeGateway struct {
	mu          sync.Mutex
	users       map[uuid.UUID]bool
	chats       map[uuid.UUID]*store.Chat
	messages    []*store.Message
	documents   []*store.Document
	suggestions []*store.Suggestion

	saveMessageCalls int
	createChatCalls  int
	failMessagesFrom int // fail SaveMessages calls numbered >= this (1-based, 0 = never)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		users: make(map[uuid.UUID]bool),
		chats: make(map[uuid.UUID]*store.Chat),
	}
}

func (g *fakeGateway) EnsureUser(_ context.Context, id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[id] = true
	return nil
}

func (g *fakeGateway) ChatByID(_ context.Context, id uuid.UUID) (*store.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chat, ok := g.chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return chat, nil
}

func (g *fakeGateway) CreateChat(_ context.Context, chat *store.Chat) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createChatCalls++
	g.chats[chat.ID] = chat
	return nil
}

func (g *fakeGateway) SaveMessages(_ context.Context, messages []*store.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saveMessageCalls++
	if g.failMessagesFrom > 0 && g.saveMessageCalls >= g.failMessagesFrom {
		return errors.New("database unavailable")
	}
	g.messages = append(g.messages, messages...)
	return nil
}

func (g *fakeGateway) LatestDocument(_ context.Context, id uuid.UUID) (*store.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var latest *store.Document
	for _, doc := range g.documents {
		if doc.ID == id && (latest == nil || doc.CreatedAt.After(latest.CreatedAt)) {
			latest = doc
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (g *fakeGateway) SaveDocument(_ context.Context, doc *store.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.documents = append(g.documents, doc)
	return nil
}

func (g *fakeGateway) SaveSuggestions(_ context.Context, suggestions []*store.Suggestion) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suggestions = append(g.suggestions, suggestions...)
	return nil
}

func (g *fakeGateway) savedRoles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	roles := make([]string, len(g.messages))
	for i, m := range g.messages {
		roles[i] = m.Role
	}
	return roles
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []turn.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev turn.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) types() []turn.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]turn.EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func (r *recordingEmitter) ofType(t turn.EventType) []turn.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []turn.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	orch    *turn.Orchestrator
	mock    *testutil.MockLLM
	gateway *fakeGateway
	weather *fakeForecaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	g := genkit.Init(context.Background())
	require.NotNil(t, g)

	mock := testutil.NewMockLLM("I am not sure how to help with that.")
	mock.RegisterModel(g)

	gw := newFakeGateway()
	weather := &fakeForecaster{payload: map[string]any{
		"current": map[string]any{"temperature_2m": 28.4},
	}}

	orch, err := turn.New(turn.Config{
		Genkit:   g,
		Models:   mockModels{},
		Gateway:  gw,
		Weather:  weather,
		Logger:   log.NewNop(),
		MaxTurns: 5,
	})
	require.NoError(t, err)

	return &fixture{orch: orch, mock: mock, gateway: gw, weather: weather}
}

func runTurn(t *testing.T, f *fixture, userText string) (*recordingEmitter, turn.Input) {
	t.Helper()
	input := turn.Input{
		ChatID:   uuid.New(),
		UserID:   uuid.New(),
		UserText: userText,
		Roster:   registry.DefaultRoster(),
	}
	emitter := &recordingEmitter{}
	require.NoError(t, f.orch.Run(context.Background(), input, emitter))
	return emitter, input
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := turn.New(turn.Config{})
	require.Error(t, err)
}

func TestRunRejectsInvalidRoster(t *testing.T) {
	f := newFixture(t)
	input := turn.Input{
		ChatID:   uuid.New(),
		UserID:   uuid.New(),
		UserText: "hello",
		Roster:   registry.Roster{Chat: "no-such-model", Text: "gemini-flash", Code: "gemini-pro"},
	}
	err := f.orch.Run(context.Background(), input, &recordingEmitter{})
	require.ErrorIs(t, err, registry.ErrUnknownModel)
}

func TestRunStreamsTextTurn(t *testing.T) {
	f := newFixture(t)
	f.mock.AddStreamResponse("tell me a joke", []string{"Why did the gopher ", "cross the road?"})

	emitter, input := runTurn(t, f, "tell me a joke")

	assert.Equal(t, []turn.EventType{
		turn.EventUserMessageID,
		turn.EventTextDelta,
		turn.EventTextDelta,
		turn.EventMessageID,
	}, emitter.types())

	deltas := emitter.ofType(turn.EventTextDelta)
	assert.Equal(t, "Why did the gopher ", deltas[0].Data)
	assert.Equal(t, "cross the road?", deltas[1].Data)

	// Chat was created lazily with a generated title.
	chat, err := f.gateway.ChatByID(context.Background(), input.ChatID)
	require.NoError(t, err)
	assert.Equal(t, input.UserID, chat.UserID)
	assert.Equal(t, store.VisibilityPrivate, chat.Visibility)
	assert.NotEmpty(t, chat.Title)

	assert.Equal(t, []string{"user", "model"}, f.gateway.savedRoles())
}

func TestRunReusesExistingChat(t *testing.T) {
	f := newFixture(t)
	chatID := uuid.New()
	userID := uuid.New()
	f.gateway.chats[chatID] = &store.Chat{
		ID: chatID, Title: "Existing", UserID: userID,
		CreatedAt: time.Now().UTC(), Visibility: store.VisibilityPrivate,
	}

	input := turn.Input{ChatID: chatID, UserID: userID, UserText: "hello again", Roster: registry.DefaultRoster()}
	require.NoError(t, f.orch.Run(context.Background(), input, &recordingEmitter{}))

	assert.Zero(t, f.gateway.createChatCalls)
	assert.Equal(t, "Existing", f.gateway.chats[chatID].Title)
}

func TestRunWeatherTool(t *testing.T) {
	f := newFixture(t)
	f.mock.AddToolResponse("weather in taipei",
		[]*ai.ToolRequest{{
			Name:  "getWeather",
			Ref:   "call-1",
			Input: map[string]any{"latitude": 25.03, "longitude": 121.56},
		}},
		"It is 28 degrees in Taipei right now.")

	emitter, _ := runTurn(t, f, "what is the weather in taipei?")

	require.Len(t, f.weather.calls, 1)
	assert.InDelta(t, 25.03, f.weather.calls[0].Lat, 0.001)
	assert.InDelta(t, 121.56, f.weather.calls[0].Lon, 0.001)

	deltas := emitter.ofType(turn.EventTextDelta)
	require.NotEmpty(t, deltas)
	assert.Equal(t, "It is 28 degrees in Taipei right now.", deltas[len(deltas)-1].Data)

	// The tool round persists alongside the final answer.
	roles := f.gateway.savedRoles()
	assert.Equal(t, []string{"user", "model", "tool", "model"}, roles)

	annotations := emitter.ofType(turn.EventMessageID)
	assert.Len(t, annotations, 2)
}

func TestRunCreateCodeDocument(t *testing.T) {
	f := newFixture(t)
	// The nested rule keys on the tool's description, which only appears in
	// the composed document prompt, never in the outer user message.
	f.mock.AddStreamResponse("prints the first n numbers", []string{"def fib(n):\n", "    return n"})
	f.mock.AddToolResponse("write a fibonacci script",
		[]*ai.ToolRequest{{
			Name: "createDocument",
			Ref:  "call-1",
			Input: map[string]any{
				"title":       "Fibonacci",
				"kind":        "code",
				"description": "A script that prints the first n numbers of the sequence",
			},
		}},
		"I created a Fibonacci script for you.")

	emitter, _ := runTurn(t, f, "please write a fibonacci script")

	types := emitter.types()
	assert.Equal(t, []turn.EventType{
		turn.EventUserMessageID,
		turn.EventDocumentID,
		turn.EventDocumentTitle,
		turn.EventDocumentKind,
		turn.EventClear,
		turn.EventCodeDelta,
		turn.EventCodeDelta,
		turn.EventFinish,
		turn.EventTextDelta,
		turn.EventMessageID,
		turn.EventMessageID,
	}, types)

	assert.Equal(t, "Fibonacci", emitter.ofType(turn.EventDocumentTitle)[0].Data)
	assert.Equal(t, "code", emitter.ofType(turn.EventDocumentKind)[0].Data)

	require.Len(t, f.gateway.documents, 1)
	doc := f.gateway.documents[0]
	assert.Equal(t, "Fibonacci", doc.Title)
	assert.Equal(t, store.KindCode, doc.Kind)
	assert.Equal(t, "def fib(n):\n    return n", doc.Content)
}

func TestRunCreateDocumentPromptCarriesDescription(t *testing.T) {
	f := newFixture(t)
	f.mock.AddStreamResponse("falling leaves in october", []string{"Leaves drift down."})
	f.mock.AddToolResponse("write a poem",
		[]*ai.ToolRequest{{
			Name: "createDocument",
			Ref:  "call-1",
			Input: map[string]any{
				"title":       "Autumn",
				"kind":        "text",
				"description": "A short poem about falling leaves in October",
			},
		}},
		"I wrote the poem for you.")

	runTurn(t, f, "write a poem about autumn for me")

	// The nested generation's prompt combines the tool arguments with the
	// user's own request.
	var nested *testutil.MockCall
	calls := f.mock.Calls()
	for i := range calls {
		if strings.Contains(calls[i].UserMessage, "Autumn") {
			nested = &calls[i]
			break
		}
	}
	require.NotNil(t, nested, "no nested document generation was made")
	assert.Contains(t, nested.UserMessage, "Autumn")
	assert.Contains(t, nested.UserMessage, "A short poem about falling leaves in October")
	assert.Contains(t, nested.UserMessage, "write a poem about autumn for me")

	require.Len(t, f.gateway.documents, 1)
	assert.Equal(t, "Leaves drift down.", f.gateway.documents[0].Content)
}

func TestRunUpdateDocument(t *testing.T) {
	f := newFixture(t)
	docID := uuid.New()
	f.gateway.documents = append(f.gateway.documents, &store.Document{
		ID:        docID,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		Title:     "Essay",
		Content:   "A first draft.",
		Kind:      store.KindText,
		UserID:    uuid.New(),
	})

	f.mock.AddToolResponse("make it formal",
		[]*ai.ToolRequest{{
			Name:  "updateDocument",
			Ref:   "call-1",
			Input: map[string]any{"id": docID.String(), "description": "rewrite formally"},
		}},
		"The essay has been updated.")
	f.mock.AddStreamResponse("rewrite formally", []string{"A refined draft."})

	emitter, _ := runTurn(t, f, "make it formal please")

	clears := emitter.ofType(turn.EventClear)
	require.Len(t, clears, 1)
	assert.Equal(t, "Essay", clears[0].Data)
	assert.Len(t, emitter.ofType(turn.EventFinish), 1)

	require.Len(t, f.gateway.documents, 2)
	latest, err := f.gateway.LatestDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "A refined draft.", latest.Content)
	assert.Equal(t, "Essay", latest.Title)
}

func TestRunUpdateMissingDocument(t *testing.T) {
	f := newFixture(t)
	f.mock.AddToolResponse("update the doc",
		[]*ai.ToolRequest{{
			Name:  "updateDocument",
			Ref:   "call-1",
			Input: map[string]any{"id": uuid.NewString(), "description": "anything"},
		}},
		"I could not find that document.")

	emitter, _ := runTurn(t, f, "update the doc")

	// Tool reports the failure to the model; the turn still completes.
	assert.Empty(t, emitter.ofType(turn.EventClear))
	assert.Empty(t, f.gateway.documents)
	deltas := emitter.ofType(turn.EventTextDelta)
	require.NotEmpty(t, deltas)
	assert.Equal(t, "I could not find that document.", deltas[len(deltas)-1].Data)
}

func TestRunRequestSuggestions(t *testing.T) {
	f := newFixture(t)
	docID := uuid.New()
	version := time.Now().UTC().Add(-time.Minute)
	f.gateway.documents = append(f.gateway.documents, &store.Document{
		ID:        docID,
		CreatedAt: version,
		Title:     "Essay",
		Content:   "The cat sat on the mat. It was very good.",
		Kind:      store.KindText,
		UserID:    uuid.New(),
	})

	f.mock.AddToolResponse("suggestions",
		[]*ai.ToolRequest{{
			Name:  "requestSuggestions",
			Ref:   "call-1",
			Input: map[string]any{"documentId": docID.String()},
		}},
		"I added two suggestions.")
	// Chunks split one NDJSON line mid-object to exercise buffering.
	f.mock.AddStreamResponse("the cat sat", []string{
		`{"originalSentence":"The cat sat on the mat.",`,
		`"suggestedSentence":"The cat lounged on the mat.","description":"More vivid."}` + "\n",
		`{"originalSentence":"It was very good.","suggestedSentence":"It was delightful.","description":"Stronger word."}`,
	})

	emitter, _ := runTurn(t, f, "any suggestions for my essay?")

	events := emitter.ofType(turn.EventSuggestion)
	require.Len(t, events, 2)

	require.Len(t, f.gateway.suggestions, 2)
	first := f.gateway.suggestions[0]
	assert.Equal(t, docID, first.DocumentID)
	assert.True(t, first.DocumentCreatedAt.Equal(version))
	assert.Equal(t, "The cat sat on the mat.", first.OriginalText)
	assert.Equal(t, "The cat lounged on the mat.", first.SuggestedText)
	assert.Equal(t, "More vivid.", first.Description)
}

func TestRunSwallowsPersistenceFailureAfterStream(t *testing.T) {
	f := newFixture(t)
	f.mock.AddStreamResponse("hello", []string{"Hi!"})
	// First SaveMessages stores the user message; the second, after the
	// stream, fails.
	f.gateway.failMessagesFrom = 2

	emitter, _ := runTurn(t, f, "hello")

	assert.NotEmpty(t, emitter.ofType(turn.EventTextDelta))
	assert.Empty(t, emitter.ofType(turn.EventMessageID))
}

func TestGenerateTitleFallsBackWithoutModel(t *testing.T) {
	f := newFixture(t)
	// No rule matches, so the mock returns its fallback text as the title
	// candidate; an empty fallback would trigger truncation instead.
	title := f.orch.GenerateTitle(context.Background(), registry.DefaultRoster().ChatModel(),
		"what is the capital of france?")
	assert.NotEmpty(t, title)
	assert.LessOrEqual(t, len([]rune(title)), 80)
	assert.NotContains(t, title, `"`)
	assert.NotContains(t, title, ":")
}
