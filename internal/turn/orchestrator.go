package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
	"github.com/quillchat/quill/internal/store"
)

// ErrGeneration wraps provider failures during model generation.
var ErrGeneration = errors.New("generation failed")

// Gateway is the persistence contract the orchestrator needs. The store
// satisfies it; tests use an in-memory fake.
type Gateway interface {
	EnsureUser(ctx context.Context, userID uuid.UUID) error
	ChatByID(ctx context.Context, id uuid.UUID) (*store.Chat, error)
	CreateChat(ctx context.Context, chat *store.Chat) error
	SaveMessages(ctx context.Context, messages []*store.Message) error
	LatestDocument(ctx context.Context, id uuid.UUID) (*store.Document, error)
	SaveDocument(ctx context.Context, doc *store.Document) error
	SaveSuggestions(ctx context.Context, suggestions []*store.Suggestion) error
}

// OptionsSource maps a catalog model onto generate options.
type OptionsSource interface {
	Options(d registry.Descriptor) ([]ai.GenerateOption, error)
}

// Forecaster fetches weather for the getWeather tool.
type Forecaster interface {
	Forecast(ctx context.Context, latitude, longitude float64) (map[string]any, error)
}

// Config contains all required parameters for the orchestrator.
type Config struct {
	Genkit   *genkit.Genkit
	Models   OptionsSource
	Gateway  Gateway
	Weather  Forecaster
	Logger   log.Logger
	MaxTurns int // maximum tool-loop rounds per turn
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.Models == nil {
		return errors.New("model options source is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Weather == nil {
		return errors.New("weather client is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator runs assistant turns. It is stateless across requests and
// safe for concurrent use; per-request state travels through the context.
type Orchestrator struct {
	g        *genkit.Genkit
	models   OptionsSource
	gateway  Gateway
	weather  Forecaster
	logger   log.Logger
	maxTurns int
	tools    []ai.ToolRef
}

// New creates the orchestrator and registers its tools with Genkit.
// Tools are registered once; per-request state reaches the handlers through
// the context.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 5
	}

	o := &Orchestrator{
		g:        cfg.Genkit,
		models:   cfg.Models,
		gateway:  cfg.Gateway,
		weather:  cfg.Weather,
		logger:   cfg.Logger,
		maxTurns: maxTurns,
	}
	o.tools = o.defineTools()
	return o, nil
}

// Input describes one assistant turn.
type Input struct {
	ChatID   uuid.UUID
	UserID   uuid.UUID
	History  []*ai.Message // prior chat messages, oldest first
	UserText string
	Roster   registry.Roster
}

// Run executes one turn: it validates the roster, lazily creates the chat,
// persists the user message, streams the chat model with tools enabled, and
// persists the outcome. Events reach the emitter in generation order.
//
// A persistence failure after the stream has delivered its content is logged
// and swallowed: the user already saw the response, failing the request
// would only force a retry that duplicates it.
func (o *Orchestrator) Run(ctx context.Context, input Input, emitter Emitter) error {
	if err := input.Roster.Validate(); err != nil {
		return fmt.Errorf("validating roster: %w", err)
	}

	chatModel := input.Roster.ChatModel()
	opts, err := o.models.Options(chatModel)
	if err != nil {
		return err
	}

	if err := o.gateway.EnsureUser(ctx, input.UserID); err != nil {
		return err
	}

	if _, err := o.gateway.ChatByID(ctx, input.ChatID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading chat: %w", err)
		}
		chat := &store.Chat{
			ID:         input.ChatID,
			CreatedAt:  time.Now().UTC(),
			Title:      o.GenerateTitle(ctx, chatModel, input.UserText),
			UserID:     input.UserID,
			Visibility: store.VisibilityPrivate,
		}
		if err := o.gateway.CreateChat(ctx, chat); err != nil {
			return fmt.Errorf("creating chat: %w", err)
		}
	}

	// The user message is saved before generation starts so it survives a
	// mid-stream failure, and its id goes out first.
	userMsg := &store.Message{
		ID:        uuid.New(),
		ChatID:    input.ChatID,
		Role:      string(ai.RoleUser),
		Content:   []*ai.Part{ai.NewTextPart(input.UserText)},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.gateway.SaveMessages(ctx, []*store.Message{userMsg}); err != nil {
		return fmt.Errorf("saving user message: %w", err)
	}

	st := &turnState{
		emitter:  emitter,
		userID:   input.UserID,
		chatID:   input.ChatID,
		roster:   input.Roster,
		userText: input.UserText,
	}
	if err := st.emit(ctx, EventUserMessageID, userMsg.ID.String()); err != nil {
		return err
	}
	ctx = contextWithState(ctx, st)

	messages := deepCopyMessages(input.History)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(input.UserText)))

	genOpts := append(opts,
		ai.WithSystem(systemPrompt),
		ai.WithMessages(messages...),
		ai.WithTools(o.tools...),
		ai.WithMaxTurns(o.maxTurns),
		ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return st.emit(cbCtx, EventTextDelta, text)
		}),
	)

	resp, err := genkit.Generate(ctx, o.g, genOpts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	o.persistOutcome(ctx, st, input.ChatID, resp)
	return nil
}

// persistOutcome saves the turn's model and tool messages and annotates the
// saved assistant messages with their ids. Failures here are logged, not
// returned; see Run.
func (o *Orchestrator) persistOutcome(ctx context.Context, st *turnState, chatID uuid.UUID, resp *ai.ModelResponse) {
	turnMessages := sanitizeMessages(collectTurnMessages(resp))
	if len(turnMessages) == 0 {
		o.logger.Warn("turn produced no persistable messages", "chat_id", chatID)
		return
	}

	// Sub-millisecond spacing keeps chronological order stable when rows
	// share a wall-clock instant.
	now := time.Now().UTC()
	records := make([]*store.Message, 0, len(turnMessages))
	for i, msg := range turnMessages {
		records = append(records, &store.Message{
			ID:        uuid.New(),
			ChatID:    chatID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	if err := o.gateway.SaveMessages(ctx, records); err != nil {
		o.logger.Error("persisting turn messages", "chat_id", chatID, "error", err)
		return
	}

	for _, rec := range records {
		if rec.Role != string(ai.RoleModel) {
			continue
		}
		if err := st.emit(ctx, EventMessageID, rec.ID.String()); err != nil {
			o.logger.Warn("emitting message id annotation", "chat_id", chatID, "error", err)
			return
		}
	}
}

// collectTurnMessages extracts the messages this turn generated: everything
// the tool loop appended after the last user message, plus the final model
// message.
func collectTurnMessages(resp *ai.ModelResponse) []*ai.Message {
	var out []*ai.Message
	if resp.Request != nil {
		msgs := resp.Request.Messages
		lastUser := -1
		for i, msg := range msgs {
			if msg.Role == ai.RoleUser {
				lastUser = i
			}
		}
		out = append(out, msgs[lastUser+1:]...)
	}
	if resp.Message != nil {
		out = append(out, resp.Message)
	}
	return out
}

// deepCopyMessages creates independent copies of Message and Part structs.
//
// Genkit's renderMessages() modifies msg.Content in-place, so concurrent
// turns sharing history objects would race. Verified against
// github.com/firebase/genkit/go v1.4.0.
func deepCopyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			parts[j] = deepCopyPart(part)
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: shallowCopyMap(msg.Metadata),
		}
	}
	return copied
}

// deepCopyPart copies an ai.Part. ToolRequest.Input and ToolResponse.Output
// are reference copies; genkit only mutates the Content slice itself.
func deepCopyPart(p *ai.Part) *ai.Part {
	if p == nil {
		return nil
	}
	cp := &ai.Part{
		Kind:        p.Kind,
		ContentType: p.ContentType,
		Text:        p.Text,
		Custom:      shallowCopyMap(p.Custom),
		Metadata:    shallowCopyMap(p.Metadata),
	}
	if p.ToolRequest != nil {
		cp.ToolRequest = &ai.ToolRequest{
			Input: p.ToolRequest.Input,
			Name:  p.ToolRequest.Name,
			Ref:   p.ToolRequest.Ref,
		}
	}
	if p.ToolResponse != nil {
		cp.ToolResponse = &ai.ToolResponse{
			Name:   p.ToolResponse.Name,
			Output: p.ToolResponse.Output,
			Ref:    p.ToolResponse.Ref,
		}
	}
	return cp
}

func shallowCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
