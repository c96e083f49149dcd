package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillchat/quill/internal/log"
)

// Store manages persistence with a PostgreSQL backend.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a new Store instance.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// EnsureUser creates the owner row if it does not exist yet. Identities are
// minted client-side as signed cookies, so the first write from a new user
// has to create the row on demand.
func (s *Store) EnsureUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		toPgUUID(userID))
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", userID, err)
	}
	return nil
}

// CreateChat inserts a new chat.
func (s *Store) CreateChat(ctx context.Context, chat *Chat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, created_at, title, user_id, visibility)
		 VALUES ($1, $2, $3, $4, $5)`,
		toPgUUID(chat.ID), chat.CreatedAt, chat.Title, toPgUUID(chat.UserID), string(chat.Visibility))
	if err != nil {
		return fmt.Errorf("creating chat %s: %w", chat.ID, err)
	}

	s.logger.Debug("created chat", "id", chat.ID, "title", chat.Title)
	return nil
}

// ChatByID retrieves a chat. Returns ErrNotFound if it does not exist.
func (s *Store) ChatByID(ctx context.Context, id uuid.UUID) (*Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, created_at, title, user_id, visibility
		 FROM chats WHERE id = $1`, toPgUUID(id))

	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting chat %s: %w", id, err)
	}
	return chat, nil
}

// ChatsByUser lists a user's chats, newest first.
func (s *Store) ChatsByUser(ctx context.Context, userID uuid.UUID) ([]*Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, title, user_id, visibility
		 FROM chats WHERE user_id = $1 ORDER BY created_at DESC`, toPgUUID(userID))
	if err != nil {
		return nil, fmt.Errorf("listing chats for user %s: %w", userID, err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing chats for user %s: %w", userID, err)
	}
	return chats, nil
}

// UpdateChatVisibility flips a chat between private and public.
func (s *Store) UpdateChatVisibility(ctx context.Context, chatID uuid.UUID, visibility Visibility) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET visibility = $2 WHERE id = $1`,
		toPgUUID(chatID), string(visibility))
	if err != nil {
		return fmt.Errorf("updating visibility for chat %s: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// DeleteChat removes a chat with its votes and messages, in FK order, inside
// one transaction.
func (s *Store) DeleteChat(ctx context.Context, chatID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	for _, q := range []string{
		`DELETE FROM votes WHERE chat_id = $1`,
		`DELETE FROM messages WHERE chat_id = $1`,
		`DELETE FROM chats WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, toPgUUID(chatID)); err != nil {
			return fmt.Errorf("deleting chat %s: %w", chatID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chat delete: %w", err)
	}

	s.logger.Debug("deleted chat", "id", chatID)
	return nil
}

// SaveMessages inserts messages in one transaction. Content parts are
// validated for nil entries before marshaling to JSONB.
func (s *Store) SaveMessages(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	for i, msg := range messages {
		for j, part := range msg.Content {
			if part == nil {
				return fmt.Errorf("message %d has nil content at index %d", i, j)
			}
		}

		contentJSON, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("marshaling content of message %d: %w", i, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, chat_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			toPgUUID(msg.ID), toPgUUID(msg.ChatID), msg.Role, contentJSON, msg.CreatedAt); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("saved messages", "chat_id", messages[0].ChatID, "count", len(messages))
	return nil
}

// MessagesByChat returns a chat's messages in chronological order.
func (s *Store) MessagesByChat(ctx context.Context, chatID uuid.UUID) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, role, content, created_at
		 FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`, toPgUUID(chatID))
	if err != nil {
		return nil, fmt.Errorf("listing messages for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			// Skip rows whose JSONB no longer deserializes; the rest of
			// the history is still usable.
			s.logger.Warn("skipping unreadable message", "chat_id", chatID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing messages for chat %s: %w", chatID, err)
	}
	return messages, nil
}

// MessageByID retrieves a single message.
func (s *Store) MessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_id, role, content, created_at
		 FROM messages WHERE id = $1`, toPgUUID(id))

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return msg, nil
}

// DeleteMessagesAfter removes a chat's messages created at or after the
// given timestamp, with their votes. Used when a user edits or regenerates
// from an earlier point.
func (s *Store) DeleteMessagesAfter(ctx context.Context, chatID uuid.UUID, after time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM votes WHERE chat_id = $1 AND message_id IN (
		   SELECT id FROM messages WHERE chat_id = $1 AND created_at >= $2)`,
		toPgUUID(chatID), after); err != nil {
		return fmt.Errorf("deleting trailing votes for chat %s: %w", chatID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND created_at >= $2`,
		toPgUUID(chatID), after); err != nil {
		return fmt.Errorf("deleting trailing messages for chat %s: %w", chatID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing trailing delete: %w", err)
	}
	return nil
}

// UpsertVote records a thumbs up or down, replacing any previous vote for
// the same message.
func (s *Store) UpsertVote(ctx context.Context, vote *Vote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO votes (chat_id, message_id, is_upvoted)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, message_id) DO UPDATE SET is_upvoted = EXCLUDED.is_upvoted`,
		toPgUUID(vote.ChatID), toPgUUID(vote.MessageID), vote.IsUpvoted)
	if err != nil {
		return fmt.Errorf("upserting vote for message %s: %w", vote.MessageID, err)
	}
	return nil
}

// VotesByChat lists all votes in a chat.
func (s *Store) VotesByChat(ctx context.Context, chatID uuid.UUID) ([]*Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id = $1`, toPgUUID(chatID))
	if err != nil {
		return nil, fmt.Errorf("listing votes for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var votes []*Vote
	for rows.Next() {
		var (
			chatID    pgtype.UUID
			messageID pgtype.UUID
			v         Vote
		)
		if err := rows.Scan(&chatID, &messageID, &v.IsUpvoted); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		v.ChatID = fromPgUUID(chatID)
		v.MessageID = fromPgUUID(messageID)
		votes = append(votes, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing votes for chat %s: %w", chatID, err)
	}
	return votes, nil
}

// rollback rolls a transaction back, logging only unexpected failures.
func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("transaction rollback failed", "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var (
		id     pgtype.UUID
		userID pgtype.UUID
		chat   Chat
		vis    string
	)
	if err := row.Scan(&id, &chat.CreatedAt, &chat.Title, &userID, &vis); err != nil {
		return nil, err
	}
	chat.ID = fromPgUUID(id)
	chat.UserID = fromPgUUID(userID)
	chat.Visibility = Visibility(vis)
	return &chat, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		id          pgtype.UUID
		chatID      pgtype.UUID
		msg         Message
		contentJSON []byte
	)
	if err := row.Scan(&id, &chatID, &msg.Role, &contentJSON, &msg.CreatedAt); err != nil {
		return nil, err
	}

	var content []*ai.Part
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return nil, fmt.Errorf("unmarshaling content: %w", err)
	}

	msg.ID = fromPgUUID(id)
	msg.ChatID = fromPgUUID(chatID)
	msg.Content = content
	return &msg, nil
}

// toPgUUID converts uuid.UUID to pgtype.UUID.
func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// fromPgUUID converts pgtype.UUID to uuid.UUID.
func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
