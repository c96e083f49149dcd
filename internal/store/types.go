// Package store persists chats, messages, votes, documents and suggestions
// in PostgreSQL.
//
// Documents are versioned: every save appends a row keyed by (id, created_at)
// and reads resolve to the newest version unless a history is requested.
// Suggestions pin the exact document version they were generated against.
//
// Store is safe for concurrent use by multiple goroutines.
package store

import (
	"errors"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Visibility controls who may read a chat.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// DocumentKind distinguishes prose documents from code documents.
type DocumentKind string

const (
	KindText DocumentKind = "text"
	KindCode DocumentKind = "code"
)

// Chat is one conversation owned by a user.
type Chat struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	Title      string
	UserID     uuid.UUID
	Visibility Visibility
}

// Message is one turn entry. Content is the full multi-part payload
// (text, tool requests, tool responses) stored as JSONB.
type Message struct {
	ID        uuid.UUID
	ChatID    uuid.UUID
	Role      string
	Content   []*ai.Part
	CreatedAt time.Time
}

// Vote is a per-message thumbs up or down. One vote per (chat, message).
type Vote struct {
	ChatID    uuid.UUID
	MessageID uuid.UUID
	IsUpvoted bool
}

// Document is one version of an artifact. All versions share ID; CreatedAt
// disambiguates.
type Document struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Title     string
	Content   string
	Kind      DocumentKind
	UserID    uuid.UUID
}

// Suggestion is one proposed edit against a specific document version.
type Suggestion struct {
	ID                uuid.UUID
	DocumentID        uuid.UUID
	DocumentCreatedAt time.Time
	OriginalText      string
	SuggestedText     string
	Description       string
	IsResolved        bool
	UserID            uuid.UUID
	CreatedAt         time.Time
}
