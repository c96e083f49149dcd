package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// SaveDocument appends a new version. The (id, created_at) pair must be
// unique; callers stamp CreatedAt at save time.
func (s *Store) SaveDocument(ctx context.Context, doc *Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, created_at, title, content, kind, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		toPgUUID(doc.ID), doc.CreatedAt, doc.Title, doc.Content, string(doc.Kind), toPgUUID(doc.UserID))
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}

	s.logger.Debug("saved document version", "id", doc.ID, "kind", doc.Kind)
	return nil
}

// LatestDocument retrieves the newest version of a document.
func (s *Store) LatestDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, created_at, title, content, kind, user_id
		 FROM documents WHERE id = $1
		 ORDER BY created_at DESC LIMIT 1`, toPgUUID(id))

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return doc, nil
}

// DocumentVersions returns all versions of a document, oldest first.
func (s *Store) DocumentVersions(ctx context.Context, id uuid.UUID) ([]*Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, title, content, kind, user_id
		 FROM documents WHERE id = $1 ORDER BY created_at ASC`, toPgUUID(id))
	if err != nil {
		return nil, fmt.Errorf("listing versions of document %s: %w", id, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing versions of document %s: %w", id, err)
	}
	return docs, nil
}

// DeleteDocumentVersionsAfter removes versions newer than the given
// timestamp, deleting their suggestions first to honor the FK. Used to roll
// a document back to an earlier version.
func (s *Store) DeleteDocumentVersionsAfter(ctx context.Context, id uuid.UUID, after time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM suggestions WHERE document_id = $1 AND document_created_at > $2`,
		toPgUUID(id), after); err != nil {
		return fmt.Errorf("deleting suggestions of document %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND created_at > $2`,
		toPgUUID(id), after); err != nil {
		return fmt.Errorf("deleting versions of document %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing version delete: %w", err)
	}
	return nil
}

// SaveSuggestions inserts suggestions in one transaction.
func (s *Store) SaveSuggestions(ctx context.Context, suggestions []*Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	for i, sug := range suggestions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO suggestions
			   (id, document_id, document_created_at, original_text, suggested_text,
			    description, is_resolved, user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			toPgUUID(sug.ID), toPgUUID(sug.DocumentID), sug.DocumentCreatedAt,
			sug.OriginalText, sug.SuggestedText, sug.Description,
			sug.IsResolved, toPgUUID(sug.UserID), sug.CreatedAt); err != nil {
			return fmt.Errorf("inserting suggestion %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing suggestions: %w", err)
	}

	s.logger.Debug("saved suggestions", "document_id", suggestions[0].DocumentID, "count", len(suggestions))
	return nil
}

// SuggestionsByDocument lists suggestions across all versions of a document,
// oldest first.
func (s *Store) SuggestionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*Suggestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, document_created_at, original_text, suggested_text,
		        description, is_resolved, user_id, created_at
		 FROM suggestions WHERE document_id = $1 ORDER BY created_at ASC`, toPgUUID(documentID))
	if err != nil {
		return nil, fmt.Errorf("listing suggestions for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var suggestions []*Suggestion
	for rows.Next() {
		var (
			id     pgtype.UUID
			docID  pgtype.UUID
			userID pgtype.UUID
			desc   *string
			sug    Suggestion
		)
		if err := rows.Scan(&id, &docID, &sug.DocumentCreatedAt, &sug.OriginalText,
			&sug.SuggestedText, &desc, &sug.IsResolved, &userID, &sug.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		sug.ID = fromPgUUID(id)
		sug.DocumentID = fromPgUUID(docID)
		sug.UserID = fromPgUUID(userID)
		if desc != nil {
			sug.Description = *desc
		}
		suggestions = append(suggestions, &sug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing suggestions for document %s: %w", documentID, err)
	}
	return suggestions, nil
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		id      pgtype.UUID
		userID  pgtype.UUID
		content *string
		kind    string
		doc     Document
	)
	if err := row.Scan(&id, &doc.CreatedAt, &doc.Title, &content, &kind, &userID); err != nil {
		return nil, err
	}
	doc.ID = fromPgUUID(id)
	doc.UserID = fromPgUUID(userID)
	doc.Kind = DocumentKind(kind)
	if content != nil {
		doc.Content = *content
	}
	return &doc, nil
}
