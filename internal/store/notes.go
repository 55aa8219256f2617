// ABOUTME: SQLite implementation of namespaced key/value notes
// ABOUTME: Backs the notes builtin tools

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetNote creates or updates a note.
func (s *SQLiteStore) SetNote(ctx context.Context, note *Note) error {
	now := time.Now().UTC()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (namespace, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, note.Namespace, note.Key, note.Value, note.CreatedAt.Format(time.RFC3339), note.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by namespace and key.
func (s *SQLiteStore) GetNote(ctx context.Context, namespace, key string) (*Note, error) {
	var n Note
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, created_at, updated_at
		FROM notes WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&n.Namespace, &n.Key, &n.Value, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying note: %w", err)
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &n, nil
}

// ListNotes lists all notes in a namespace ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, namespace string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, value, created_at, updated_at
		FROM notes WHERE namespace = ?
		ORDER BY key ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notes []*Note
	for rows.Next() {
		var n Note
		var createdAt, updatedAt string
		if err := rows.Scan(&n.Namespace, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// DeleteNote deletes a note by namespace and key.
func (s *SQLiteStore) DeleteNote(ctx context.Context, namespace, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
