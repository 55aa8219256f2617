// ABOUTME: SQLite implementation for per-turn token usage tracking
// ABOUTME: Stores and aggregates token consumption reported by backends

package store

import (
	"context"
	"fmt"
	"time"
)

// SaveTurnUsage stores a usage record.
func (s *SQLiteStore) SaveTurnUsage(ctx context.Context, u *TurnUsage) error {
	query := `
		INSERT INTO turn_usage (
			id, session_key, response_id, model,
			prompt_tokens, completion_tokens, total_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.SessionKey,
		u.ResponseID,
		u.Model,
		u.PromptTokens,
		u.CompletionTokens,
		u.TotalTokens,
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved turn usage",
		"id", u.ID,
		"session", u.SessionKey,
		"total_tokens", u.TotalTokens,
	)
	return nil
}

// ListSessionUsage returns the usage records of a session, oldest first.
func (s *SQLiteStore) ListSessionUsage(ctx context.Context, sessionKey string) ([]*TurnUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, response_id, model,
		       prompt_tokens, completion_tokens, total_tokens, created_at
		FROM turn_usage
		WHERE session_key = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TurnUsage
	for rows.Next() {
		var u TurnUsage
		var createdAt string
		if err := rows.Scan(&u.ID, &u.SessionKey, &u.ResponseID, &u.Model,
			&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionKey != nil {
		query += " AND session_key = ?"
		args = append(args, *filter.SessionKey)
	}
	if filter.Model != nil {
		query += " AND model = ?"
		args = append(args, *filter.Model)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.PromptTokens,
		&stats.CompletionTokens,
		&stats.TotalTokens,
		&stats.Turns,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}
