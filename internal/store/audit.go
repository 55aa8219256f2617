// ABOUTME: SQLite implementation of the tool-call audit log
// ABOUTME: Records each tool invocation with its status, output and duration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// defaultAuditLimit bounds ListToolCalls when no limit is given.
const defaultAuditLimit = 100

// maxAuditOutput truncates stored tool output.
const maxAuditOutput = 4096

// SaveToolCall appends a record to the audit log.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, rec *ToolCallRecord) error {
	output := rec.Output
	if len(output) > maxAuditOutput {
		output = output[:maxAuditOutput]
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (
			id, session_key, call_id, tool_name, arguments,
			status, output, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.SessionKey,
		nullString(rec.CallID),
		rec.ToolName,
		nullString(rec.Arguments),
		rec.Status,
		nullString(output),
		rec.DurationMS,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns audit records, newest first.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, filter ToolCallFilter) ([]*ToolCallRecord, error) {
	query := `
		SELECT id, session_key, call_id, tool_name, arguments,
		       status, output, duration_ms, created_at
		FROM tool_calls
		WHERE 1=1
	`
	args := []any{}
	if filter.SessionKey != "" {
		query += " AND session_key = ?"
		args = append(args, filter.SessionKey)
	}
	if filter.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, filter.ToolName)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ToolCallRecord
	for rows.Next() {
		var (
			rec                     ToolCallRecord
			callID, argsText, outpt sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &callID, &rec.ToolName, &argsText,
			&rec.Status, &outpt, &rec.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tool call row: %w", err)
		}
		rec.CallID = callID.String
		rec.Arguments = argsText.String
		rec.Output = outpt.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CountToolCalls returns the number of audited calls per status.
func (s *SQLiteStore) CountToolCalls(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tool_calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
