// ABOUTME: Usage pack exposes token usage totals and the tool-call audit log.
// ABOUTME: Lets a model inspect what its session has consumed and called.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// UsageStore is the persistence used by the usage pack.
type UsageStore interface {
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
	ListToolCalls(ctx context.Context, filter store.ToolCallFilter) ([]*store.ToolCallRecord, error)
}

const maxHistoryLimit = 100

// UsagePack creates the usage pack.
func UsagePack(s UsageStore) *Pack {
	u := &usageHandlers{store: s}
	return &Pack{
		ID: "builtin:usage",
		Tools: []*Tool{
			newTool("usage_stats", "Token usage totals for this session, or all sessions",
				`{"type":"object","properties":{"scope":{"type":"string","enum":["session","all"]},"since":{"type":"string","format":"date-time"}}}`,
				u.Stats),
			newTool("tool_history", "Recent tool calls made in this session",
				`{"type":"object","properties":{"tool_name":{"type":"string"},"limit":{"type":"integer"}}}`,
				u.History),
		},
	}
}

type usageHandlers struct {
	store UsageStore
}

type usageStatsInput struct {
	Scope string `json:"scope"`
	Since string `json:"since"`
}

func (u *usageHandlers) Stats(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error) {
	var in usageStatsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	var filter store.UsageFilter
	switch in.Scope {
	case "", "session":
		in.Scope = "session"
		filter.SessionKey = &sessionKey
	case "all":
	default:
		return nil, fmt.Errorf("scope must be \"session\" or \"all\", got %q", in.Scope)
	}
	if in.Since != "" {
		since, err := time.Parse(time.RFC3339, in.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since: %w", err)
		}
		filter.Since = &since
	}

	stats, err := u.store.GetUsageStats(ctx, filter)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"scope": in.Scope, "usage": stats})
}

type toolHistoryInput struct {
	ToolName string `json:"tool_name"`
	Limit    int    `json:"limit"`
}

type toolHistoryEntry struct {
	Tool       string    `json:"tool"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (u *usageHandlers) History(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error) {
	var in toolHistoryInput
	if err := decodeInput(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := u.store.ListToolCalls(ctx, store.ToolCallFilter{
		SessionKey: sessionKey,
		ToolName:   in.ToolName,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]toolHistoryEntry, len(records))
	for i, r := range records {
		entries[i] = toolHistoryEntry{
			Tool:       r.ToolName,
			Status:     r.Status,
			DurationMS: r.DurationMS,
			CreatedAt:  r.CreatedAt,
		}
	}

	return json.Marshal(map[string]any{"calls": entries, "count": len(entries)})
}
