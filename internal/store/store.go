// ABOUTME: Record types and sentinel errors for the SQLite store.
// ABOUTME: Turn usage, tool-call audit records, notes, and aggregate stats.

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tool call statuses recorded in the audit log.
const (
	ToolStatusOK       = "ok"
	ToolStatusError    = "error"
	ToolStatusNotFound = "not_found"
)

// TurnUsage is the token usage of one backend completion.
type TurnUsage struct {
	ID               string
	SessionKey       string
	ResponseID       string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// ToolCallRecord is one audited tool invocation.
type ToolCallRecord struct {
	ID         string
	SessionKey string
	CallID     string
	ToolName   string
	Arguments  string
	Status     string
	Output     string
	DurationMS int64
	CreatedAt  time.Time
}

// Note is a key/value note scoped to a namespace (usually a session key).
type Note struct {
	Namespace string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageFilter narrows usage statistics. Nil fields are not applied.
type UsageFilter struct {
	SessionKey *string
	Model      *string
	Since      *time.Time
	Until      *time.Time
}

// UsageStats aggregates token usage.
type UsageStats struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Turns            int64 `json:"turns"`
}

// ToolCallFilter narrows audit queries.
type ToolCallFilter struct {
	SessionKey string
	ToolName   string
	Limit      int
}
