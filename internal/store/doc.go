// Package store provides persistent storage for the gateway using SQLite.
//
// # Scope
//
// Conversation history is deliberately not persisted; sessions live in
// memory. The store keeps the operational record around them:
//
//   - TurnUsage: token counts reported for each backend completion
//   - ToolCallRecord: an audit log of every tool invocation and its outcome
//   - Note: small key/value notes written by the notes builtin tools
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (pure Go) with WAL mode for concurrent
// reads:
//
//	PRAGMA journal_mode=WAL;
//
// The schema is created on open; parent directories are created as needed.
//
// # Error Handling
//
//   - ErrNotFound: requested note does not exist
//
// Timestamps are stored as RFC3339 UTC strings.
package store
