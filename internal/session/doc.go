// Package session implements the conversational tool loop.
//
// A Session owns an append-only history guarded by a mutex. Each Chat call
// appends the inbound messages, asks the backend for a completion over a
// snapshot of the history (advertising the tool catalogue when the registry
// is non-empty), then executes the tool calls the model requested and folds
// their outcomes back into the history as user messages:
//
//	call tool result: <pretty JSON>    success, one per text part
//	tool call failed: <error>          the call returned an error
//	tool call failed, mcp call error   the tool reported isError
//
// Unknown tools are logged and skipped. Tool calls come from the structured
// tool_calls field or, when that is absent, from the plain-text grammar
// understood by ParseToolCalls.
//
// What Chat returns after tools ran is decided by the FollowupPolicy: the
// original response (NextTurn) or a second completion over the updated
// history (Reanswer).
//
// A Store hands out sessions by key: one shared session for every caller,
// or one per user bounded by an LRU capacity and an idle TTL.
package session
