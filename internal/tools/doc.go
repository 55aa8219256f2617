// Package tools holds the set of tools a model may call and dispatches calls
// by name.
//
// A Registry is populated at startup with in-process tools (see
// internal/builtins) and at runtime with tools declared by connected peers
// (see internal/peer). Registration is last-write-wins: re-adding a name
// replaces the implementation but keeps its original position, so List
// always reflects first-registration order.
//
// Tool failures are values, not panics. Call returns ErrToolNotFound for
// unknown names and passes tool errors through for the caller to fold into
// conversation state.
package tools
