// Package builtins provides the gateway's in-process tool packs.
//
// # Overview
//
// Built-in tools run inside the gateway and are added to the same registry as
// peer-owned tools, so models and protocol clients see one catalogue.
//
// # Tool Packs
//
// Notes Pack (builtin:notes):
//
//   - notes_set: Store a note
//   - notes_get: Retrieve a note
//   - notes_list: List note keys
//   - notes_delete: Delete a note
//
// Usage Pack (builtin:usage):
//
//   - usage_stats: Token usage totals for this session or all sessions
//   - tool_history: Recent tool calls from the audit log
//
// Clock Pack (builtin:clock):
//
//   - current_time: Current time, optionally in a named time zone
//
// # Registration
//
//	builtins.Register(registry, builtins.NotesPack(db), builtins.UsagePack(db), builtins.ClockPack(nil))
//
// # Scoping
//
// Handlers receive the calling session key (see tools.SessionKey). Notes and
// session usage are scoped by it; calls made outside a session share the
// tools.DefaultSessionKey namespace.
package builtins
