// ABOUTME: Tests for the built-in tool packs.
// ABOUTME: Uses a real in-memory SQLite store for integration testing.

package builtins

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tools"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func findTool(pack *Pack, name string) *Tool {
	for _, tool := range pack.Tools {
		if tool.Def.Name == name {
			return tool
		}
	}
	return nil
}

// call runs a tool through the tools.Tool interface as a session would.
func call(t *testing.T, pack *Pack, name, sessionKey, input string) (map[string]any, error) {
	t.Helper()
	tool := findTool(pack, name)
	if tool == nil {
		t.Fatalf("%s not found in %s", name, pack.ID)
	}
	ctx := tools.WithSessionKey(context.Background(), sessionKey)
	res, err := tool.Call(ctx, json.RawMessage(input))
	if err != nil {
		return nil, err
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content part, got %d", len(res.Content))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out, nil
}

func TestNotesRoundTrip(t *testing.T) {
	pack := NotesPack(newTestStore(t))

	out, err := call(t, pack, "notes_set", "alice", `{"key":"color","value":"blue"}`)
	if err != nil {
		t.Fatalf("notes_set: %v", err)
	}
	if out["status"] != "saved" {
		t.Errorf("unexpected status: %v", out["status"])
	}

	out, err = call(t, pack, "notes_get", "alice", `{"key":"color"}`)
	if err != nil {
		t.Fatalf("notes_get: %v", err)
	}
	if out["value"] != "blue" {
		t.Errorf("unexpected value: %v", out["value"])
	}

	// Another session does not see alice's note.
	if _, err := call(t, pack, "notes_get", "bob", `{"key":"color"}`); err == nil {
		t.Error("expected not found for another session")
	}
}

func TestNotesListAndDelete(t *testing.T) {
	pack := NotesPack(newTestStore(t))

	out, err := call(t, pack, "notes_list", "s", `{}`)
	if err != nil {
		t.Fatalf("notes_list (empty): %v", err)
	}
	if out["count"].(float64) != 0 {
		t.Errorf("expected 0 notes, got %v", out["count"])
	}

	for _, in := range []string{`{"key":"b","value":"2"}`, `{"key":"a","value":"1"}`} {
		if _, err := call(t, pack, "notes_set", "s", in); err != nil {
			t.Fatalf("notes_set: %v", err)
		}
	}

	out, err = call(t, pack, "notes_list", "s", ``)
	if err != nil {
		t.Fatalf("notes_list: %v", err)
	}
	keys := out["keys"].([]any)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if _, err := call(t, pack, "notes_delete", "s", `{"key":"a"}`); err != nil {
		t.Fatalf("notes_delete: %v", err)
	}
	if _, err := call(t, pack, "notes_delete", "s", `{"key":"a"}`); err == nil {
		t.Error("expected error deleting missing note")
	}
}

func TestNotesInvalidInput(t *testing.T) {
	pack := NotesPack(newTestStore(t))

	tests := []struct {
		name  string
		tool  string
		input string
	}{
		{"malformed json", "notes_set", `{bad`},
		{"missing key", "notes_set", `{"value":"x"}`},
		{"get without key", "notes_get", `{}`},
		{"delete without key", "notes_delete", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := call(t, pack, tt.tool, "s", tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUsageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, u := range []*store.TurnUsage{
		{ID: "u1", SessionKey: "alice", Model: "m", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CreatedAt: time.Now()},
		{ID: "u2", SessionKey: "alice", Model: "m", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, CreatedAt: time.Now()},
		{ID: "u3", SessionKey: "bob", Model: "m", PromptTokens: 100, CompletionTokens: 0, TotalTokens: 100, CreatedAt: time.Now()},
	} {
		if err := s.SaveTurnUsage(ctx, u); err != nil {
			t.Fatalf("SaveTurnUsage: %v", err)
		}
	}
	pack := UsagePack(s)

	out, err := call(t, pack, "usage_stats", "alice", `{}`)
	if err != nil {
		t.Fatalf("usage_stats: %v", err)
	}
	usage := out["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 17 || usage["turns"].(float64) != 2 {
		t.Errorf("unexpected session usage: %v", usage)
	}

	out, err = call(t, pack, "usage_stats", "alice", `{"scope":"all"}`)
	if err != nil {
		t.Fatalf("usage_stats all: %v", err)
	}
	usage = out["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 117 {
		t.Errorf("unexpected total usage: %v", usage)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	out, err = call(t, pack, "usage_stats", "alice", `{"since":"`+future+`"}`)
	if err != nil {
		t.Fatalf("usage_stats since: %v", err)
	}
	usage = out["usage"].(map[string]any)
	if usage["turns"].(float64) != 0 {
		t.Errorf("expected no turns after %s, got %v", future, usage["turns"])
	}

	if _, err := call(t, pack, "usage_stats", "alice", `{"scope":"galaxy"}`); err == nil {
		t.Error("expected error for unknown scope")
	}
	if _, err := call(t, pack, "usage_stats", "alice", `{"since":"yesterday"}`); err == nil {
		t.Error("expected error for bad since")
	}
}

func TestToolHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, name := range []string{"notes_set", "current_time", "notes_get"} {
		rec := &store.ToolCallRecord{
			ID:         name,
			SessionKey: "alice",
			ToolName:   name,
			Status:     store.ToolStatusOK,
			DurationMS: int64(i),
			CreatedAt:  time.Now(),
		}
		if err := s.SaveToolCall(ctx, rec); err != nil {
			t.Fatalf("SaveToolCall: %v", err)
		}
	}
	pack := UsagePack(s)

	out, err := call(t, pack, "tool_history", "alice", `{}`)
	if err != nil {
		t.Fatalf("tool_history: %v", err)
	}
	if out["count"].(float64) != 3 {
		t.Errorf("expected 3 calls, got %v", out["count"])
	}

	out, err = call(t, pack, "tool_history", "alice", `{"tool_name":"current_time"}`)
	if err != nil {
		t.Fatalf("tool_history filtered: %v", err)
	}
	calls := out["calls"].([]any)
	if len(calls) != 1 || calls[0].(map[string]any)["tool"] != "current_time" {
		t.Errorf("unexpected calls: %v", calls)
	}

	out, err = call(t, pack, "tool_history", "bob", `{}`)
	if err != nil {
		t.Fatalf("tool_history bob: %v", err)
	}
	if out["count"].(float64) != 0 {
		t.Errorf("expected no calls for bob, got %v", out["count"])
	}
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	pack := ClockPack(func() time.Time { return fixed })

	out, err := call(t, pack, "current_time", "s", `{}`)
	if err != nil {
		t.Fatalf("current_time: %v", err)
	}
	if out["time"] != "2024-03-10T12:00:00Z" {
		t.Errorf("unexpected time: %v", out["time"])
	}
	if out["weekday"] != "Sunday" {
		t.Errorf("unexpected weekday: %v", out["weekday"])
	}

	if _, err := call(t, pack, "current_time", "s", `{"timezone":"Mars/Olympus"}`); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestRegister(t *testing.T) {
	s := newTestStore(t)
	reg := tools.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	Register(reg, NotesPack(s), UsagePack(s), ClockPack(nil))

	want := []string{"notes_set", "notes_get", "notes_list", "notes_delete", "usage_stats", "tool_history", "current_time"}
	defs := reg.List()
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("tool %d: expected %s, got %s", i, want[i], def.Name)
		}
	}

	// Calls through the registry without a session land in the default namespace.
	if _, err := reg.Call(context.Background(), "notes_set", json.RawMessage(`{"key":"k","value":"v"}`)); err != nil {
		t.Fatalf("registry call: %v", err)
	}
	note, err := s.GetNote(context.Background(), tools.DefaultSessionKey, "k")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.Value != "v" {
		t.Errorf("unexpected note value: %s", note.Value)
	}
}
