// ABOUTME: Chat session holding shared history and running the tool loop.
// ABOUTME: Calls the backend, executes requested tools, and records outcomes in history.

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/backend"
	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tools"
)

// History message prefixes for tool outcomes.
const (
	toolResultPrefix = "call tool result: "
	toolFailedPrefix = "tool call failed: "
	toolErrorResult  = "tool call failed, mcp call error"
)

// Recorder persists per-turn usage and tool-call audit records.
type Recorder interface {
	SaveTurnUsage(ctx context.Context, u *store.TurnUsage) error
	SaveToolCall(ctx context.Context, rec *store.ToolCallRecord) error
}

// Config holds the collaborators and settings of a Session.
type Config struct {
	Backend  backend.Backend
	Tools    *tools.Registry
	Model    string
	Followup FollowupPolicy
	// DisableTools suppresses the tool catalogue even when tools exist.
	DisableTools bool
	// SystemPrompt, if set, seeds the history.
	SystemPrompt string
	Recorder     Recorder
	Logger       *slog.Logger
}

// Session is one conversation and its history.
type Session struct {
	key string
	cfg Config

	mu      sync.Mutex
	history []chat.Message

	logger *slog.Logger
}

// New creates a session identified by key.
func New(key string, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Followup == "" {
		cfg.Followup = NextTurn
	}
	s := &Session{
		key:    key,
		cfg:    cfg,
		logger: logger.With("component", "session", "session", key),
	}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, chat.Message{Role: chat.RoleSystem, Content: cfg.SystemPrompt})
	}
	return s
}

// Key returns the session's identifier.
func (s *Session) Key() string { return s.key }

// History returns a copy of the conversation so far.
func (s *Session) History() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendHistory(msgs ...chat.Message) {
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.mu.Unlock()
}

// Chat runs one turn. Backend errors fail the turn and are returned
// unchanged; tool failures never do.
//
// Under NextTurn the assistant reply is not kept: history gains the inbound
// messages and the tool outcomes only. Under Reanswer a turn that executed
// tools also keeps the reply, trimmed to the calls that ran, and answers
// each structured call with a tool message carrying its call ID.
func (s *Session) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	s.appendHistory(req.Messages...)

	resp, err := s.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := resp.FirstMessage()
	if msg == nil {
		return resp, nil
	}

	threaded := s.cfg.Followup == Reanswer && len(msg.ToolCalls) > 0
	reply := chat.Message{Role: chat.RoleAssistant, Content: msg.Content}
	var outcomes []chat.Message
	executed := 0
	for _, call := range extractToolCalls(msg) {
		texts, ok := s.runTool(ctx, call)
		if !ok {
			continue
		}
		executed++
		if threaded && call.ID != "" {
			reply.ToolCalls = append(reply.ToolCalls, call.ToolCall())
			outcomes = append(outcomes, chat.Message{
				Role:       chat.RoleTool,
				ToolCallID: call.ID,
				Content:    strings.Join(texts, "\n"),
			})
			continue
		}
		for _, text := range texts {
			outcomes = append(outcomes, chat.Message{Role: chat.RoleUser, Content: text})
		}
	}

	if executed == 0 {
		return resp, nil
	}
	if s.cfg.Followup != Reanswer {
		s.appendHistory(outcomes...)
		return resp, nil
	}

	s.appendHistory(append([]chat.Message{reply}, outcomes...)...)
	s.logger.Debug("re-asking backend after tool calls", "executed", executed)
	return s.complete(ctx, req)
}

// complete sends the current history to the backend and records usage.
func (s *Session) complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	model := s.cfg.Model
	if model == "" {
		model = req.Model
	}

	upstream := &chat.Request{
		Model:     model,
		Messages:  s.History(),
		User:      req.User,
		MaxTokens: req.MaxTokens,
	}
	if !s.cfg.DisableTools && s.cfg.Tools != nil && s.cfg.Tools.Len() > 0 {
		for _, def := range s.cfg.Tools.List() {
			upstream.Tools = append(upstream.Tools, def.ChatTool())
		}
	}

	start := time.Now()
	resp, err := s.cfg.Backend.Complete(ctx, upstream)
	if err != nil {
		s.logger.Warn("backend call failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	s.logger.Debug("backend call completed",
		"response_id", resp.ID,
		"tools_offered", len(upstream.Tools),
		"duration", time.Since(start),
	)
	s.recordUsage(ctx, model, resp)
	return resp, nil
}

// extractToolCalls prefers structured calls and falls back to the text grammar.
func extractToolCalls(msg *chat.Message) []ToolCallRequest {
	if len(msg.ToolCalls) > 0 {
		var calls []ToolCallRequest
		for _, tc := range msg.ToolCalls {
			if tc.Type != chat.ToolTypeFunction {
				continue
			}
			calls = append(calls, ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return calls
	}
	return ParseToolCalls(msg.Content)
}

// runTool executes one call and returns the history text of its outcome.
// It reports whether a registered tool was invoked.
func (s *Session) runTool(ctx context.Context, call ToolCallRequest) ([]string, bool) {
	var (
		tool tools.Tool
		ok   bool
	)
	if s.cfg.Tools != nil {
		tool, ok = s.cfg.Tools.Get(call.Name)
	}
	if !ok {
		s.logger.Warn("tool not found", "tool", call.Name)
		s.recordToolCall(ctx, call, store.ToolStatusNotFound, "", 0)
		return nil, false
	}

	args := parseArguments(call.Arguments)
	start := time.Now()
	result, err := tool.Call(tools.WithSessionKey(ctx, s.key), args)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		s.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		s.recordToolCall(ctx, call, store.ToolStatusError, err.Error(), elapsed)
		return []string{toolFailedPrefix + err.Error()}, true
	case result == nil || result.IsError:
		s.logger.Warn("tool reported error", "tool", call.Name)
		s.recordToolCall(ctx, call, store.ToolStatusError, resultText(result), elapsed)
		return []string{toolErrorResult}, true
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type != "text" {
			continue
		}
		texts = append(texts, toolResultPrefix+prettyJSON(c.Text))
	}
	s.logger.Info("tool call completed", "tool", call.Name, "duration", elapsed)
	s.recordToolCall(ctx, call, store.ToolStatusOK, resultText(result), elapsed)
	return texts, true
}

// parseArguments returns the call's arguments as a JSON document, or an empty
// object when they do not parse.
func parseArguments(raw string) json.RawMessage {
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

// prettyJSON indents text that is JSON and returns anything else verbatim.
func prettyJSON(text string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(text), "", "  "); err != nil {
		return text
	}
	return buf.String()
}

func resultText(r *tools.Result) string {
	if r == nil {
		return ""
	}
	var buf bytes.Buffer
	for i, c := range r.Content {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(c.Text)
	}
	return buf.String()
}

func (s *Session) recordUsage(ctx context.Context, model string, resp *chat.Response) {
	if s.cfg.Recorder == nil {
		return
	}
	u := &store.TurnUsage{
		ID:               uuid.NewString(),
		SessionKey:       s.key,
		ResponseID:       resp.ID,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CreatedAt:        time.Now(),
	}
	if err := s.cfg.Recorder.SaveTurnUsage(ctx, u); err != nil {
		s.logger.Warn("failed to record usage", "error", err)
	}
}

func (s *Session) recordToolCall(ctx context.Context, call ToolCallRequest, status, output string, elapsed time.Duration) {
	if s.cfg.Recorder == nil {
		return
	}
	rec := &store.ToolCallRecord{
		ID:         uuid.NewString(),
		SessionKey: s.key,
		CallID:     call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Status:     status,
		Output:     output,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if err := s.cfg.Recorder.SaveToolCall(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to record tool call", "tool", call.Name, "error", err)
	}
}
