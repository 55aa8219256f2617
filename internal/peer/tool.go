// ABOUTME: Peer-owned tools that execute by round-tripping through a peer stream.
// ABOUTME: Each call registers a waiter, sends tool_call, and decodes tool_result.

package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/tools"
)

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is a tools.Tool implemented by a connected peer.
type Tool struct {
	def     tools.Definition
	peerID  string
	peers   *Registry
	router  *correlation.Router
	timeout time.Duration
}

// NewTool creates a peer-owned tool. A zero timeout waits until ctx is done.
func NewTool(def tools.Definition, peerID string, peers *Registry, router *correlation.Router, timeout time.Duration) *Tool {
	return &Tool{def: def, peerID: peerID, peers: peers, router: router, timeout: timeout}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() tools.Definition { return t.def }

// PeerID returns the ID of the peer that owns the tool.
func (t *Tool) PeerID() string { return t.peerID }

// Call implements tools.Tool.
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(ToolCallPayload{Name: t.def.Name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encoding tool call: %w", err)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	w, err := t.router.Register()
	if err != nil {
		return nil, fmt.Errorf("registering tool call: %w", err)
	}

	ev := Event{Kind: KindToolCall, CallID: w.ID(), PeerID: t.peerID, Payload: string(payload)}
	if err := t.peers.Send(ctx, t.peerID, ev); err != nil {
		t.router.Abandon(w.ID())
		return nil, fmt.Errorf("sending tool call to %s: %w", t.peerID, err)
	}

	reply, err := w.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s result: %w", t.def.Name, err)
	}
	return decodeToolResult(reply), nil
}

// decodeToolResult accepts a tools.Result JSON document, recognized by a
// "content" array or an "isError" flag; any other payload is treated as
// plain text output.
func decodeToolResult(payload []byte) *tools.Result {
	var shape struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return tools.TextResult(string(payload))
	}
	hasContent := len(shape.Content) > 0 && shape.Content[0] == '['
	if !hasContent && !shape.IsError {
		return tools.TextResult(string(payload))
	}

	var res tools.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return tools.TextResult(string(payload))
	}
	return &res
}
