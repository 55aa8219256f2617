// ABOUTME: Pack and tool types shared by the built-in tool packs.
// ABOUTME: Adapts session-scoped handlers to the tools.Tool interface.

package builtins

import (
	"context"
	"encoding/json"

	"github.com/2389/relay-gateway/internal/tools"
)

// Handler runs a built-in tool for the calling session.
type Handler func(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error)

// Tool is a built-in tool definition and its handler.
type Tool struct {
	Def     tools.Definition
	Handler Handler
}

// Definition implements tools.Tool.
func (t *Tool) Definition() tools.Definition { return t.Def }

// Call implements tools.Tool. The session key is taken from ctx.
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	out, err := t.Handler(ctx, tools.SessionKey(ctx), args)
	if err != nil {
		return nil, err
	}
	return tools.TextResult(string(out)), nil
}

// Pack is a named group of built-in tools.
type Pack struct {
	ID    string
	Tools []*Tool
}

// Register adds every tool of the given packs to reg.
func Register(reg *tools.Registry, packs ...*Pack) {
	for _, p := range packs {
		for _, t := range p.Tools {
			reg.Add(t)
		}
	}
}

func newTool(name, description, schema string, h Handler) *Tool {
	return &Tool{
		Def: tools.Definition{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		Handler: h,
	}
}

// decodeInput unmarshals tool input, treating empty input as an empty object.
func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	return json.Unmarshal(input, v)
}
