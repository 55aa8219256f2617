// ABOUTME: Tool interface, definitions, and result types for callable tools.
// ABOUTME: FuncTool adapts plain handler functions into the Tool interface.

package tools

import (
	"context"
	"encoding/json"

	"github.com/2389/relay-gateway/internal/chat"
)

// Definition describes a tool to models and protocol clients.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ChatTool converts the definition to the function-tool shape sent to models.
func (d Definition) ChatTool() chat.Tool {
	params := d.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return chat.Tool{
		Type: chat.ToolTypeFunction,
		Function: chat.FunctionDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}

// Content is one part of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the outcome of a tool call. IsError marks a result the tool
// itself reported as a failure.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps text in a single-part result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error message in a result flagged as an error.
func ErrorResult(msg string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: msg}}, IsError: true}
}

// Tool is a named capability a model may invoke.
type Tool interface {
	Definition() Definition
	Call(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Handler executes a tool and returns its output as JSON.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// FuncTool is a Tool backed by a Handler that runs in-process.
type FuncTool struct {
	Def     Definition
	Handler Handler
}

// NewFuncTool builds a FuncTool from a schema string.
func NewFuncTool(name, description, schema string, h Handler) *FuncTool {
	return &FuncTool{
		Def: Definition{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		Handler: h,
	}
}

// Definition implements Tool.
func (f *FuncTool) Definition() Definition { return f.Def }

// Call implements Tool. Handler output becomes a single text part.
func (f *FuncTool) Call(ctx context.Context, args json.RawMessage) (*Result, error) {
	out, err := f.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return TextResult(string(out)), nil
}
