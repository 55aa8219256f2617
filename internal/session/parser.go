// ABOUTME: Fallback parser for tool calls written as plain text by a model.
// ABOUTME: Recognizes "Tool:" and "Inputs:" line markers.

package session

import (
	"strings"

	"github.com/2389/relay-gateway/internal/chat"
)

// ToolCallRequest is one tool invocation extracted from a model response.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCall converts the request back into a structured function call.
func (r ToolCallRequest) ToolCall() chat.ToolCall {
	return chat.ToolCall{
		ID:       r.ID,
		Type:     chat.ToolTypeFunction,
		Function: chat.FunctionCall{Name: r.Name, Arguments: r.Arguments},
	}
}

const (
	toolMarker   = "Tool:"
	inputsMarker = "Inputs:"
)

// ParseToolCalls extracts tool calls from free text of the form
//
//	Tool: get_weather
//	Inputs:
//	{"city": "Oslo"}
//
// A "Tool:" line starts a new call and closes the previous one. Lines after
// "Inputs:" are trimmed and joined with newlines to form the arguments. A
// call without "Inputs:" has empty arguments. Text without "Tool:" yields nil.
func ParseToolCalls(text string) []ToolCallRequest {
	if !strings.Contains(text, toolMarker) {
		return nil
	}

	var (
		calls   []ToolCallRequest
		current *ToolCallRequest
		args    []string
		inArgs  bool
	)
	flush := func() {
		if current != nil {
			current.Arguments = strings.Join(args, "\n")
			calls = append(calls, *current)
		}
		current, args, inArgs = nil, nil, false
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, toolMarker):
			flush()
			current = &ToolCallRequest{Name: strings.TrimSpace(strings.TrimPrefix(line, toolMarker))}
		case strings.HasPrefix(line, inputsMarker):
			inArgs = current != nil
		case inArgs:
			args = append(args, strings.TrimSpace(line))
		}
	}
	flush()

	return calls
}
