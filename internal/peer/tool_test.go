// ABOUTME: Tests for decoding peer tool_result payloads.
// ABOUTME: Covers structured results, bare error flags, and plain-text fallbacks.

package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/relay-gateway/internal/tools"
)

func TestDecodeToolResult(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *tools.Result
	}{
		{
			name:    "structured result",
			payload: `{"content":[{"type":"text","text":"42"}]}`,
			want:    &tools.Result{Content: []tools.Content{{Type: "text", Text: "42"}}},
		},
		{
			name:    "error with empty content",
			payload: `{"content":[],"isError":true}`,
			want:    &tools.Result{Content: []tools.Content{}, IsError: true},
		},
		{
			name:    "error flag without content",
			payload: `{"isError":true}`,
			want:    &tools.Result{IsError: true},
		},
		{
			name:    "error with message",
			payload: `{"content":[{"type":"text","text":"disk full"}],"isError":true}`,
			want:    &tools.Result{Content: []tools.Content{{Type: "text", Text: "disk full"}}, IsError: true},
		},
		{
			name:    "empty content is still a result",
			payload: `{"content":[]}`,
			want:    &tools.Result{Content: []tools.Content{}},
		},
		{
			name:    "other JSON object is text",
			payload: `{"temperature":12}`,
			want:    tools.TextResult(`{"temperature":12}`),
		},
		{
			name:    "string content is text",
			payload: `{"content":"hello"}`,
			want:    tools.TextResult(`{"content":"hello"}`),
		},
		{
			name:    "not JSON",
			payload: "sunny",
			want:    tools.TextResult("sunny"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeToolResult([]byte(tt.payload)))
		})
	}
}
