// ABOUTME: Tests for chat wire types and identifier generation.
// ABOUTME: Covers content decoding variants and id uniqueness.

package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshal(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m))
		assert.Equal(t, RoleUser, m.Role)
		assert.Equal(t, "hi", m.Content)
	})

	t.Run("content parts are joined", func(t *testing.T) {
		var m Message
		data := `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]}`
		require.NoError(t, json.Unmarshal([]byte(data), &m))
		assert.Equal(t, "a\nb", m.Content)
	})

	t.Run("null content with tool calls", func(t *testing.T) {
		var m Message
		data := `{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"x","arguments":"{}"}}]}`
		require.NoError(t, json.Unmarshal([]byte(data), &m))
		assert.Empty(t, m.Content)
		require.Len(t, m.ToolCalls, 1)
		assert.Equal(t, "x", m.ToolCalls[0].Function.Name)
	})

	t.Run("invalid content", func(t *testing.T) {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &m))
	})
}

func TestNewTextResponse(t *testing.T) {
	resp := NewTextResponse("completion-1", "m", "hello")

	msg := resp.FirstMessage()
	require.NotNil(t, msg)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, "chat.completion", resp.Object)
}

func TestFirstMessageEmpty(t *testing.T) {
	var nilResp *Response
	assert.Nil(t, nilResp.FirstMessage())
	assert.Nil(t, (&Response{}).FirstMessage())
}

func TestIDsAreUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewCallID()
		assert.True(t, strings.HasPrefix(id, "call-"))
		assert.False(t, seen[id], "duplicate call id %s", id)
		seen[id] = true
	}
	assert.True(t, strings.HasPrefix(NewCompletionID(), "chatcmpl-"))
	assert.NotEmpty(t, NewUserID())
}
