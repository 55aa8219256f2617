// ABOUTME: Tests for the SDK-backed providers against fake HTTP servers.
// ABOUTME: Verifies request mapping, response conversion, and error typing.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/chat"
)

func weatherTool() chat.Tool {
	return chat.Tool{
		Type: chat.ToolTypeFunction,
		Function: chat.FunctionDef{
			Name:        "weather",
			Description: "current weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","description":"city name"}},"required":["city"]}`),
		},
	}
}

func TestOpenAIBackend(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-9",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "tc1", "type": "function", "function": {"name": "weather", "arguments": "{\"city\":\"Oslo\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test"}, nil)
	resp, err := b.Complete(context.Background(), &chat.Request{
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "be brief"},
			{Role: chat.RoleUser, Content: "weather in Oslo?"},
		},
		Tools: []chat.Tool{weatherTool()},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", body["model"])
	assert.Len(t, body["messages"], 2)
	assert.Len(t, body["tools"], 1)

	msg := resp.FirstMessage()
	require.NotNil(t, msg)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "weather", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAIBackendProviderError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"}, nil)
	_, err := b.Complete(context.Background(), &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})

	var perr *ProviderError
	require.True(t, errors.As(err, &perr), "err = %v", err)
	assert.Equal(t, http.StatusInternalServerError, perr.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAnthropicBackend(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu1", "name": "weather", "input": {"city": "Oslo"}}
			],
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Model: "claude-test"}, nil)
	resp, err := b.Complete(context.Background(), &chat.Request{
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "be brief"},
			{Role: chat.RoleUser, Content: "weather?"},
			{Role: chat.RoleUser, Content: "in Oslo"},
		},
		Tools: []chat.Tool{weatherTool()},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, body["system"])
	assert.Len(t, body["messages"], 1, "consecutive user turns are merged")
	assert.EqualValues(t, defaultAnthropicMaxTokens, body["max_tokens"])

	msg := resp.FirstMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "checking", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "tu1", msg.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Oslo"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestAnthropicBackendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"}, nil)
	_, err := b.Complete(context.Background(), &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})

	var perr *ProviderError
	require.True(t, errors.As(err, &perr), "err = %v", err)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
}

func TestOllamaBackend(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"model": "llama-test",
			"created_at": "2024-01-01T00:00:00Z",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "weather", "arguments": {"city": "Oslo"}}}]
			},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 4,
			"eval_count": 2
		}`)
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Model: "llama-test"}, nil)
	require.NoError(t, err)

	resp, err := b.Complete(context.Background(), &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "weather?"}},
		Tools:    []chat.Tool{weatherTool()},
	})
	require.NoError(t, err)

	assert.Equal(t, "llama-test", body["model"])
	assert.Equal(t, false, body["stream"])

	msg := resp.FirstMessage()
	require.NotNil(t, msg)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "weather", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestOllamaBackendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Model: "missing"}, nil)
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr), "err = %v", err)
	assert.Equal(t, http.StatusNotFound, perr.Status)
	assert.Equal(t, "model not found", perr.Body)
}

func TestOllamaBackendToolSchemas(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama-test","message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	b, err := NewOllamaBackend(OllamaConfig{BaseURL: srv.URL, Model: "llama-test"}, nil)
	require.NoError(t, err)

	bad := weatherTool()
	bad.Function.Parameters = json.RawMessage(`{"properties":`)
	_, err = b.Complete(context.Background(), &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}},
		Tools:    []chat.Tool{bad},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool weather: invalid parameters")
	assert.Equal(t, int32(0), hits.Load(), "invalid schema never reaches the server")

	nullable := weatherTool()
	nullable.Function.Parameters = json.RawMessage(`{"type":"object","properties":{"city":{"type":["string","null"]}}}`)
	_, err = b.Complete(context.Background(), &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}},
		Tools:    []chat.Tool{nullable},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
