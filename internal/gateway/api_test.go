// ABOUTME: Tests for the OpenAI-style chat API and the operator API
// ABOUTME: Drives the gateway handler against an httptest upstream backend

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/tools"
)

// fakeUpstream is an OpenAI-compatible backend that records requests.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []chat.Request
	reply    func(n int, req chat.Request) (int, any)
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.requests = append(u.requests, req)
	n := len(u.requests)
	u.mu.Unlock()

	status, body := http.StatusOK, any(chat.NewTextResponse(fmt.Sprintf("up-%d", n), req.Model, "hello from upstream"))
	if u.reply != nil {
		status, body = u.reply(n, req)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (u *fakeUpstream) Requests() []chat.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]chat.Request(nil), u.requests...)
}

// newAPIGateway builds a per-user gateway on an httptest upstream and serves
// its handler without starting listeners.
func newAPIGateway(t *testing.T, up *fakeUpstream, extra string) (*Gateway, *httptest.Server) {
	t.Helper()
	return newAPIGatewayMode(t, up, "per_user", extra)
}

func newAPIGatewayMode(t *testing.T, up *fakeUpstream, mode, extra string) (*Gateway, *httptest.Server) {
	t.Helper()

	upstream := httptest.NewServer(up)
	t.Cleanup(upstream.Close)

	gw := newTestGateway(t, fmt.Sprintf(`
backend:
  provider: http
  api_url: %s
  model: test-model
session:
  mode: %s
%s`, upstream.URL, mode, extra))

	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func postChat(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestChatCompletionGeneratesUser(t *testing.T) {
	up := &fakeUpstream{}
	_, srv := newAPIGateway(t, up, "")

	resp := postChat(t, srv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user := resp.Header.Get(UserHeader)
	_, err := uuid.Parse(user)
	assert.NoError(t, err, "generated user %q", user)

	out := decodeBody[chat.Response](t, resp)
	assert.Equal(t, "up-1", out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	require.NotNil(t, out.FirstMessage())
	assert.Equal(t, "hello from upstream", out.FirstMessage().Content)

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, user, reqs[0].User)
	assert.NotEmpty(t, reqs[0].Tools, "builtin tools are offered")
}

func TestChatCompletionEchoesUserAndIsolatesSessions(t *testing.T) {
	up := &fakeUpstream{}
	_, srv := newAPIGateway(t, up, "")

	for _, user := range []string{"alice", "alice", "bob"} {
		resp := postChat(t, srv.URL, fmt.Sprintf(`{"user":%q,"messages":[{"role":"user","content":"hi"}]}`, user))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, user, resp.Header.Get(UserHeader))
	}

	reqs := up.Requests()
	require.Len(t, reqs, 3)
	// alice's second turn carries her first turn; bob starts fresh.
	assert.Len(t, reqs[0].Messages, 1)
	assert.Len(t, reqs[1].Messages, 2)
	assert.Len(t, reqs[2].Messages, 1)
}

func TestChatCompletionSharedSession(t *testing.T) {
	up := &fakeUpstream{}
	_, srv := newAPIGatewayMode(t, up, "shared", "")

	postChat(t, srv.URL, `{"user":"alice","messages":[{"role":"user","content":"one"}]}`)
	postChat(t, srv.URL, `{"user":"bob","messages":[{"role":"user","content":"two"}]}`)

	reqs := up.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 2, "bob sees alice's turn in shared mode")
	assert.Equal(t, "one", reqs[1].Messages[0].Content)
}

func TestChatCompletionErrors(t *testing.T) {
	up := &fakeUpstream{
		reply: func(int, chat.Request) (int, any) {
			return http.StatusTooManyRequests, map[string]string{"message": "slow down"}
		},
	}
	_, srv := newAPIGateway(t, up, "")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "invalid JSON body"},
		{"no messages", `{"messages":[]}`, http.StatusBadRequest, "messages is required"},
		{"provider error", `{"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadGateway, "provider returned status 429"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChat(t, srv.URL, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decodeBody[map[string]string](t, resp)
			assert.Contains(t, body["error"], tt.wantError)
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/chat/completions")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	})
}

func TestChatCompletionMalformedUpstream(t *testing.T) {
	up := &fakeUpstream{
		reply: func(int, chat.Request) (int, any) { return http.StatusOK, "not a completion" },
	}
	_, srv := newAPIGateway(t, up, "")

	resp := postChat(t, srv.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestChatCompletionStream(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "")

	resp := postChat(t, srv.URL, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, line)
		}
	}
	require.Len(t, events, 2)
	assert.Equal(t, "[DONE]", events[1])

	var chunk CompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &chunk))
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "hello from upstream", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)
}

func TestChatCompletionRunsBuiltinTool(t *testing.T) {
	up := &fakeUpstream{
		reply: func(n int, req chat.Request) (int, any) {
			resp := chat.NewTextResponse("up-tool", req.Model, "")
			resp.Choices[0].Message.ToolCalls = []chat.ToolCall{{
				ID:   "call-1",
				Type: chat.ToolTypeFunction,
				Function: chat.FunctionCall{
					Name:      "notes_set",
					Arguments: `{"key":"color","value":"teal"}`,
				},
			}}
			resp.Choices[0].FinishReason = "tool_calls"
			return http.StatusOK, resp
		},
	}
	gw, srv := newAPIGateway(t, up, "")

	resp := postChat(t, srv.URL, `{"user":"carol","messages":[{"role":"user","content":"remember teal"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	note, err := gw.store.GetNote(context.Background(), "carol", "color")
	require.NoError(t, err)
	assert.Equal(t, "teal", note.Value)

	calls, err := http.Get(srv.URL + "/api/tools/calls?session=carol")
	require.NoError(t, err)
	defer calls.Body.Close()
	out := decodeBody[ToolCallsResponse](t, calls)
	require.Len(t, out.Calls, 1)
	assert.Equal(t, "notes_set", out.Calls[0].Tool)
	assert.Equal(t, "ok", out.Calls[0].Status)
	assert.Equal(t, "call-1", out.Calls[0].CallID)
	assert.Equal(t, int64(1), out.Counts["notes_set"])
}

func TestModelsEndpoint(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "")

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	out := decodeBody[ModelList](t, resp)
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "test-model", out.Data[0].ID)
	assert.Equal(t, "relay-gateway", out.Data[0].OwnedBy)
}

func TestCustomEndpointPrefix(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "server:\n  endpoint: /openai/v2/\n")

	resp, err := http.Post(srv.URL+"/openai/v2/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListToolsEndpoint(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "")

	resp, err := http.Get(srv.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	out := decodeBody[ListToolsResponse](t, resp)
	names := make([]string, 0, len(out.Tools))
	for _, tool := range out.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, ownerBuiltin, tool.Owner)
	}
	assert.Equal(t, []string{
		"notes_set", "notes_get", "notes_list", "notes_delete",
		"usage_stats", "tool_history", "current_time",
	}, names)
	assert.Empty(t, out.Peers)
}

// remoteTool stands in for a tool loaded from an external MCP server.
type remoteTool struct {
	tools.Tool
	server string
}

func (r remoteTool) ServerName() string { return r.server }

func TestListToolsEndpointReportsMCPServerOwner(t *testing.T) {
	gw, srv := newAPIGateway(t, &fakeUpstream{}, "")
	gw.tools.Add(remoteTool{
		Tool: tools.NewFuncTool("web_search", "Search the web", `{"type":"object"}`,
			func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }),
		server: "search",
	})

	resp, err := http.Get(srv.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	out := decodeBody[ListToolsResponse](t, resp)
	require.NotEmpty(t, out.Tools)
	last := out.Tools[len(out.Tools)-1]
	assert.Equal(t, "web_search", last.Name)
	assert.Equal(t, "mcp:search", last.Owner)
}

func TestUsageStatsEndpoint(t *testing.T) {
	up := &fakeUpstream{
		reply: func(n int, req chat.Request) (int, any) {
			resp := chat.NewTextResponse(fmt.Sprintf("up-%d", n), req.Model, "ok")
			resp.Usage = chat.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
			return http.StatusOK, resp
		},
	}
	_, srv := newAPIGateway(t, up, "")

	postChat(t, srv.URL, `{"user":"dana","messages":[{"role":"user","content":"hi"}]}`)
	postChat(t, srv.URL, `{"user":"erin","messages":[{"role":"user","content":"hi"}]}`)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int64
		wantTurns  int64
	}{
		{"all", "", http.StatusOK, 30, 2},
		{"one session", "?session=dana", http.StatusOK, 15, 1},
		{"other model", "?model=nope", http.StatusOK, 0, 0},
		{"future since", "?since=2999-01-01T00:00:00Z", http.StatusOK, 0, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/stats/usage" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var stats struct {
				TotalTokens int64 `json:"total_tokens"`
				Turns       int64 `json:"turns"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
			assert.Equal(t, tt.wantTotal, stats.TotalTokens)
			assert.Equal(t, tt.wantTurns, stats.Turns)
		})
	}
}

func TestToolCallsLimitValidation(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "")

	for _, q := range []string{"limit=0", "limit=x", "limit=-3"} {
		resp, err := http.Get(srv.URL + "/api/tools/calls?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestMCPRouteMounted(t *testing.T) {
	_, srv := newAPIGateway(t, &fakeUpstream{}, "")

	resp, err := http.Post(srv.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"current_time","arguments":{"timezone":"UTC"}}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Result.IsError)
	require.Len(t, out.Result.Content, 1)
	assert.Contains(t, out.Result.Content[0].Text, `"timezone":"UTC"`)
}
