// ABOUTME: OpenAI-style HTTP API: chat completions, model listing and health checks.
// ABOUTME: Chat requests are routed to a session chosen by user and answered as JSON or SSE.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/session"
)

// maxChatBodySize bounds chat completion request bodies.
const maxChatBodySize = 8 << 20

// ChunkChoice is a choice in a streamed completion chunk.
type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        chat.Message `json:"delta"`
	FinishReason string       `json:"finish_reason"`
}

// CompletionChunk is the body of an SSE event for stream requests.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ModelInfo is one entry of the model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the response for GET /{endpoint}/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// handleChatCompletions answers POST /{endpoint}/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chat.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "messages is required")
		return
	}

	if req.User == "" {
		req.User = chat.NewUserID()
	}
	w.Header().Set(UserHeader, req.User)

	sess := g.sessions.Get(req.User)
	resp, err := sess.Chat(r.Context(), &req)
	if err != nil {
		g.logger.Error("chat turn failed", "user", req.User, "session", sess.Key(), "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	g.fillResponse(resp, req.Model)

	if req.Stream {
		g.writeStream(w, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fillResponse sets the envelope fields some backends leave empty.
func (g *Gateway) fillResponse(resp *chat.Response, requested string) {
	if resp.ID == "" {
		resp.ID = chat.NewCompletionID()
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Model == "" {
		resp.Model = g.modelName(requested)
	}
}

// modelName prefers the configured model, then the requested one, then the provider.
func (g *Gateway) modelName(requested string) string {
	if g.config.Backend.Model != "" {
		return g.config.Backend.Model
	}
	if requested != "" {
		return requested
	}
	return g.config.Backend.Provider
}

// writeStream writes the whole completion as one SSE chunk followed by [DONE].
func (g *Gateway) writeStream(w http.ResponseWriter, resp *chat.Response) {
	chunk := CompletionChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]ChunkChoice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, ChunkChoice{
			Index:        c.Index,
			Delta:        c.Message,
			FinishReason: c.FinishReason,
		})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEData(w, chunk)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeSSEData writes a data-only SSE event.
func (g *Gateway) writeSSEData(w http.ResponseWriter, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleModels answers GET /{endpoint}/models with the configured model.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, ModelList{
		Object: "list",
		Data: []ModelInfo{{
			ID:      g.modelName(""),
			Object:  "model",
			Created: g.started.Unix(),
			OwnedBy: g.config.MCP.Name,
		}},
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the backend can serve. For the graph
// provider that means its peer is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "database unavailable: %v", err)
		return
	}
	if g.config.Backend.Provider == "graph" && !g.peers.Connected(g.config.Backend.Peer) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "peer %s not connected", g.config.Backend.Peer)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d peers)", len(g.peers.List()))
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sessionChatter adapts the session store to frontends that deal in plain text.
type sessionChatter struct {
	sessions *session.Store
}

// errNoReply is returned when the backend answered without choices.
var errNoReply = errors.New("backend returned no choices")

// Chat runs one user turn in the session named by sessionKey and returns
// the assistant's text.
func (c *sessionChatter) Chat(ctx context.Context, sessionKey, user, text string) (string, error) {
	resp, err := c.sessions.Get(sessionKey).Chat(ctx, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: text}},
		User:     user,
	})
	if err != nil {
		return "", err
	}
	msg := resp.FirstMessage()
	if msg == nil {
		return "", errNoReply
	}
	return msg.Content, nil
}
