// ABOUTME: Read-only operator API over the tool catalogue, tool audit log and token usage.
// ABOUTME: Serves GET /api/tools, GET /api/tools/calls and GET /api/stats/usage.

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// Tool owners reported by /api/tools.
const (
	ownerBuiltin = "builtin"
	ownerPeer    = "peer:"
	ownerMCP     = "mcp:"
)

// maxCallsLimit caps /api/tools/calls.
const maxCallsLimit = 500

// ToolInfoResponse describes one registered tool.
type ToolInfoResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
}

// PeerInfoResponse describes one connected peer.
type PeerInfoResponse struct {
	ID    string   `json:"id"`
	Tools []string `json:"tools"`
}

// ListToolsResponse is the JSON response for GET /api/tools.
type ListToolsResponse struct {
	Tools []ToolInfoResponse `json:"tools"`
	Peers []PeerInfoResponse `json:"peers"`
}

// ToolCallResponse is one audited tool call.
type ToolCallResponse struct {
	ID         string `json:"id"`
	SessionKey string `json:"session_key"`
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Arguments  string `json:"arguments"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// ToolCallsResponse is the JSON response for GET /api/tools/calls.
type ToolCallsResponse struct {
	Calls  []ToolCallResponse `json:"calls"`
	Counts map[string]int64   `json:"counts"`
}

// peerOwned is implemented by tools a connected peer registered.
type peerOwned interface {
	PeerID() string
}

// serverOwned is implemented by tools loaded from an external MCP server.
type serverOwned interface {
	ServerName() string
}

// handleListTools answers GET /api/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	defs := g.tools.List()
	resp := ListToolsResponse{
		Tools: make([]ToolInfoResponse, 0, len(defs)),
		Peers: []PeerInfoResponse{},
	}
	for _, def := range defs {
		owner := ownerBuiltin
		if t, ok := g.tools.Get(def.Name); ok {
			switch o := t.(type) {
			case peerOwned:
				owner = ownerPeer + o.PeerID()
			case serverOwned:
				owner = ownerMCP + o.ServerName()
			}
		}
		resp.Tools = append(resp.Tools, ToolInfoResponse{
			Name:        def.Name,
			Description: def.Description,
			Owner:       owner,
		})
	}
	for _, info := range g.peers.List() {
		resp.Peers = append(resp.Peers, PeerInfoResponse{ID: info.ID, Tools: info.ToolNames})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleToolCalls answers GET /api/tools/calls?session=&tool=&limit=.
func (g *Gateway) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallsLimit)
	}

	records, err := g.store.ListToolCalls(r.Context(), store.ToolCallFilter{
		SessionKey: q.Get("session"),
		ToolName:   q.Get("tool"),
		Limit:      limit,
	})
	if err != nil {
		g.logger.Error("failed to list tool calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	counts, err := g.store.CountToolCalls(r.Context())
	if err != nil {
		g.logger.Error("failed to count tool calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ToolCallsResponse{
		Calls:  make([]ToolCallResponse, 0, len(records)),
		Counts: counts,
	}
	for _, rec := range records {
		resp.Calls = append(resp.Calls, ToolCallResponse{
			ID:         rec.ID,
			SessionKey: rec.SessionKey,
			CallID:     rec.CallID,
			Tool:       rec.ToolName,
			Arguments:  rec.Arguments,
			Status:     rec.Status,
			Output:     rec.Output,
			DurationMS: rec.DurationMS,
			CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUsageStats answers GET /api/stats/usage?session=&model=&since=&until=
// with aggregate token usage. Times are RFC3339.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var filter store.UsageFilter
	if v := q.Get("session"); v != "" {
		filter.SessionKey = &v
	}
	if v := q.Get("model"); v != "" {
		filter.Model = &v
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid "+p.name+" (use RFC3339)")
			return
		}
		*p.dst = &t
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
