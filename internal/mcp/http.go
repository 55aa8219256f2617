// ABOUTME: HTTP transport for the JSON-RPC dispatcher at /mcp.
// ABOUTME: Validates the envelope, answers notifications with 202, and scopes tool calls by session header.

package mcp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/tools"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// SessionHeader carries the session issued by initialize.
const SessionHeader = "Mcp-Session-Id"

// RegisterRoutes registers the /mcp endpoint on the given ServeMux.
func (d *Dispatcher) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", d.handleMCP)
}

func (d *Dispatcher) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		d.writeResponse(w, errorResponse(nil, JSONRPCParseError, "failed to read request body"))
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		d.writeResponse(w, errorResponse(nil, JSONRPCInvalidRequest, "request body too large"))
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		d.writeResponse(w, errorResponse(nil, JSONRPCParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" {
		d.writeResponse(w, errorResponse(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version"))
		return
	}

	ctx := r.Context()
	sessionID := r.Header.Get(SessionHeader)
	if req.Method == "initialize" && !req.IsNotification() {
		sessionID = uuid.NewString()
		w.Header().Set(SessionHeader, sessionID)
		d.logger.Info("protocol session created", "session_id", sessionID)
	}
	if sessionID != "" {
		ctx = tools.WithSessionKey(ctx, "mcp:"+sessionID)
	}

	resp := d.Dispatch(ctx, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	d.writeResponse(w, resp)
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
