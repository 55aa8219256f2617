// ABOUTME: JSON-RPC dispatcher for ping, initialize, tools/list and tools/call.
// ABOUTME: Shared by the HTTP transport and by peers that send rpc events.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/relay-gateway/internal/tools"
)

// Supported protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is advertised when the client asks for none we support.
const latestProtocolVersion = "2025-06-18"

// ErrUnsupportedMethod is reported for methods the dispatcher does not route.
var ErrUnsupportedMethod = errors.New("unsupported method")

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// ToolInfo is a tool as listed by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// Config holds configuration for the Dispatcher.
type Config struct {
	Tools   *tools.Registry
	Name    string
	Version string
	Logger  *slog.Logger
}

// Dispatcher routes JSON-RPC requests to the tool registry.
type Dispatcher struct {
	tools   *tools.Registry
	name    string
	version string
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tools:   cfg.Tools,
		name:    cfg.Name,
		version: cfg.Version,
		logger:  logger.With("component", "mcp"),
	}, nil
}

// Dispatch handles one request. It returns nil for notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	if req.IsNotification() {
		d.logger.Debug("accepted notification", "method", req.Method)
		return nil
	}

	d.logger.Debug("rpc request", "method", req.Method)

	switch req.Method {
	case "ping":
		return result(req.ID, struct{}{})
	case "initialize":
		return d.initialize(req)
	case "tools/list":
		return d.listTools(req)
	case "tools/call":
		return d.callTool(ctx, req)
	default:
		d.logger.Warn("unsupported method", "method", req.Method)
		return errorResponse(req.ID, JSONRPCMethodNotFound, fmt.Sprintf("%s: %s", ErrUnsupportedMethod, req.Method))
	}
}

// HandleRaw decodes a JSON-RPC message, dispatches it, and encodes the
// response. It returns nil for notifications.
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte) []byte {
	var req JSONRPCRequest
	var resp *JSONRPCResponse
	switch err := json.Unmarshal(data, &req); {
	case err != nil:
		resp = errorResponse(nil, JSONRPCParseError, "invalid JSON")
	case req.JSONRPC != "2.0":
		resp = errorResponse(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
	default:
		resp = d.Dispatch(ctx, req)
	}
	if resp == nil {
		return nil
	}

	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Warn("failed to encode JSON-RPC response", "error", err)
		out, _ = json.Marshal(errorResponse(req.ID, JSONRPCInternalError, "failed to encode response"))
	}
	return out
}

func (d *Dispatcher) initialize(req JSONRPCRequest) *JSONRPCResponse {
	version := latestProtocolVersion
	var params initializeParams
	if len(req.Params) > 0 && json.Unmarshal(req.Params, &params) == nil && supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	return result(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    d.name,
			"version": d.version,
		},
	})
}

func (d *Dispatcher) listTools(req JSONRPCRequest) *JSONRPCResponse {
	defs := d.tools.List()
	res := ListToolsResult{Tools: make([]ToolInfo, len(defs))}
	for i, def := range defs {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		res.Tools[i] = ToolInfo{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		}
	}

	d.logger.Debug("tools/list", "count", len(res.Tools))
	return result(req.ID, res)
}

func (d *Dispatcher) callTool(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, JSONRPCInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, JSONRPCInvalidParams, "tool name is required")
	}
	if _, ok := d.tools.Get(params.Name); !ok {
		return errorResponse(req.ID, JSONRPCInvalidParams, "tool not found")
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	res, err := d.tools.Call(ctx, params.Name, args)
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		// Removed between lookup and call, e.g. its peer disconnected.
		return errorResponse(req.ID, JSONRPCInvalidParams, "tool not found")
	case errors.Is(err, context.Canceled):
		return errorResponse(req.ID, JSONRPCInternalError, "request cancelled")
	case err != nil:
		d.logger.Warn("tool execution failed", "tool_name", params.Name, "error", err)
		res = tools.ErrorResult(err.Error())
	case res == nil:
		res = &tools.Result{Content: []tools.Content{}}
	}

	d.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", res.IsError)
	return result(req.ID, res)
}

func result(id json.RawMessage, v any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
