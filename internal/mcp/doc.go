// Package mcp implements the JSON-RPC tool protocol served by the gateway.
//
// # Overview
//
// The Dispatcher routes JSON-RPC 2.0 requests by method name to the tool
// registry. It is reachable two ways: over HTTP at /mcp, and over the peer
// stream, where a connected peer sends "rpc" events and receives
// "rpc_result" replies carrying the same call id.
//
// # Methods
//
//   - ping: empty acknowledgement
//   - initialize: protocol version, capabilities, and server identity
//   - tools/list: registered tools in registration order
//   - tools/call: runs a tool by name with the given arguments
//
// Any other method is rejected with -32601 (unsupported method).
//
// # Tool Calls
//
// Tools owned by connected peers are executed through the correlation
// router: the call is registered, sent to the owning peer as a tool_call
// event, and answered when the peer's tool_result arrives. A tool failure is
// returned as a result with isError set rather than as a protocol error.
//
// # HTTP Transport
//
// POST /mcp accepts one JSON-RPC message per request, at most 1MB.
// Notifications (requests without an id) are answered with 202 Accepted and
// no body. initialize issues an Mcp-Session-Id header; clients that echo it
// back have their built-in tool data scoped to that session.
//
// # Remote Servers
//
// The gateway is also an MCP client. Servers listed under mcp.servers are
// dialed at startup over streamable HTTP, SSE, or a stdio child process;
// their tools are added to the registry as RemoteTools and called over the
// server's session. A server that cannot be reached fails startup.
package mcp
