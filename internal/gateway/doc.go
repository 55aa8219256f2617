// Package gateway wires the relay gateway together and serves it.
//
// # Architecture
//
// New builds every component from configuration and passes dependencies
// explicitly; nothing is held in package-level state:
//
//   - SQLite store (usage, tool-call audit, notes)
//   - tool registry with the built-in packs
//   - correlation router for calls answered by peers
//   - peer registry and the gRPC PeerService
//   - the configured chat backend
//   - the keyed session store
//   - the JSON-RPC dispatcher
//   - optionally, the Matrix frontend
//
// # HTTP Endpoints
//
//   - POST /{endpoint}/chat/completions: OpenAI-style chat completion
//   - GET /{endpoint}/models: configured model
//   - GET /health, GET /health/ready
//   - POST /mcp: JSON-RPC tool protocol
//   - GET /api/tools, GET /api/tools/calls, GET /api/stats/usage
//
// The endpoint prefix defaults to "v1". A chat request without a user gets a
// generated id, echoed in the X-Relay-User response header, which selects
// the session in per_user mode.
//
// # Lifecycle
//
// Run listens on TCP (or on a tailnet via tsnet when tailscale is enabled),
// serves gRPC and HTTP, and shuts everything down when its context ends.
package gateway
