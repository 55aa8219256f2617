// Package chat defines the OpenAI-shaped chat completion types shared by the
// HTTP API, the chat session and every backend.
//
// The same shapes travel in three directions: inbound from HTTP clients,
// outbound to upstream providers (after per-provider conversion), and across
// the peer boundary as serialized prompt payloads. Keeping one definition
// means a graph peer sees exactly the request an HTTP client would send to a
// vendor endpoint.
//
// # Identifiers
//
//	NewCallID()       "call-<uuid>"       correlation and tool call ids
//	NewCompletionID() "chatcmpl-<uuid>"   completion ids
//	NewUserID()       "<uuid>"            users that did not identify themselves
package chat
