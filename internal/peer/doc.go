// Package peer connects the gateway to external event-driven peers.
//
// # Overview
//
// A peer is a long-running process (a dataflow node, a tool server, an agent
// runtime) that connects to the gateway over a bidirectional gRPC stream and
// exchanges Events. Every request that expects an answer carries a call_id;
// the peer echoes it on the reply, and the gateway's receive loop resolves
// the matching pending call in the correlation router.
//
// # Protocol
//
//	peer    -> gateway  register     {peer_id, payload: [tool definitions]}
//	gateway -> peer     welcome      {peer_id}
//	gateway -> peer     prompt       {call_id, payload: chat request}
//	peer    -> gateway  completion   {call_id, payload: chat response}
//	gateway -> peer     tool_call    {call_id, payload: {name, arguments}}
//	peer    -> gateway  tool_result  {call_id, payload: tool result}
//	peer    -> gateway  rpc          {call_id, payload: JSON-RPC request}
//	gateway -> peer     rpc_result   {call_id, payload: JSON-RPC response}
//
// The call_id may also travel in metadata["call_id"]. Inbound replies without
// a recognized call_id are ignored.
//
// Events are encoded as google.protobuf.Struct so no generated code is needed
// on either side; the service is described by a hand-written grpc.ServiceDesc.
//
// # Tools
//
// Tool definitions sent at registration are added to the shared tool
// registry as peer-owned tools. Calling one sends a tool_call event and waits
// for the tool_result. When the peer disconnects its tools are removed.
package peer
