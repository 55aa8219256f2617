// ABOUTME: Event type exchanged with peers and its protobuf Struct encoding.
// ABOUTME: Carries kind, call_id, peer id, payload text, and string metadata.

package peer

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Kind identifies the purpose of an Event.
type Kind string

// Event kinds.
const (
	KindRegister   Kind = "register"
	KindWelcome    Kind = "welcome"
	KindPrompt     Kind = "prompt"
	KindCompletion Kind = "completion"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindRPC        Kind = "rpc"
	KindRPCResult  Kind = "rpc_result"
	KindHeartbeat  Kind = "heartbeat"
)

// MetadataCallID is the metadata key that may carry the call_id.
const MetadataCallID = "call_id"

// Event is one message on a peer stream.
type Event struct {
	Kind     Kind
	CallID   string
	PeerID   string
	Payload  string
	Metadata map[string]string
}

// CorrelationID returns the call_id from the event or its metadata.
func (e Event) CorrelationID() string {
	if e.CallID != "" {
		return e.CallID
	}
	return e.Metadata[MetadataCallID]
}

// encodeEvent converts an Event to its wire representation.
func encodeEvent(e Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind":    string(e.Kind),
		"call_id": e.CallID,
		"peer_id": e.PeerID,
		"payload": e.Payload,
	}
	if len(e.Metadata) > 0 {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		fields["metadata"] = md
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return s, nil
}

// decodeEvent converts a wire Struct to an Event. Unknown fields are ignored
// and non-string metadata values are dropped.
func decodeEvent(s *structpb.Struct) Event {
	f := s.GetFields()
	e := Event{
		Kind:    Kind(f["kind"].GetStringValue()),
		CallID:  f["call_id"].GetStringValue(),
		PeerID:  f["peer_id"].GetStringValue(),
		Payload: f["payload"].GetStringValue(),
	}
	if md := f["metadata"].GetStructValue(); md != nil {
		e.Metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
				e.Metadata[k] = sv.StringValue
			}
		}
	}
	return e
}
