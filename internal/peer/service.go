// ABOUTME: gRPC PeerService implementation for bidirectional peer streams.
// ABOUTME: Handles registration, outbound event forwarding, and reply routing.

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/tools"
)

// Stream is the server side of a Connect stream.
type Stream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// PeerServer is the server API for the PeerService.
type PeerServer interface {
	Connect(Stream) error
}

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "relay.peer.v1.PeerService"

// connectMethod is the full method name of the Connect stream.
const connectMethod = "/" + ServiceName + "/Connect"

// ServiceDesc describes the PeerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay/peer/v1/peer.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PeerServer).Connect(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RPCHandler answers JSON-RPC requests sent by peers.
type RPCHandler interface {
	HandleRaw(ctx context.Context, body []byte) []byte
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Peers       *Registry
	Router      *correlation.Router
	Tools       *tools.Registry
	RPC         RPCHandler
	ToolTimeout time.Duration
	Logger      *slog.Logger
}

// Service implements PeerServer.
type Service struct {
	peers       *Registry
	router      *correlation.Router
	tools       *tools.Registry
	rpc         RPCHandler
	toolTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates a PeerService.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		peers:       cfg.Peers,
		router:      cfg.Router,
		tools:       cfg.Tools,
		rpc:         cfg.RPC,
		toolTimeout: cfg.ToolTimeout,
		logger:      logger.With("component", "peer-service"),
	}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
}

// Connect handles one peer connection for its whole lifetime.
func (s *Service) Connect(stream Stream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Errorf(codes.Internal, "receiving registration: %v", err)
	}
	reg := decodeEvent(first)
	if reg.Kind != KindRegister {
		return status.Error(codes.InvalidArgument, "first event must be register")
	}
	if reg.PeerID == "" {
		return status.Error(codes.InvalidArgument, "peer_id is required")
	}

	var defs []tools.Definition
	if reg.Payload != "" {
		if err := json.Unmarshal([]byte(reg.Payload), &defs); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid tool definitions: %v", err)
		}
	}

	p, err := s.peers.Register(reg.PeerID, defs)
	if err != nil {
		if errors.Is(err, ErrPeerAlreadyRegistered) {
			return status.Errorf(codes.AlreadyExists, "peer %s already connected", reg.PeerID)
		}
		return status.Errorf(codes.Internal, "registering peer: %v", err)
	}
	s.addTools(p)
	defer func() {
		s.removeTools(p)
		s.peers.Unregister(p.ID)
	}()

	logger := s.logger.With("peer_id", p.ID)
	logger.Info("peer connected", "tools", len(defs))

	welcome, err := encodeEvent(Event{Kind: KindWelcome, PeerID: p.ID})
	if err != nil {
		return status.Errorf(codes.Internal, "encoding welcome: %v", err)
	}
	if err := stream.Send(welcome); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.forward(ctx, stream, p) }()

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(ctx, stream, p, logger) }()

	select {
	case err := <-recvErr:
		return err
	case err := <-sendErr:
		if err != nil {
			logger.Error("sending to peer failed", "error", err)
			return status.Errorf(codes.Internal, "sending event: %v", err)
		}
		return nil
	}
}

// forward writes queued outbound events to the stream until the peer's
// channel closes or the stream ends. It is the stream's only sender after
// the welcome.
func (s *Service) forward(ctx context.Context, stream Stream, p *Peer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.Channel:
			if !ok {
				return nil
			}
			msg, err := encodeEvent(ev)
			if err != nil {
				s.logger.Error("dropping unencodable event", "peer_id", p.ID, "error", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// receive is the sole resolver of the peer's pending calls.
func (s *Service) receive(ctx context.Context, stream Stream, p *Peer, logger *slog.Logger) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			logger.Info("peer disconnected")
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				logger.Info("peer stream cancelled")
				return nil
			}
			return status.Errorf(codes.Internal, "receiving message: %v", err)
		}

		ev := decodeEvent(msg)
		switch ev.Kind {
		case KindCompletion, KindToolResult:
			callID := ev.CorrelationID()
			if callID == "" {
				logger.Debug("ignoring reply without call_id", "kind", ev.Kind)
				continue
			}
			if !s.router.Resolve(callID, []byte(ev.Payload)) {
				logger.Debug("ignoring reply for unknown call", "kind", ev.Kind, "call_id", callID)
			}

		case KindRPC:
			go s.answerRPC(ctx, p, ev, logger)

		case KindHeartbeat:
			logger.Debug("heartbeat")

		case KindRegister:
			logger.Warn("duplicate registration ignored")

		default:
			logger.Debug("ignoring event", "kind", ev.Kind)
		}
	}
}

// answerRPC dispatches a peer's JSON-RPC request and replies with rpc_result.
func (s *Service) answerRPC(ctx context.Context, p *Peer, ev Event, logger *slog.Logger) {
	if s.rpc == nil {
		logger.Warn("rpc event received but no handler configured")
		return
	}
	out := s.rpc.HandleRaw(tools.WithSessionKey(ctx, "peer:"+p.ID), []byte(ev.Payload))
	if out == nil {
		return // notification
	}
	reply := Event{Kind: KindRPCResult, CallID: ev.CorrelationID(), PeerID: p.ID, Payload: string(out)}
	if err := p.Send(ctx, reply); err != nil {
		logger.Debug("dropping rpc_result", "call_id", reply.CallID, "error", err)
	}
}

func (s *Service) addTools(p *Peer) {
	if s.tools == nil {
		return
	}
	for _, def := range p.Tools {
		s.tools.Add(NewTool(def, p.ID, s.peers, s.router, s.toolTimeout))
	}
}

// removeTools drops the peer's tools unless another peer has since replaced
// them under the same name.
func (s *Service) removeTools(p *Peer) {
	if s.tools == nil {
		return
	}
	for _, def := range p.Tools {
		t, ok := s.tools.Get(def.Name)
		if !ok {
			continue
		}
		if pt, isPeer := t.(*Tool); isPeer && pt.PeerID() == p.ID {
			s.tools.Remove(def.Name)
		}
	}
}

// String describes the service for logs.
func (s *Service) String() string {
	return fmt.Sprintf("%s (%d peers)", ServiceName, len(s.peers.List()))
}
