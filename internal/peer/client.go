// ABOUTME: Peer-side client for the PeerService Connect stream.
// ABOUTME: Registers tools, answers prompts and tool calls, and issues RPCs to the gateway.

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/tools"
)

// ErrNotConnected indicates the client has no active stream.
var ErrNotConnected = errors.New("peer client not connected")

// HandlerFunc answers a prompt or tool_call event with a reply payload.
// For prompts the payload is a chat response (or a tool-result shaped text
// document); for tool calls it is a tools.Result.
type HandlerFunc func(ctx context.Context, ev Event) (string, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	PeerID  string
	Tools   []tools.Definition
	Handler HandlerFunc
	Logger  *slog.Logger
}

// Client is a peer connected to the gateway.
type Client struct {
	conn    grpc.ClientConnInterface
	cfg     ClientConfig
	logger  *slog.Logger
	pending *correlation.Router

	sendMu sync.Mutex
	stream grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

	ready     chan struct{}
	readyOnce sync.Once
}

// Dial opens a plaintext connection to a gateway's gRPC address.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return conn, nil
}

// NewClient creates a client on an existing connection.
func NewClient(conn grpc.ClientConnInterface, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "peer-client", "peer_id", cfg.PeerID)
	return &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pending: correlation.NewRouter(correlation.Config{Logger: logger}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the gateway has welcomed the client.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run connects, registers, and handles events until ctx is done or the
// gateway closes the stream.
func (c *Client) Run(ctx context.Context) error {
	defer c.pending.Close()

	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], connectMethod)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}

	defs, err := json.Marshal(c.cfg.Tools)
	if err != nil {
		return fmt.Errorf("encoding tool definitions: %w", err)
	}
	c.sendMu.Lock()
	c.stream = stream
	c.sendMu.Unlock()

	if err := c.send(Event{Kind: KindRegister, PeerID: c.cfg.PeerID, Payload: string(defs)}); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("waiting for welcome: %w", err)
	}
	if ev := decodeEvent(first); ev.Kind != KindWelcome {
		return fmt.Errorf("expected welcome, got %q", ev.Kind)
	}
	c.logger.Info("connected to gateway", "tools", len(c.cfg.Tools))
	c.readyOnce.Do(func() { close(c.ready) })

	var wg sync.WaitGroup
	defer func() {
		// Unblock handlers waiting on gateway RPCs before joining them.
		c.pending.Close()
		wg.Wait()
	}()

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}

		ev := decodeEvent(msg)
		switch ev.Kind {
		case KindPrompt, KindToolCall:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.answer(ctx, ev)
			}()
		case KindRPCResult:
			c.pending.Resolve(ev.CorrelationID(), []byte(ev.Payload))
		default:
			c.logger.Debug("ignoring event", "kind", ev.Kind)
		}
	}
}

func (c *Client) answer(ctx context.Context, ev Event) {
	replyKind := KindCompletion
	if ev.Kind == KindToolCall {
		replyKind = KindToolResult
	}

	var payload string
	if c.cfg.Handler == nil {
		payload = errorPayload(errors.New("peer has no handler"))
	} else {
		out, err := c.cfg.Handler(ctx, ev)
		if err != nil {
			c.logger.Warn("handler failed", "kind", ev.Kind, "call_id", ev.CorrelationID(), "error", err)
			out = errorPayload(err)
		}
		payload = out
	}

	reply := Event{
		Kind:     replyKind,
		CallID:   ev.CorrelationID(),
		PeerID:   c.cfg.PeerID,
		Payload:  payload,
		Metadata: map[string]string{MetadataCallID: ev.CorrelationID()},
	}
	if err := c.send(reply); err != nil {
		c.logger.Warn("sending reply failed", "call_id", reply.CallID, "error", err)
	}
}

func errorPayload(err error) string {
	b, _ := json.Marshal(tools.ErrorResult(err.Error()))
	return string(b)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call issues a JSON-RPC request to the gateway over the stream and returns
// its result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	w, err := c.pending.Register()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: w.ID(), Method: method, Params: params})
	if err != nil {
		c.pending.Abandon(w.ID())
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := c.send(Event{Kind: KindRPC, CallID: w.ID(), PeerID: c.cfg.PeerID, Payload: string(body)}); err != nil {
		c.pending.Abandon(w.ID())
		return nil, err
	}

	raw, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func (c *Client) send(ev Event) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.stream == nil {
		return ErrNotConnected
	}
	return c.stream.Send(msg)
}
