// ABOUTME: End-to-end tests of the PeerService over an in-memory gRPC connection.
// ABOUTME: Exercises registration, peer tools, prompt replies, RPC, and disconnects.

package peer

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/tools"
)

type echoRPC struct{}

func (echoRPC) HandleRaw(_ context.Context, body []byte) []byte {
	var req struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	_ = json.Unmarshal(body, &req)
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]string{"method": req.Method},
	})
	return out
}

type harness struct {
	peers  *Registry
	router *correlation.Router
	tools  *tools.Registry
	conn   *grpc.ClientConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		peers:  NewRegistry(nil),
		router: correlation.NewRouter(correlation.Config{}),
		tools:  tools.NewRegistry(nil),
	}
	svc := NewService(ServiceConfig{
		Peers:       h.peers,
		Router:      h.router,
		Tools:       h.tools,
		RPC:         echoRPC{},
		ToolTimeout: 2 * time.Second,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	svc.Register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	h.conn = conn

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		h.router.Close()
	})
	return h
}

// connect starts a client and waits for the welcome.
func (h *harness) connect(t *testing.T, cfg ClientConfig) (*Client, context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(h.conn, cfg)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("client exited before welcome: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("timed out waiting for welcome")
	}
	t.Cleanup(cancel)
	return c, cancel, done
}

func TestPeerToolRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.connect(t, ClientConfig{
		PeerID: "node-a",
		Tools: []tools.Definition{{
			Name:        "upper",
			Description: "uppercases text",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Handler: func(_ context.Context, ev Event) (string, error) {
			var call ToolCallPayload
			if err := json.Unmarshal([]byte(ev.Payload), &call); err != nil {
				return "", err
			}
			var args struct{ Text string }
			_ = json.Unmarshal(call.Arguments, &args)
			out, _ := json.Marshal(tools.TextResult(call.Name + ":" + args.Text))
			return string(out), nil
		},
	})

	require.Equal(t, 1, h.tools.Len())
	assert.Equal(t, "upper", h.tools.List()[0].Name)

	res, err := h.tools.Call(context.Background(), "upper", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "upper:hi", res.Content[0].Text)
	assert.Zero(t, h.router.Pending())
}

func TestPromptReplyResolvesWaiter(t *testing.T) {
	h := newHarness(t)
	h.connect(t, ClientConfig{
		PeerID: "graph",
		Handler: func(_ context.Context, ev Event) (string, error) {
			return `{"content":[{"type":"text","text":"pong"}]}`, nil
		},
	})

	w, err := h.router.Register()
	require.NoError(t, err)
	require.NoError(t, h.peers.Send(context.Background(), "graph", Event{
		Kind:    KindPrompt,
		CallID:  w.ID(),
		Payload: `{"messages":[]}`,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"pong"}]}`, string(reply))
}

func TestPeerRPC(t *testing.T) {
	h := newHarness(t)
	c, _, _ := h.connect(t, ClientConfig{PeerID: "node-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.Call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"tools/list"}`, string(result))
}

func TestDisconnectRemovesPeerAndTools(t *testing.T) {
	h := newHarness(t)
	_, cancel, done := h.connect(t, ClientConfig{
		PeerID: "node-a",
		Tools:  []tools.Definition{{Name: "echo"}},
	})
	require.True(t, h.peers.Connected("node-a"))

	cancel()
	<-done

	assert.Eventually(t, func() bool {
		return !h.peers.Connected("node-a") && h.tools.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicatePeerRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, ClientConfig{PeerID: "node-a"})

	c := NewClient(h.conn, ClientConfig{PeerID: "node-a"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
}

func TestPeerToolTimeout(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	defer close(block)

	h.connect(t, ClientConfig{
		PeerID: "slow",
		Tools:  []tools.Definition{{Name: "slow"}},
		Handler: func(ctx context.Context, _ Event) (string, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return "", ctx.Err()
		},
	})

	tool := NewTool(tools.Definition{Name: "slow"}, "slow", h.peers, h.router, 50*time.Millisecond)
	_, err := tool.Call(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.router.Pending(), "timed out call must leave the table")
}
