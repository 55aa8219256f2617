// ABOUTME: Reference peer for relay-gateway: answers graph prompts and serves two tools.
// ABOUTME: Usage: relay-peer [-addr localhost:50051] [-id graph]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/peer"
	"github.com/2389/relay-gateway/internal/tools"
)

// toolPrefix lets a prompt invoke a gateway tool: "/tool NAME {json args}".
const toolPrefix = "/tool "

func main() {
	addr := flag.String("addr", "localhost:50051", "gateway gRPC address")
	peerID := flag.String("id", "graph", "peer id (backend.peer in the gateway config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*addr, *peerID, logger); err != nil {
		log.Fatal(err)
	}
}

func run(addr, peerID string, logger *slog.Logger) error {
	conn, err := peer.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h := &handler{}
	client := peer.NewClient(conn, peer.ClientConfig{
		PeerID:  peerID,
		Tools:   localTools(),
		Handler: h.Handle,
		Logger:  logger,
	})
	h.client = client

	go func() {
		select {
		case <-client.Ready():
			fmt.Fprintf(os.Stderr, "registered as %s\n", peerID)
		case <-ctx.Done():
		}
	}()

	return client.Run(ctx)
}

func localTools() []tools.Definition {
	return []tools.Definition{
		{
			Name:        "echo",
			Description: "Returns its text argument unchanged",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		{
			Name:        "word_count",
			Description: "Counts the words in a text",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
	}
}

// rpcCaller issues JSON-RPC requests back to the gateway.
type rpcCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type handler struct {
	client rpcCaller
}

// Handle answers prompts and tool calls from the gateway.
func (h *handler) Handle(ctx context.Context, ev peer.Event) (string, error) {
	switch ev.Kind {
	case peer.KindPrompt:
		return h.prompt(ctx, ev.Payload)
	case peer.KindToolCall:
		return h.toolCall(ev.Payload)
	default:
		return "", fmt.Errorf("unexpected event %q", ev.Kind)
	}
}

func (h *handler) prompt(ctx context.Context, payload string) (string, error) {
	var req chat.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", fmt.Errorf("decoding prompt: %w", err)
	}

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == chat.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}

	text := fmt.Sprintf("**echo** (%d messages in history): %s", len(req.Messages), last)
	if rest, ok := strings.CutPrefix(last, toolPrefix); ok {
		out, err := h.callGatewayTool(ctx, rest)
		if err != nil {
			text = "tool call failed: " + err.Error()
		} else {
			text = out
		}
	}

	reply, err := json.Marshal(tools.TextResult(text))
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// callGatewayTool runs "NAME {json}" through the gateway's tools/call.
func (h *handler) callGatewayTool(ctx context.Context, line string) (string, error) {
	name, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	if name == "" {
		return "", errors.New("tool name is required")
	}
	params := map[string]any{"name": name}
	if args = strings.TrimSpace(args); args != "" {
		params["arguments"] = json.RawMessage(args)
	}

	raw, err := h.client.Call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	var result tools.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding tool result: %w", err)
	}
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func (h *handler) toolCall(payload string) (string, error) {
	var call peer.ToolCallPayload
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return "", fmt.Errorf("decoding tool call: %w", err)
	}
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("decoding arguments: %w", err)
	}

	var result *tools.Result
	switch call.Name {
	case "echo":
		result = tools.TextResult(args.Text)
	case "word_count":
		result = tools.TextResult(fmt.Sprintf("%d", len(strings.Fields(args.Text))))
	default:
		result = tools.ErrorResult("unknown tool: " + call.Name)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
