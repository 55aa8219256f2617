// ABOUTME: Backend that forwards completions to a connected event-driven peer.
// ABOUTME: Correlates the prompt and its reply through the correlation router.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/correlation"
	"github.com/2389/relay-gateway/internal/peer"
)

// ErrPeerReply indicates the peer answered with an error result.
var ErrPeerReply = errors.New("peer reported an error")

// EventSender delivers events to a connected peer.
type EventSender interface {
	Send(ctx context.Context, peerID string, ev peer.Event) error
}

// GraphBackend sends each request to one peer as a prompt event.
type GraphBackend struct {
	peerID string
	peers  EventSender
	router *correlation.Router
	logger *slog.Logger
}

// NewGraphBackend creates a GraphBackend addressing peerID.
func NewGraphBackend(peerID string, peers EventSender, router *correlation.Router, logger *slog.Logger) *GraphBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphBackend{peerID: peerID, peers: peers, router: router, logger: logger}
}

// PeerID returns the peer this backend addresses.
func (b *GraphBackend) PeerID() string { return b.peerID }

// Complete implements Backend. It blocks until the peer replies, the call is
// evicted, or ctx is done.
func (b *GraphBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	w, err := b.router.Register()
	if err != nil {
		return nil, fmt.Errorf("registering call: %w", err)
	}

	ev := peer.Event{
		Kind:     peer.KindPrompt,
		CallID:   w.ID(),
		PeerID:   b.peerID,
		Payload:  string(body),
		Metadata: map[string]string{peer.MetadataCallID: w.ID()},
	}
	if err := b.peers.Send(ctx, b.peerID, ev); err != nil {
		b.router.Abandon(w.ID())
		return nil, fmt.Errorf("sending prompt to %s: %w", b.peerID, err)
	}
	b.logger.Debug("prompt sent", "peer_id", b.peerID, "call_id", w.ID())

	reply, err := w.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", b.peerID, err)
	}
	return decodeGraphReply(reply, req.Model)
}

// graphTextReply is the tool-result shaped reply some peers send.
type graphTextReply struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// decodeGraphReply accepts either a full chat completion or a
// {"content":[{"type":"text","text":...}]} document.
func decodeGraphReply(payload []byte, model string) (*chat.Response, error) {
	var resp chat.Response
	if err := json.Unmarshal(payload, &resp); err == nil && len(resp.Choices) > 0 {
		return &resp, nil
	}

	var text graphTextReply
	if err := json.Unmarshal(payload, &text); err != nil || text.Content == nil {
		return nil, fmt.Errorf("%w: unrecognized peer reply", ErrMalformed)
	}

	parts := make([]string, 0, len(text.Content))
	for _, c := range text.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	joined := strings.Join(parts, "\n")
	if text.IsError {
		return nil, fmt.Errorf("%w: %s", ErrPeerReply, joined)
	}
	return chat.NewTextResponse("completion-"+uuid.NewString(), model, joined), nil
}
