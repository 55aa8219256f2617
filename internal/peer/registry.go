// ABOUTME: Thread-safe registry of connected peers and their outbound channels.
// ABOUTME: Manages peer registration, lookup, event delivery, and shutdown.

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/relay-gateway/internal/tools"
)

// ErrPeerAlreadyRegistered indicates a peer with the same ID is already connected.
var ErrPeerAlreadyRegistered = errors.New("peer already registered")

// ErrPeerNotFound indicates the addressed peer is not connected.
var ErrPeerNotFound = errors.New("peer not found")

// ErrPeerClosed indicates the peer's channel has been closed.
var ErrPeerClosed = errors.New("peer channel closed")

// outboundBuffer is the per-peer queue depth for events awaiting the stream.
const outboundBuffer = 16

// Peer is a connected peer and its outbound event queue.
type Peer struct {
	ID      string
	Tools   []tools.Definition
	Channel chan Event

	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// Send queues an event for the peer. Returns ErrPeerClosed once the peer
// has disconnected.
func (p *Peer) Send(ctx context.Context, e Event) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.Channel <- e:
		return nil
	case <-p.done:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the peer's channel. Safe to call multiple times.
func (p *Peer) Close() {
	// Release any sender blocked on a full queue before taking the lock.
	p.doneOnce.Do(func() { close(p.done) })

	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.Channel)
	}
}

// Info is public information about a connected peer.
type Info struct {
	ID        string
	ToolNames []string
}

// Registry tracks connected peers.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	logger *slog.Logger
}

// NewRegistry creates an empty peer registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers:  make(map[string]*Peer),
		logger: logger.With("component", "peers"),
	}
}

// Register adds a peer and returns it.
func (r *Registry) Register(id string, defs []tools.Definition) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPeerAlreadyRegistered, id)
	}

	p := &Peer{
		ID:      id,
		Tools:   defs,
		Channel: make(chan Event, outboundBuffer),
		done:    make(chan struct{}),
	}
	r.peers[id] = p

	r.logger.Info("=== PEER REGISTERED ===",
		"peer_id", id,
		"tool_count", len(defs),
		"total_peers", len(r.peers),
	)
	return p, nil
}

// Unregister removes a peer and closes its channel.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[id]
	if !exists {
		return
	}
	p.Close()
	delete(r.peers, id)

	r.logger.Info("=== PEER UNREGISTERED ===",
		"peer_id", id,
		"total_peers", len(r.peers),
	)
}

// Get returns the connected peer with the given ID, or nil.
func (r *Registry) Get(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Connected reports whether a peer is connected.
func (r *Registry) Connected(id string) bool {
	return r.Get(id) != nil
}

// Send queues an event for the named peer.
func (r *Registry) Send(ctx context.Context, peerID string, e Event) error {
	p := r.Get(peerID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return p.Send(ctx, e)
}

// List returns information about all connected peers sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		names := make([]string, 0, len(p.Tools))
		for _, d := range p.Tools {
			names = append(names, d.Name)
		}
		infos = append(infos, Info{ID: p.ID, ToolNames: names})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close closes every peer channel and clears the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.peers)
	for _, p := range r.peers {
		p.Close()
	}
	r.peers = make(map[string]*Peer)

	r.logger.Info("peer registry closed", "peers_closed", count)
}
