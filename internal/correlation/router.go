// ABOUTME: Concurrent call_id table of single-use reply slots.
// ABOUTME: Handles registration, idempotent resolution, abandonment, and TTL eviction.

package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/chat"
)

// ErrDuplicateCallID indicates a generated call_id collided with a pending one.
var ErrDuplicateCallID = errors.New("duplicate call ID")

// ErrEvicted indicates the pending call was removed before a reply arrived,
// either by the TTL reaper or because the router was closed.
var ErrEvicted = errors.New("pending call evicted")

// ErrClosed indicates the router no longer accepts registrations.
var ErrClosed = errors.New("router closed")

// DefaultReapInterval is how often expired entries are swept when a TTL is set.
const DefaultReapInterval = 10 * time.Second

type pendingCall struct {
	reply   chan []byte
	created time.Time
}

// Router tracks pending calls awaiting asynchronous replies.
type Router struct {
	logger *slog.Logger
	ttl    time.Duration
	newID  func() string

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	done     chan struct{}
	doneOnce sync.Once
}

// Config contains configuration options for the Router.
type Config struct {
	Logger *slog.Logger
	// TTL bounds how long an unresolved entry may stay in the table.
	// Zero disables eviction.
	TTL time.Duration
	// ReapInterval is the sweep period; defaults to DefaultReapInterval.
	ReapInterval time.Duration
	// NewID overrides call_id generation (tests).
	NewID func() string
}

// NewRouter creates a Router and, when a TTL is configured, starts its reaper.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = chat.NewCallID
	}

	r := &Router{
		logger:  logger.With("component", "correlation"),
		ttl:     cfg.TTL,
		newID:   newID,
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}

	if cfg.TTL > 0 {
		interval := cfg.ReapInterval
		if interval <= 0 {
			interval = DefaultReapInterval
		}
		go r.reap(interval)
	}
	return r
}

// Waiter is the owning handle for one pending call.
type Waiter struct {
	id     string
	reply  <-chan []byte
	router *Router
}

// ID returns the call_id to attach to the outbound request.
func (w *Waiter) ID() string { return w.id }

// Wait blocks until the call is resolved, evicted, or ctx is done. On
// cancellation the entry is abandoned so it does not linger in the table.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-w.reply:
		if !ok {
			return nil, ErrEvicted
		}
		return payload, nil
	case <-ctx.Done():
		w.router.Abandon(w.id)
		return nil, ctx.Err()
	}
}

// Register allocates a call_id and inserts an empty pending entry.
func (r *Router) Register() (*Waiter, error) {
	id := r.newID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicateCallID
	}

	ch := make(chan []byte, 1)
	r.pending[id] = &pendingCall{reply: ch, created: time.Now()}

	r.logger.Debug("registered pending call", "call_id", id)
	return &Waiter{id: id, reply: ch, router: r}, nil
}

// Resolve delivers payload to the waiter for callID. It returns false when
// no such call is pending.
func (r *Router) Resolve(callID string, payload []byte) bool {
	r.mu.Lock()
	call, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("ignoring reply for unknown call", "call_id", callID)
		return false
	}

	// The slot has capacity one and this is its only sender.
	call.reply <- payload
	return true
}

// Abandon removes a pending call without delivering a reply.
func (r *Router) Abandon(callID string) {
	r.mu.Lock()
	_, ok := r.pending[callID]
	delete(r.pending, callID)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("abandoned pending call", "call_id", callID)
	}
}

// Pending returns the number of unresolved calls.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// reap runs in a background goroutine, evicting expired entries.
func (r *Router) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictExpired(time.Now())
		case <-r.done:
			return
		}
	}
}

// evictExpired closes and removes every entry older than the TTL.
func (r *Router) evictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, call := range r.pending {
		if now.Sub(call.created) > r.ttl {
			close(call.reply)
			delete(r.pending, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Warn("evicted expired pending calls",
			"evicted", evicted,
			"remaining", len(r.pending),
			"ttl", r.ttl,
		)
	}
	return evicted
}

// Close stops the reaper and unblocks every waiter with ErrEvicted.
// It is safe to call multiple times.
func (r *Router) Close() {
	r.doneOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := len(r.pending)
	for id, call := range r.pending {
		close(call.reply)
		delete(r.pending, id)
	}
	r.closed = true

	r.logger.Info("router closed", "pending_cancelled", cancelled)
}
