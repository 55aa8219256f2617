// ABOUTME: Keyed session store with shared and per-user modes.
// ABOUTME: Per-user sessions are LRU-capped and evicted after an idle TTL.

package session

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Store modes.
const (
	ModeShared  = "shared"
	ModePerUser = "per_user"
)

// sharedKey names the single session of a shared store.
const sharedKey = "shared"

// defaultCleanupInterval is how often idle sessions are swept.
const defaultCleanupInterval = time.Minute

// Factory creates the session for a key.
type Factory func(key string) *Session

// StoreConfig configures a Store.
type StoreConfig struct {
	Mode    string
	Factory Factory
	// MaxSessions caps per-user sessions; the least recently used is evicted.
	// Zero means unbounded.
	MaxSessions int
	// IdleTTL evicts per-user sessions not used for this long. Zero disables.
	IdleTTL         time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// storeEntry stores the last use time and list element for a session.
type storeEntry struct {
	session  *Session
	lastUsed time.Time
	element  *list.Element
}

// Store hands out sessions by key.
type Store struct {
	mode    string
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*storeEntry
	order    *list.List // keys by recency (least recent at front)
	maxSize  int
	idleTTL  time.Duration

	done   chan struct{}
	closed bool
}

// NewStore creates a Store. In per-user mode with an idle TTL, a background
// goroutine periodically removes idle sessions until Close.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeShared
	}
	s := &Store{
		mode:     mode,
		factory:  cfg.Factory,
		logger:   logger.With("component", "session-store"),
		sessions: make(map[string]*storeEntry),
		order:    list.New(),
		maxSize:  cfg.MaxSessions,
		idleTTL:  cfg.IdleTTL,
		done:     make(chan struct{}),
	}

	if mode == ModePerUser && cfg.IdleTTL > 0 {
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = defaultCleanupInterval
		}
		go s.cleanup(interval)
	}
	return s
}

// Mode returns the store's mode.
func (s *Store) Mode() string { return s.mode }

// Get returns the session for key, creating it on first use. In shared mode
// every key maps to the same session.
func (s *Store) Get(key string) *Session {
	if s.mode != ModePerUser {
		key = sharedKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.sessions[key]; ok {
		entry.lastUsed = now
		s.order.MoveToBack(entry.element)
		return entry.session
	}

	if s.mode == ModePerUser && s.maxSize > 0 && len(s.sessions) >= s.maxSize {
		s.evictOldest()
	}

	sess := s.factory(key)
	s.sessions[key] = &storeEntry{
		session:  sess,
		lastUsed: now,
		element:  s.order.PushBack(key),
	}
	s.logger.Debug("session created", "session", key, "total", len(s.sessions))
	return sess
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictOldest removes the least recently used session. Must be called with mu held.
func (s *Store) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.sessions, key)
	s.logger.Info("session evicted", "session", key, "reason", "capacity")
}

// cleanup runs in a background goroutine, periodically removing idle sessions.
func (s *Store) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle(time.Now())
		case <-s.done:
			return
		}
	}
}

// evictIdle removes sessions unused for longer than the idle TTL.
func (s *Store) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, entry := range s.sessions {
		if now.Sub(entry.lastUsed) > s.idleTTL {
			s.order.Remove(entry.element)
			delete(s.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("idle sessions evicted", "evicted", evicted, "remaining", len(s.sessions))
	}
	return evicted
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
