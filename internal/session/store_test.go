// ABOUTME: Tests for the keyed session store.
// ABOUTME: Covers shared and per-user modes, LRU capacity, and idle eviction.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg StoreConfig) (*Store, *[]string) {
	t.Helper()
	var created []string
	cfg.Factory = func(key string) *Session {
		created = append(created, key)
		return New(key, Config{Backend: &scriptedBackend{}, Logger: testLogger()})
	}
	cfg.Logger = testLogger()
	s := NewStore(cfg)
	t.Cleanup(s.Close)
	return s, &created
}

func TestStoreSharedMode(t *testing.T) {
	s, created := newTestStore(t, StoreConfig{})
	assert.Equal(t, ModeShared, s.Mode())

	a := s.Get("alice")
	b := s.Get("bob")
	assert.Same(t, a, b)
	assert.Equal(t, []string{"shared"}, *created)
	assert.Equal(t, 1, s.Len())
}

func TestStorePerUserMode(t *testing.T) {
	s, created := newTestStore(t, StoreConfig{Mode: ModePerUser})

	a := s.Get("alice")
	b := s.Get("bob")
	assert.NotSame(t, a, b)
	assert.Same(t, a, s.Get("alice"))
	assert.Equal(t, "alice", a.Key())
	assert.Equal(t, []string{"alice", "bob"}, *created)
	assert.Equal(t, 2, s.Len())
}

func TestStoreCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	s, created := newTestStore(t, StoreConfig{Mode: ModePerUser, MaxSessions: 2})

	a := s.Get("a")
	s.Get("b")
	s.Get("a") // a is now most recent
	s.Get("c") // evicts b

	assert.Equal(t, 2, s.Len())
	assert.Same(t, a, s.Get("a"))

	s.Get("b") // recreated, evicts c
	assert.Equal(t, []string{"a", "b", "c", "b"}, *created)
	assert.Equal(t, 2, s.Len())
}

func TestStoreEvictIdle(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{Mode: ModePerUser, IdleTTL: time.Minute, CleanupInterval: time.Hour})

	s.Get("a")
	s.Get("b")

	assert.Equal(t, 0, s.evictIdle(time.Now()))
	assert.Equal(t, 2, s.evictIdle(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, s.Len())
}

func TestStoreBackgroundCleanup(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{
		Mode:            ModePerUser,
		IdleTTL:         10 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	})
	s.Get("a")

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStoreCloseIdempotent(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{Mode: ModePerUser, IdleTTL: time.Minute})
	s.Close()
	s.Close()
}
