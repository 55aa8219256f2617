// ABOUTME: Tests for the correlation router.
// ABOUTME: Validates uniqueness, idempotent resolution, cancellation, and eviction.

package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := NewRouter(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestRegisterProducesUniqueIDs(t *testing.T) {
	r := newTestRouter(t, Config{})

	const n = 500
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := r.Register()
			if err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			ids <- w.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate call id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d ids, want %d", len(seen), n)
	}
	if r.Pending() != n {
		t.Errorf("Pending() = %d, want %d", r.Pending(), n)
	}
}

func TestResolve(t *testing.T) {
	t.Run("unknown id returns false", func(t *testing.T) {
		r := newTestRouter(t, Config{})
		if r.Resolve("call-missing", []byte("x")) {
			t.Error("Resolve(unknown) = true, want false")
		}
		if r.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", r.Pending())
		}
	})

	t.Run("delivers payload exactly once", func(t *testing.T) {
		r := newTestRouter(t, Config{})
		w, err := r.Register()
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		if !r.Resolve(w.ID(), []byte("first")) {
			t.Fatal("first Resolve() = false, want true")
		}
		if r.Resolve(w.ID(), []byte("second")) {
			t.Error("second Resolve() = true, want false")
		}

		got, err := w.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if string(got) != "first" {
			t.Errorf("Wait() = %q, want %q", got, "first")
		}
		if r.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", r.Pending())
		}
	})

	t.Run("resolve from another goroutine while waiting", func(t *testing.T) {
		r := newTestRouter(t, Config{})
		w, _ := r.Register()

		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Resolve(w.ID(), []byte("async"))
		}()

		got, err := w.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if string(got) != "async" {
			t.Errorf("Wait() = %q, want %q", got, "async")
		}
	})
}

func TestWaitCancellationAbandonsEntry(t *testing.T) {
	r := newTestRouter(t, Config{})
	w, _ := r.Register()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
	if r.Resolve(w.ID(), []byte("late")) {
		t.Error("late Resolve() = true, want false")
	}
}

func TestEviction(t *testing.T) {
	t.Run("expired entries are evicted", func(t *testing.T) {
		r := newTestRouter(t, Config{TTL: time.Minute})
		w, _ := r.Register()

		if n := r.evictExpired(time.Now()); n != 0 {
			t.Fatalf("evictExpired(now) = %d, want 0", n)
		}
		if n := r.evictExpired(time.Now().Add(2 * time.Minute)); n != 1 {
			t.Fatalf("evictExpired(later) = %d, want 1", n)
		}

		_, err := w.Wait(context.Background())
		if !errors.Is(err, ErrEvicted) {
			t.Errorf("Wait() error = %v, want ErrEvicted", err)
		}
		if r.Resolve(w.ID(), nil) {
			t.Error("Resolve() after eviction = true, want false")
		}
	})

	t.Run("reaper runs in background", func(t *testing.T) {
		r := newTestRouter(t, Config{TTL: 20 * time.Millisecond, ReapInterval: 5 * time.Millisecond})
		w, _ := r.Register()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := w.Wait(ctx)
		if !errors.Is(err, ErrEvicted) {
			t.Errorf("Wait() error = %v, want ErrEvicted", err)
		}
	})
}

func TestDuplicateID(t *testing.T) {
	r := newTestRouter(t, Config{NewID: func() string { return "call-fixed" }})

	if _, err := r.Register(); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if _, err := r.Register(); !errors.Is(err, ErrDuplicateCallID) {
		t.Errorf("second Register() error = %v, want ErrDuplicateCallID", err)
	}
}

func TestClose(t *testing.T) {
	r := NewRouter(Config{Logger: slog.Default(), TTL: time.Minute})
	w, _ := r.Register()

	r.Close()
	r.Close()

	if _, err := w.Wait(context.Background()); !errors.Is(err, ErrEvicted) {
		t.Errorf("Wait() error = %v, want ErrEvicted", err)
	}
	if _, err := r.Register(); !errors.Is(err, ErrClosed) {
		t.Errorf("Register() after Close error = %v, want ErrClosed", err)
	}
}
