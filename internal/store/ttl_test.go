package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRunReaperEvictsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := NewMemory()
	var mu sync.Mutex
	now := time.Now()
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, _ := m.Create(context.Background())

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	evicted := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunReaper(ctx, m, time.Minute, 10*time.Millisecond, func(id string) { evicted <- id })
	}()

	select {
	case id := <-evicted:
		if id != s.ID {
			t.Fatalf("evicted %s, want %s", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunReaper returned %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty store, got %d", m.Len())
	}
}

func TestRunReaperDisabled(t *testing.T) {
	t.Parallel()

	if err := RunReaper(context.Background(), NewMemory(), 0, 0, nil); err != nil {
		t.Fatalf("RunReaper with ttl 0 returned %v", err)
	}
}
