package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore fails every operation while down is set.
type flakyStore struct {
	*MemoryStore
	down atomic.Bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.down.Load() {
		return 0, errDown
	}
	return f.MemoryStore.Incr(ctx, key, ttl)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errDown
	}
	return nil
}

func TestFallbackDegradesAndServesLocally(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fb := NewFallbackStore(primary)
	ctx := context.Background()

	if count, err := fb.Incr(ctx, "k", time.Minute); err != nil || count != 1 {
		t.Fatalf("Incr via primary = %d, %v", count, err)
	}
	if fb.Degraded() {
		t.Fatal("degraded before any failure")
	}

	primary.down.Store(true)
	count, err := fb.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Incr during outage: %v", err)
	}
	if !fb.Degraded() {
		t.Fatal("not degraded after primary failure")
	}
	// local counter starts fresh, it does not inherit the remote count
	if count != 1 {
		t.Fatalf("local Incr = %d, want 1", count)
	}
}

func TestFallbackResetsLocalCountersOnRecovery(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fb := NewFallbackStore(primary)
	fb.probeGap = 0
	ctx := context.Background()

	primary.down.Store(true)
	for i := 0; i < 5; i++ {
		if _, err := fb.Incr(ctx, "k", time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	primary.down.Store(false)
	count, err := fb.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if fb.Degraded() {
		t.Fatal("still degraded after recovery")
	}
	// the shared view wins: the recovered counter does not include the five
	// local increments
	if count != 1 {
		t.Fatalf("Incr after recovery = %d, want 1", count)
	}
	if got, _ := fb.local.Get(ctx, "k"); got != "" {
		t.Fatalf("local store not reset, got %q", got)
	}
}
