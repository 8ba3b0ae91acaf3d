package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/internal/metrics"
	"tickflow/logger"
)

const defaultProbeInterval = 15 * time.Second

// FallbackStore serves from a shared primary store and degrades to an
// in-process MemoryStore when the primary is unreachable. Degraded mode is
// explicitly weaker (counters no longer coordinate across instances) and is
// surfaced through Degraded and the tickflow_store_degraded gauge.
//
// When the primary recovers mid-window the local counters are dropped rather
// than merged: the shared view wins, and a briefly under-counted window is
// preferable to double counting requests that were already recorded remotely.
type FallbackStore struct {
	primary  Store
	local    *MemoryStore
	log      *logger.Log
	degraded atomic.Bool

	mu        sync.Mutex
	nextProbe time.Time
	probeGap  time.Duration
}

func NewFallbackStore(primary Store) *FallbackStore {
	return &FallbackStore{
		primary:  primary,
		local:    NewMemoryStore(),
		log:      logger.GetLogger(),
		probeGap: defaultProbeInterval,
	}
}

// Degraded reports whether the store is currently serving from the
// in-process fallback.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

// active returns the store to use for this call, probing the primary at most
// once per probe interval while degraded.
func (s *FallbackStore) active(ctx context.Context) Store {
	if !s.degraded.Load() {
		return s.primary
	}

	s.mu.Lock()
	probe := time.Now().After(s.nextProbe)
	if probe {
		s.nextProbe = time.Now().Add(s.probeGap)
	}
	s.mu.Unlock()

	if probe && s.primary.Ping(ctx) == nil {
		s.recover()
		return s.primary
	}
	return s.local
}

func (s *FallbackStore) degrade(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		metrics.SetStoreDegraded(true)
		s.mu.Lock()
		s.nextProbe = time.Now().Add(s.probeGap)
		s.mu.Unlock()
		s.log.WithComponent("store").WithError(err).Error("shared store unreachable, falling back to in-process counters")
	}
}

func (s *FallbackStore) recover() {
	if s.degraded.CompareAndSwap(true, false) {
		s.local.Reset()
		metrics.SetStoreDegraded(false)
		s.log.WithComponent("store").Info("shared store recovered, local fallback counters reset")
	}
}

func (s *FallbackStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	st := s.active(ctx)
	count, err := st.Incr(ctx, key, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Incr(ctx, key, ttl)
	}
	return count, err
}

func (s *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	st := s.active(ctx)
	val, err := st.Get(ctx, key)
	if err != nil && err != ErrNotFound && st == s.primary {
		s.degrade(err)
		return s.local.Get(ctx, key)
	}
	return val, err
}

func (s *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	st := s.active(ctx)
	err := st.Set(ctx, key, value, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Set(ctx, key, value, ttl)
	}
	return err
}

func (s *FallbackStore) Del(ctx context.Context, keys ...string) error {
	st := s.active(ctx)
	err := st.Del(ctx, keys...)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Del(ctx, keys...)
	}
	return err
}

func (s *FallbackStore) DelPrefix(ctx context.Context, prefix string) error {
	st := s.active(ctx)
	err := st.DelPrefix(ctx, prefix)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.DelPrefix(ctx, prefix)
	}
	return err
}

func (s *FallbackStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	st := s.active(ctx)
	d, err := st.TTL(ctx, key)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.TTL(ctx, key)
	}
	return d, err
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		s.degrade(err)
		return err
	}
	s.recover()
	return nil
}
