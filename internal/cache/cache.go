package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/internal/store"
	"tickflow/logger"
)

// Namespaces. Each carries its own TTL policy: tickers stay fresh for
// seconds, symbol lists for hours, health probes for tens of seconds.
const (
	NamespaceTicker  = "ticker"
	NamespaceSymbols = "symbols"
	NamespaceHealth  = "health"
)

// TTLConfig holds the per-namespace expiries.
type TTLConfig struct {
	Ticker  time.Duration
	Symbols time.Duration
	Health  time.Duration
}

// DefaultTTLs mirrors the polling cadence of the exchanges: a ticker older
// than a few seconds is stale, symbol lists barely change.
func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Ticker:  10 * time.Second,
		Symbols: 12 * time.Hour,
		Health:  30 * time.Second,
	}
}

// Stats is the hit/miss view for one namespace exposed to the dashboard.
type Stats struct {
	Namespace string  `json:"namespace"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Cache is the namespaced snapshot cache shared by all adapters. Reads past
// the expiry count as misses even when the store has not evicted the entry
// yet; with the redis backend that eviction is handled by key TTLs, with the
// in-process fallback by the read path.
type Cache struct {
	store store.Store
	ttls  TTLConfig
	log   *logger.Log

	ticker  counters
	symbols counters
	health  counters
}

func New(st store.Store, ttls TTLConfig) *Cache {
	if ttls.Ticker <= 0 {
		ttls.Ticker = DefaultTTLs().Ticker
	}
	if ttls.Symbols <= 0 {
		ttls.Symbols = DefaultTTLs().Symbols
	}
	if ttls.Health <= 0 {
		ttls.Health = DefaultTTLs().Health
	}
	return &Cache{store: st, ttls: ttls, log: logger.GetLogger()}
}

func key(namespace, exchange, symbol string) string {
	if symbol == "" {
		return fmt.Sprintf("%s:%s", namespace, strings.ToLower(exchange))
	}
	return fmt.Sprintf("%s:%s:%s", namespace, strings.ToLower(exchange), strings.ToUpper(symbol))
}

func (c *Cache) countersFor(namespace string) *counters {
	switch namespace {
	case NamespaceTicker:
		return &c.ticker
	case NamespaceSymbols:
		return &c.symbols
	default:
		return &c.health
	}
}

// get records exactly one hit or miss per call.
func (c *Cache) get(ctx context.Context, namespace, k string, out interface{}) bool {
	ctr := c.countersFor(namespace)

	val, err := c.store.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
				"key": k,
			}).Debug("cache read failed, treating as miss")
		}
		ctr.misses.Add(1)
		metrics.IncrementCacheMiss(namespace)
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
			"key": k,
		}).Warn("corrupt cache entry dropped")
		_ = c.store.Del(ctx, k)
		ctr.misses.Add(1)
		metrics.IncrementCacheMiss(namespace)
		return false
	}
	ctr.hits.Add(1)
	metrics.IncrementCacheHit(namespace)
	return true
}

func (c *Cache) put(ctx context.Context, k string, ttl time.Duration, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
			"key": k,
		}).Warn("failed to encode cache entry")
		return
	}
	if err := c.store.Set(ctx, k, string(data), ttl); err != nil {
		c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
			"key": k,
		}).Debug("cache write failed")
	}
}

// GetTicker returns the cached snapshot for (exchange, symbol), if fresh.
func (c *Cache) GetTicker(ctx context.Context, exchange, symbol string) (market.Snapshot, bool) {
	var snap market.Snapshot
	ok := c.get(ctx, NamespaceTicker, key(NamespaceTicker, exchange, symbol), &snap)
	return snap, ok
}

// PutTicker stores the latest snapshot, superseding the previous one.
func (c *Cache) PutTicker(ctx context.Context, snap market.Snapshot) {
	c.put(ctx, key(NamespaceTicker, snap.Exchange, snap.Symbol), c.ttls.Ticker, snap)
}

// GetSymbols returns the cached supported-symbol list for an exchange.
func (c *Cache) GetSymbols(ctx context.Context, exchange string) ([]string, bool) {
	var syms []string
	ok := c.get(ctx, NamespaceSymbols, key(NamespaceSymbols, exchange, ""), &syms)
	return syms, ok
}

func (c *Cache) PutSymbols(ctx context.Context, exchange string, syms []string) {
	c.put(ctx, key(NamespaceSymbols, exchange, ""), c.ttls.Symbols, syms)
}

// GetHealth returns the cached health probe result for an exchange.
func (c *Cache) GetHealth(ctx context.Context, exchange string) (healthy bool, found bool) {
	var v bool
	ok := c.get(ctx, NamespaceHealth, key(NamespaceHealth, exchange, ""), &v)
	return v, ok
}

func (c *Cache) PutHealth(ctx context.Context, exchange string, healthy bool) {
	c.put(ctx, key(NamespaceHealth, exchange, ""), c.ttls.Health, healthy)
}

// EvictTicker drops a single ticker entry.
func (c *Cache) EvictTicker(ctx context.Context, exchange, symbol string) {
	_ = c.store.Del(ctx, key(NamespaceTicker, exchange, symbol))
}

// EvictExchange clears every namespace for the exchange by key prefix.
func (c *Cache) EvictExchange(ctx context.Context, exchange string) {
	exchange = strings.ToLower(exchange)
	for _, ns := range []string{NamespaceTicker, NamespaceSymbols, NamespaceHealth} {
		if err := c.store.DelPrefix(ctx, ns+":"+exchange); err != nil {
			c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
				"exchange":  exchange,
				"namespace": ns,
			}).Warn("failed to evict exchange cache entries")
		}
	}
}

// StatsSnapshot reports the hit/miss counters per namespace.
func (c *Cache) StatsSnapshot() []Stats {
	out := make([]Stats, 0, 3)
	for _, ns := range []string{NamespaceTicker, NamespaceSymbols, NamespaceHealth} {
		ctr := c.countersFor(ns)
		hits := ctr.hits.Load()
		misses := ctr.misses.Load()
		s := Stats{Namespace: ns, Hits: hits, Misses: misses}
		if total := hits + misses; total > 0 {
			s.HitRate = float64(hits) / float64(total)
		}
		out = append(out, s)
	}
	return out
}
