package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"tickflow/internal/cache"
	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/internal/ratelimit"
	"tickflow/logger"
)

const healthProbeTimeout = 3 * time.Second

// Client implements Adapter generically on top of a Pipeline and the
// per-exchange Exchange surface. Concrete adapters construct a Client and
// only supply the parts that vary.
type Client struct {
	exchange Exchange
	pipeline *Pipeline
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	streamer Streamer
	log      *logger.Log

	batchConcurrency int

	mu         sync.Mutex
	subscribed map[string]string // canonical -> wire, for eviction on disconnect
}

// ClientConfig collects the collaborators shared by all adapters.
type ClientConfig struct {
	Pipeline         *Pipeline
	Limiter          *ratelimit.Limiter
	Cache            *cache.Cache
	Streamer         Streamer
	BatchConcurrency int
}

func NewClient(exchange Exchange, cfg ClientConfig) *Client {
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Client{
		exchange:         exchange,
		pipeline:         cfg.Pipeline,
		limiter:          cfg.Limiter,
		cache:            cfg.Cache,
		streamer:         cfg.Streamer,
		log:              logger.GetLogger(),
		batchConcurrency: concurrency,
		subscribed:       make(map[string]string),
	}
}

func (c *Client) Name() string {
	return strings.ToUpper(c.exchange.Name())
}

func (c *Client) component() string {
	return strings.ToLower(c.exchange.Name()) + "_adapter"
}

// Initialize probes the health endpoint once. A failure is logged and
// swallowed: the adapter stays registered and later fetches retry lazily.
func (c *Client) Initialize(ctx context.Context) error {
	if c.IsHealthy(ctx) {
		c.log.WithComponent(c.component()).Info("exchange reachable")
		return nil
	}
	c.log.WithComponent(c.component()).Warn("exchange unreachable at startup, continuing anyway")
	return nil
}

// FetchTicker is cache first and never raises: every failure mode is folded
// into an ERROR snapshot at this boundary.
func (c *Client) FetchTicker(ctx context.Context, symbol string) market.Snapshot {
	canonical := c.exchange.Canonical(symbol)

	if snap, ok := c.cache.GetTicker(ctx, c.Name(), canonical); ok {
		return snap
	}

	body, err := c.pipeline.Get(ctx, c.exchange.TickerURL(c.exchange.WireSymbol(canonical)))
	if err != nil {
		return c.errorSnapshot(canonical, err)
	}

	snap, err := c.exchange.ParseTicker(body, canonical)
	if err != nil {
		return c.errorSnapshot(canonical, err)
	}
	snap.Exchange = c.Name()
	snap.Symbol = canonical
	snap.Status = market.StatusActive
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	c.cache.PutTicker(ctx, snap)
	metrics.IncrementFetchSuccess(strings.ToLower(c.exchange.Name()))
	logger.RecordFetch(c.exchange.Name())
	return snap
}

func (c *Client) errorSnapshot(canonical string, err error) market.Snapshot {
	metrics.IncrementFetchError(strings.ToLower(c.exchange.Name()))
	c.log.WithComponent(c.component()).WithError(err).WithFields(logger.Fields{
		"symbol": canonical,
	}).Error("ticker fetch failed")
	return market.NewErrorSnapshot(c.Name(), canonical, err.Error())
}

// FetchTickers fans out over FetchTicker with bounded concurrency so the
// batch itself cannot trigger a rate-limit escalation. The returned channel
// is closed after all symbols have produced a snapshot.
func (c *Client) FetchTickers(ctx context.Context, symbols []string) <-chan market.Snapshot {
	return fanOut(ctx, symbols, c.batchConcurrency, c.FetchTicker)
}

// Subscribe registers the callback, then ensures the streaming connection
// exists. Exchanges without push support accept and ignore the call.
// Pushed snapshots are written to the cache before dispatch so REST polls
// and the stream converge on the same last-write-wins view.
func (c *Client) Subscribe(ctx context.Context, symbol string, callback func(market.Snapshot)) error {
	if c.streamer == nil {
		c.log.WithComponent(c.component()).WithFields(logger.Fields{
			"symbol": symbol,
		}).Debug("push delivery not supported, subscribe is a no-op")
		return nil
	}
	canonical := c.exchange.Canonical(symbol)
	wire := c.exchange.WireSymbol(canonical)
	caching := func(snap market.Snapshot) {
		if snap.IsActive() {
			putCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			c.cache.PutTicker(putCtx, snap)
			cancel()
		}
		callback(snap)
	}
	if err := c.streamer.Subscribe(ctx, canonical, wire, caching); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribed[canonical] = wire
	c.mu.Unlock()
	return nil
}

func (c *Client) Unsubscribe(symbol string) {
	if c.streamer == nil {
		return
	}
	canonical := c.exchange.Canonical(symbol)
	c.mu.Lock()
	wire, ok := c.subscribed[canonical]
	delete(c.subscribed, canonical)
	c.mu.Unlock()
	if !ok {
		wire = c.exchange.WireSymbol(canonical)
	}
	c.streamer.Unsubscribe(canonical, wire)
}

// IsHealthy probes the lightweight endpoint, short-circuited by the health
// cache namespace.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if healthy, found := c.cache.GetHealth(ctx, c.Name()); found {
		return healthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := c.pipeline.Get(probeCtx, c.exchange.HealthURL())
	healthy := err == nil
	c.cache.PutHealth(ctx, c.Name(), healthy)
	if err != nil {
		c.log.WithComponent(c.component()).WithError(err).Warn("health probe failed")
	}
	return healthy
}

func (c *Client) RateLimitInfo(ctx context.Context) market.RateLimitUsage {
	return c.limiter.Usage(ctx, c.exchange.Name())
}

// SupportedSymbols returns the canonical symbol list, cached for hours.
// Failures produce an empty list, never an error.
func (c *Client) SupportedSymbols(ctx context.Context) []string {
	if syms, ok := c.cache.GetSymbols(ctx, c.Name()); ok {
		return syms
	}

	body, err := c.pipeline.Get(ctx, c.exchange.SymbolsURL())
	if err != nil {
		c.log.WithComponent(c.component()).WithError(err).Error("symbol list fetch failed")
		return nil
	}
	syms, err := c.exchange.ParseSymbols(body)
	if err != nil {
		c.log.WithComponent(c.component()).WithError(err).Error("symbol list parse failed")
		return nil
	}
	c.cache.PutSymbols(ctx, c.Name(), syms)
	return syms
}

// Disconnect tears down the streaming connection and evicts this exchange's
// cache entries.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.subscribed = make(map[string]string)
	c.mu.Unlock()

	if c.streamer != nil {
		c.streamer.Disconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.cache.EvictExchange(ctx, c.Name())
	c.log.WithComponent(c.component()).Info("adapter disconnected")
}
