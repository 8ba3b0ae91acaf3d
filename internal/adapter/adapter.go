package adapter

import (
	"context"

	"tickflow/internal/market"
)

// Adapter is the uniform market-data capability set every exchange
// integration exposes. Fetch methods never return an error: failures come
// back as ERROR-status snapshots so callers handle every exchange the same
// way.
type Adapter interface {
	// Name returns the uppercase exchange code, e.g. "BINANCE".
	Name() string

	// Initialize probes the exchange. Failures are logged and non-fatal;
	// the adapter stays usable and retries lazily.
	Initialize(ctx context.Context) error

	// FetchTicker returns the latest snapshot for a symbol, cache first.
	FetchTicker(ctx context.Context, symbol string) market.Snapshot

	// FetchTickers fans out over FetchTicker with bounded concurrency.
	// One failing symbol never aborts the batch.
	FetchTickers(ctx context.Context, symbols []string) <-chan market.Snapshot

	// Subscribe registers a callback for pushed updates. Exchanges
	// without push support return nil immediately and deliver nothing.
	Subscribe(ctx context.Context, symbol string, callback func(market.Snapshot)) error

	// Unsubscribe removes the callback for symbol, if any.
	Unsubscribe(symbol string)

	// IsHealthy reports reachability, cached with a short TTL.
	IsHealthy(ctx context.Context) bool

	// RateLimitInfo projects the current window state for dashboards.
	RateLimitInfo(ctx context.Context) market.RateLimitUsage

	// SupportedSymbols lists tradable pairs in canonical form, cached
	// with a long TTL. Empty on failure.
	SupportedSymbols(ctx context.Context) []string

	// Disconnect releases the streaming connection and evicts this
	// exchange's cache entries.
	Disconnect()
}

// Exchange is the small per-exchange surface a concrete adapter implements:
// symbol wire format, endpoint selection and payload parsing. Everything
// else (gating, retries, caching, batching) is shared.
type Exchange interface {
	// Name returns the uppercase exchange code.
	Name() string

	// WireSymbol converts a canonical symbol to the exchange's format.
	WireSymbol(canonical string) string

	// Canonical converts an exchange-format symbol back to canonical form.
	Canonical(wire string) string

	// TickerURL returns the REST endpoint for one symbol's ticker.
	TickerURL(wire string) string

	// ParseTicker decodes a ticker payload into a snapshot for the given
	// canonical symbol.
	ParseTicker(body []byte, canonical string) (market.Snapshot, error)

	// SymbolsURL returns the endpoint listing tradable pairs.
	SymbolsURL() string

	// ParseSymbols decodes the symbol list payload into canonical symbols.
	ParseSymbols(body []byte) ([]string, error)

	// HealthURL returns a lightweight endpoint used for reachability
	// probes.
	HealthURL() string
}

// Streamer is implemented by the subscription manager for push-capable
// exchanges. Adapters for polling-only exchanges leave it nil.
type Streamer interface {
	Subscribe(ctx context.Context, canonical, wire string, callback func(market.Snapshot)) error
	Unsubscribe(canonical, wire string)
	Disconnect()
}
