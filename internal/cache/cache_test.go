package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/internal/market"
	"tickflow/internal/store"
)

func newTestCache(ttls TTLConfig) *Cache {
	return New(store.NewMemoryStore(), ttls)
}

func activeSnapshot(exchange, symbol string) market.Snapshot {
	return market.Snapshot{
		Exchange:  exchange,
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(42000.5),
		Bid:       decimal.NewFromFloat(42000.1),
		Ask:       decimal.NewFromFloat(42000.9),
		Volume24h: decimal.NewFromInt(1234),
		Change24h: decimal.NewFromFloat(-1.2),
		Timestamp: time.Now().UTC(),
		Status:    market.StatusActive,
	}
}

func TestTickerRoundTrip(t *testing.T) {
	c := newTestCache(TTLConfig{})
	ctx := context.Background()

	if _, ok := c.GetTicker(ctx, "binance", "BTCUSDT"); ok {
		t.Fatal("hit on empty cache")
	}

	want := activeSnapshot("binance", "BTCUSDT")
	c.PutTicker(ctx, want)

	got, ok := c.GetTicker(ctx, "binance", "BTCUSDT")
	if !ok {
		t.Fatal("miss after PutTicker")
	}
	if !got.Price.Equal(want.Price) || got.Symbol != want.Symbol || got.Status != market.StatusActive {
		t.Fatalf("got %+v", got)
	}
}

func TestTickerExpires(t *testing.T) {
	c := newTestCache(TTLConfig{Ticker: 30 * time.Millisecond})
	ctx := context.Background()

	c.PutTicker(ctx, activeSnapshot("binance", "BTCUSDT"))
	if _, ok := c.GetTicker(ctx, "binance", "BTCUSDT"); !ok {
		t.Fatal("miss before TTL elapsed")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.GetTicker(ctx, "binance", "BTCUSDT"); ok {
		t.Fatal("hit after TTL elapsed")
	}
}

func TestHitMissCountersIncrementOncePerGet(t *testing.T) {
	c := newTestCache(TTLConfig{})
	ctx := context.Background()

	c.GetTicker(ctx, "binance", "BTCUSDT") // miss
	c.PutTicker(ctx, activeSnapshot("binance", "BTCUSDT"))
	c.GetTicker(ctx, "binance", "BTCUSDT") // hit
	c.GetTicker(ctx, "binance", "BTCUSDT") // hit

	for _, s := range c.StatsSnapshot() {
		if s.Namespace != NamespaceTicker {
			continue
		}
		if s.Hits != 2 || s.Misses != 1 {
			t.Fatalf("ticker stats = %+v", s)
		}
		if s.HitRate < 0.66 || s.HitRate > 0.67 {
			t.Fatalf("hit rate = %v", s.HitRate)
		}
		return
	}
	t.Fatal("ticker namespace missing from stats")
}

func TestSymbolsAndHealthNamespaces(t *testing.T) {
	c := newTestCache(TTLConfig{})
	ctx := context.Background()

	c.PutSymbols(ctx, "kucoin", []string{"BTCUSDT", "ETHUSDT"})
	syms, ok := c.GetSymbols(ctx, "kucoin")
	if !ok || len(syms) != 2 {
		t.Fatalf("symbols = %v, %v", syms, ok)
	}

	c.PutHealth(ctx, "kucoin", true)
	healthy, found := c.GetHealth(ctx, "kucoin")
	if !found || !healthy {
		t.Fatalf("health = %v, %v", healthy, found)
	}
}

func TestEvictExchangeClearsAllNamespaces(t *testing.T) {
	c := newTestCache(TTLConfig{})
	ctx := context.Background()

	c.PutTicker(ctx, activeSnapshot("bybit", "BTCUSDT"))
	c.PutSymbols(ctx, "bybit", []string{"BTCUSDT"})
	c.PutHealth(ctx, "bybit", true)
	c.PutTicker(ctx, activeSnapshot("binance", "BTCUSDT"))

	c.EvictExchange(ctx, "bybit")

	if _, ok := c.GetTicker(ctx, "bybit", "BTCUSDT"); ok {
		t.Fatal("bybit ticker survived eviction")
	}
	if _, ok := c.GetSymbols(ctx, "bybit"); ok {
		t.Fatal("bybit symbols survived eviction")
	}
	if _, found := c.GetHealth(ctx, "bybit"); found {
		t.Fatal("bybit health survived eviction")
	}
	if _, ok := c.GetTicker(ctx, "binance", "BTCUSDT"); !ok {
		t.Fatal("eviction leaked into another exchange")
	}
}
