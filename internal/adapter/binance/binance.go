package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tickflow/internal/adapter"
	"tickflow/internal/market"
	"tickflow/internal/ratelimit"
	"tickflow/internal/stream"
	"tickflow/internal/symbols"
	"tickflow/logger"
)

const (
	defaultRestURL   = "https://api.binance.com"
	defaultStreamURL = "wss://stream.binance.com:9443/ws"
)

// Exchange implements the binance-specific surface: canonical symbols map
// straight onto binance's wire format, tickers come from the 24hr statistics
// endpoint and push updates from the <symbol>@ticker stream.
type Exchange struct {
	restURL string
}

func (e *Exchange) Name() string { return "binance" }

func (e *Exchange) WireSymbol(canonical string) string {
	return symbols.ToBinanceWire(canonical)
}

func (e *Exchange) Canonical(wire string) string {
	return symbols.ToCanonical("binance", wire)
}

func (e *Exchange) TickerURL(wire string) string {
	return fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", e.restURL, wire)
}

func (e *Exchange) SymbolsURL() string {
	return e.restURL + "/api/v3/exchangeInfo"
}

func (e *Exchange) HealthURL() string {
	return e.restURL + "/api/v3/ping"
}

type tickerPayload struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

func (e *Exchange) ParseTicker(body []byte, canonical string) (market.Snapshot, error) {
	var p tickerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode binance ticker: %w", err)
	}
	if p.LastPrice == "" {
		return market.Snapshot{}, fmt.Errorf("binance ticker for %s missing lastPrice", canonical)
	}
	return buildSnapshot(canonical, p.LastPrice, p.BidPrice, p.AskPrice, p.Volume, p.PriceChangePercent, p.CloseTime)
}

type exchangeInfoPayload struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

func (e *Exchange) ParseSymbols(body []byte) ([]string, error) {
	var p exchangeInfoPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode binance exchangeInfo: %w", err)
	}
	out := make([]string, 0, len(p.Symbols))
	for _, s := range p.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out = append(out, symbols.ToCanonical("binance", s.Symbol))
	}
	return out, nil
}

func buildSnapshot(canonical, last, bid, ask, volume, changePct string, closeTimeMs int64) (market.Snapshot, error) {
	price, err := decimal.NewFromString(last)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("parse price %q: %w", last, err)
	}
	snap := market.Snapshot{Symbol: canonical, Price: price}
	if snap.Bid, err = parseOrZero(bid); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Ask, err = parseOrZero(ask); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Volume24h, err = parseOrZero(volume); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Change24h, err = parseOrZero(changePct); err != nil {
		return market.Snapshot{}, err
	}
	if closeTimeMs > 0 {
		snap.Timestamp = time.UnixMilli(closeTimeMs).UTC()
	}
	return snap, nil
}

func parseOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// codec frames the binance websocket protocol for the stream manager.
type codec struct {
	nextID atomic.Int64
}

func (c *codec) SubscribeCommand(wire string) interface{} {
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(wire) + "@ticker"},
		"id":     c.nextID.Add(1),
	}
}

func (c *codec) UnsubscribeCommand(wire string) interface{} {
	return map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": []string{strings.ToLower(wire) + "@ticker"},
		"id":     c.nextID.Add(1),
	}
}

type streamFrame struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	BidPrice           string `json:"b"`
	AskPrice           string `json:"a"`
	Volume             string `json:"v"`
	PriceChangePercent string `json:"P"`
}

// ParseFrame accepts 24hrTicker events and drops everything else
// (subscription acks, other event types, malformed frames).
func (c *codec) ParseFrame(frame []byte) (market.Snapshot, bool) {
	var f streamFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		logger.GetLogger().WithComponent("binance_stream").WithError(err).Debug("dropping malformed frame")
		return market.Snapshot{}, false
	}
	if f.Event != "24hrTicker" || f.Symbol == "" {
		return market.Snapshot{}, false
	}

	canonical := symbols.ToCanonical("binance", f.Symbol)
	snap, err := buildSnapshot(canonical, f.LastPrice, f.BidPrice, f.AskPrice, f.Volume, f.PriceChangePercent, f.EventTime)
	if err != nil {
		logger.GetLogger().WithComponent("binance_stream").WithError(err).WithFields(logger.Fields{
			"symbol": f.Symbol,
		}).Warn("dropping unparseable ticker frame")
		return market.Snapshot{}, false
	}
	snap.Exchange = "BINANCE"
	snap.Status = market.StatusActive
	return snap, true
}

// Config for the binance adapter.
type Config struct {
	RestURL   string
	StreamURL string
	adapter.ClientConfig
}

// Adapter wraps the generic client with binance's rate-ceiling discovery.
type Adapter struct {
	*adapter.Client
	limiter *ratelimit.Limiter
	log     *logger.Log
}

// New builds the binance adapter. Stream options default to the public
// combined endpoint; tests override the URLs and dialer.
func New(cfg Config, streamOpts stream.Options) *Adapter {
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = defaultStreamURL
	}

	exchange := &Exchange{restURL: restURL}
	cfg.ClientConfig.Streamer = stream.NewManager("binance", streamURL, &codec{}, streamOpts)

	return &Adapter{
		Client:  adapter.NewClient(exchange, cfg.ClientConfig),
		limiter: cfg.Limiter,
		log:     logger.GetLogger(),
	}
}

// Initialize additionally discovers the published REQUEST_WEIGHT per minute
// ceiling through the official client and tightens the shared limiter to it.
// Discovery failures are logged and non-fatal.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.Client.Initialize(ctx); err != nil {
		return err
	}

	limit, err := fetchRequestWeightLimit(ctx, gobinance.NewClient("", ""))
	if err != nil {
		a.log.WithComponent("binance_adapter").WithError(err).Warn("could not discover request weight limit")
		return nil
	}
	if limit > 0 {
		a.limiter.SetCeiling("binance", limit)
		a.log.WithComponent("binance_adapter").WithFields(logger.Fields{
			"limit": limit,
		}).Info("request weight ceiling discovered")
	}
	return nil
}

// fetchRequestWeightLimit queries the exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit. It returns 0 when the limit cannot be
// determined.
func fetchRequestWeightLimit(ctx context.Context, client *gobinance.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}
