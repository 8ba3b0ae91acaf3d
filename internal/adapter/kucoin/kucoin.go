package kucoin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tickflow/internal/adapter"
	"tickflow/internal/market"
	"tickflow/internal/stream"
	"tickflow/internal/symbols"
)

const defaultRestURL = "https://api.kucoin.com"

const successCode = "200000"

// Exchange implements the kucoin spot surface. Tickers come from the
// 24hr stats endpoint; push updates arrive on the /market/snapshot topic
// after the bullet-token handshake.
type Exchange struct {
	restURL string
}

func (e *Exchange) Name() string { return "kucoin" }

func (e *Exchange) WireSymbol(canonical string) string {
	return symbols.ToKucoinWire(canonical)
}

func (e *Exchange) Canonical(wire string) string {
	return symbols.ToCanonical("kucoin", wire)
}

func (e *Exchange) TickerURL(wire string) string {
	return fmt.Sprintf("%s/api/v1/market/stats?symbol=%s", e.restURL, wire)
}

func (e *Exchange) SymbolsURL() string {
	return e.restURL + "/api/v2/symbols"
}

func (e *Exchange) HealthURL() string {
	return e.restURL + "/api/v1/timestamp"
}

type statsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Symbol     string `json:"symbol"`
		Last       string `json:"last"`
		Buy        string `json:"buy"`
		Sell       string `json:"sell"`
		Vol        string `json:"vol"`
		ChangeRate string `json:"changeRate"`
		Time       int64  `json:"time"`
	} `json:"data"`
}

func (e *Exchange) ParseTicker(body []byte, canonical string) (market.Snapshot, error) {
	var resp statsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode kucoin stats: %w", err)
	}
	if resp.Code != successCode {
		return market.Snapshot{}, fmt.Errorf("kucoin code %s: %s", resp.Code, resp.Msg)
	}
	if resp.Data.Last == "" {
		return market.Snapshot{}, fmt.Errorf("kucoin stats for %s missing last price", canonical)
	}

	price, err := decimal.NewFromString(resp.Data.Last)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("parse price %q: %w", resp.Data.Last, err)
	}
	snap := market.Snapshot{Symbol: canonical, Price: price}
	if snap.Bid, err = parseOrZero(resp.Data.Buy); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Ask, err = parseOrZero(resp.Data.Sell); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Volume24h, err = parseOrZero(resp.Data.Vol); err != nil {
		return market.Snapshot{}, err
	}
	// changeRate is a fraction, normalise to percent.
	rate, err := parseOrZero(resp.Data.ChangeRate)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap.Change24h = rate.Mul(decimal.NewFromInt(100))
	if resp.Data.Time > 0 {
		snap.Timestamp = time.UnixMilli(resp.Data.Time).UTC()
	}
	return snap, nil
}

type symbolsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Symbol        string `json:"symbol"`
		EnableTrading bool   `json:"enableTrading"`
	} `json:"data"`
}

func (e *Exchange) ParseSymbols(body []byte) ([]string, error) {
	var resp symbolsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode kucoin symbols: %w", err)
	}
	if resp.Code != successCode {
		return nil, fmt.Errorf("kucoin code %s: %s", resp.Code, resp.Msg)
	}
	out := make([]string, 0, len(resp.Data))
	for _, s := range resp.Data {
		if !s.EnableTrading {
			continue
		}
		out = append(out, symbols.ToCanonical("kucoin", s.Symbol))
	}
	return out, nil
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

// Config for the kucoin adapter.
type Config struct {
	RestURL string
	// BulletURL is the token-negotiation endpoint dialed before every
	// websocket connection; it defaults to RestURL's bullet-public path.
	BulletURL string
	adapter.ClientConfig
}

// New builds the kucoin adapter. The stream dialer wraps whatever dialer
// the options carry with the bullet-token handshake, so tests can still
// point the final websocket dial anywhere.
func New(cfg Config, streamOpts stream.Options) *adapter.Client {
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}
	bulletURL := cfg.BulletURL
	if bulletURL == "" {
		bulletURL = restURL + "/api/v1/bullet-public"
	}

	inner := streamOpts.Dialer
	if inner == nil {
		inner = websocket.DefaultDialer
	}
	streamOpts.Dialer = &bulletDialer{httpClient: http.DefaultClient, ws: inner}

	cfg.ClientConfig.Streamer = stream.NewManager("kucoin", bulletURL, &codec{}, streamOpts)
	return adapter.NewClient(&Exchange{restURL: restURL}, cfg.ClientConfig)
}
