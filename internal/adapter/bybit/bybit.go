package bybit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tickflow/internal/adapter"
	"tickflow/internal/market"
	"tickflow/internal/stream"
	"tickflow/internal/symbols"
	"tickflow/logger"
)

const (
	defaultRestURL   = "https://api.bybit.com"
	defaultStreamURL = "wss://stream.bybit.com/v5/public/spot"
)

// Exchange implements the bybit v5 spot surface. Bybit has no dedicated
// symbol-list endpoint in v5 market data; the unfiltered tickers endpoint
// doubles as the instrument catalogue.
type Exchange struct {
	restURL string
}

func (e *Exchange) Name() string { return "bybit" }

func (e *Exchange) WireSymbol(canonical string) string {
	return symbols.ToBybitWire(canonical)
}

func (e *Exchange) Canonical(wire string) string {
	return symbols.ToCanonical("bybit", wire)
}

func (e *Exchange) TickerURL(wire string) string {
	return fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", e.restURL, wire)
}

func (e *Exchange) SymbolsURL() string {
	return e.restURL + "/v5/market/tickers?category=spot"
}

func (e *Exchange) HealthURL() string {
	return e.restURL + "/v5/market/time"
}

type tickerEntry struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

type tickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []tickerEntry `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

func (e *Exchange) ParseTicker(body []byte, canonical string) (market.Snapshot, error) {
	var resp tickersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode bybit tickers: %w", err)
	}
	if resp.RetCode != 0 {
		return market.Snapshot{}, fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return market.Snapshot{}, fmt.Errorf("bybit returned no ticker for %s", canonical)
	}
	snap, err := buildSnapshot(canonical, resp.Result.List[0])
	if err != nil {
		return market.Snapshot{}, err
	}
	if resp.Time > 0 {
		snap.Timestamp = time.UnixMilli(resp.Time).UTC()
	}
	return snap, nil
}

func (e *Exchange) ParseSymbols(body []byte) ([]string, error) {
	var resp tickersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode bybit tickers: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	out := make([]string, 0, len(resp.Result.List))
	for _, entry := range resp.Result.List {
		if entry.Symbol == "" {
			continue
		}
		out = append(out, symbols.ToCanonical("bybit", entry.Symbol))
	}
	return out, nil
}

func buildSnapshot(canonical string, entry tickerEntry) (market.Snapshot, error) {
	if entry.LastPrice == "" {
		return market.Snapshot{}, fmt.Errorf("bybit ticker for %s missing lastPrice", canonical)
	}
	price, err := decimal.NewFromString(entry.LastPrice)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("parse price %q: %w", entry.LastPrice, err)
	}
	snap := market.Snapshot{Symbol: canonical, Price: price}
	if snap.Bid, err = parseOrZero(entry.Bid1Price); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Ask, err = parseOrZero(entry.Ask1Price); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Volume24h, err = parseOrZero(entry.Volume24h); err != nil {
		return market.Snapshot{}, err
	}
	// bybit reports the 24h change as a fraction, normalise to percent.
	pcnt, err := parseOrZero(entry.Price24hPcnt)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap.Change24h = pcnt.Mul(decimal.NewFromInt(100))
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

// codec frames bybit's v5 public websocket protocol. Every command carries a
// req_id so acknowledgements can be matched in the logs.
type codec struct{}

type wsCommand struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

func (codec) SubscribeCommand(wire string) interface{} {
	return wsCommand{ReqID: uuid.NewString(), Op: "subscribe", Args: []string{"tickers." + wire}}
}

func (codec) UnsubscribeCommand(wire string) interface{} {
	return wsCommand{ReqID: uuid.NewString(), Op: "unsubscribe", Args: []string{"tickers." + wire}}
}

type streamFrame struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	TS    int64       `json:"ts"`
	Data  tickerEntry `json:"data"`
}

func (codec) ParseFrame(frame []byte) (market.Snapshot, bool) {
	var f streamFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		logger.GetLogger().WithComponent("bybit_stream").WithError(err).Debug("dropping malformed frame")
		return market.Snapshot{}, false
	}
	if !strings.HasPrefix(f.Topic, "tickers.") || f.Data.Symbol == "" {
		return market.Snapshot{}, false
	}

	canonical := symbols.ToCanonical("bybit", f.Data.Symbol)
	snap, err := buildSnapshot(canonical, f.Data)
	if err != nil {
		logger.GetLogger().WithComponent("bybit_stream").WithError(err).WithFields(logger.Fields{
			"topic": f.Topic,
		}).Warn("dropping unparseable ticker frame")
		return market.Snapshot{}, false
	}
	if f.TS > 0 {
		snap.Timestamp = time.UnixMilli(f.TS).UTC()
	}
	snap.Exchange = "BYBIT"
	snap.Status = market.StatusActive
	return snap, true
}

// Config for the bybit adapter.
type Config struct {
	RestURL   string
	StreamURL string
	adapter.ClientConfig
}

// New builds the bybit adapter around the generic client.
func New(cfg Config, streamOpts stream.Options) *adapter.Client {
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = defaultStreamURL
	}

	cfg.ClientConfig.Streamer = stream.NewManager("bybit", streamURL, codec{}, streamOpts)
	return adapter.NewClient(&Exchange{restURL: restURL}, cfg.ClientConfig)
}
