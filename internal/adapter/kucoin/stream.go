package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tickflow/internal/market"
	"tickflow/internal/stream"
	"tickflow/internal/symbols"
	"tickflow/logger"
)

const snapshotTopicPrefix = "/market/snapshot:"

// codec frames the kucoin websocket protocol for the stream manager.
// Kucoin expects JSON-level pings, so the codec also implements
// stream.AppPinger.
type codec struct{}

func (c *codec) SubscribeCommand(wire string) interface{} {
	return map[string]interface{}{
		"id":             uuid.NewString(),
		"type":           "subscribe",
		"topic":          snapshotTopicPrefix + wire,
		"privateChannel": false,
		"response":       true,
	}
}

func (c *codec) UnsubscribeCommand(wire string) interface{} {
	return map[string]interface{}{
		"id":             uuid.NewString(),
		"type":           "unsubscribe",
		"topic":          snapshotTopicPrefix + wire,
		"privateChannel": false,
		"response":       true,
	}
}

func (c *codec) PingCommand() interface{} {
	return map[string]interface{}{
		"id":   uuid.NewString(),
		"type": "ping",
	}
}

// Kucoin nests the snapshot payload one level deeper than the envelope and
// serves prices as JSON numbers rather than strings.
type snapshotData struct {
	Symbol          string      `json:"symbol"`
	LastTradedPrice json.Number `json:"lastTradedPrice"`
	Buy             json.Number `json:"buy"`
	Sell            json.Number `json:"sell"`
	Vol             json.Number `json:"vol"`
	ChangeRate      json.Number `json:"changeRate"`
	Datetime        int64       `json:"datetime"`
}

type streamFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		Data snapshotData `json:"data"`
	} `json:"data"`
}

// ParseFrame accepts snapshot messages and drops everything else (welcome,
// ack, pong, unknown topics, malformed frames).
func (c *codec) ParseFrame(frame []byte) (market.Snapshot, bool) {
	var f streamFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		logger.GetLogger().WithComponent("kucoin_stream").WithError(err).Debug("dropping malformed frame")
		return market.Snapshot{}, false
	}
	if f.Type != "message" || !strings.HasPrefix(f.Topic, snapshotTopicPrefix) {
		return market.Snapshot{}, false
	}

	data := f.Data.Data
	wire := data.Symbol
	if wire == "" {
		wire = strings.TrimPrefix(f.Topic, snapshotTopicPrefix)
	}
	if data.LastTradedPrice.String() == "" {
		return market.Snapshot{}, false
	}

	canonical := symbols.ToCanonical("kucoin", wire)
	snap, err := buildStreamSnapshot(canonical, data)
	if err != nil {
		logger.GetLogger().WithComponent("kucoin_stream").WithError(err).WithFields(logger.Fields{
			"symbol": wire,
		}).Warn("dropping unparseable snapshot frame")
		return market.Snapshot{}, false
	}
	return snap, true
}

func buildStreamSnapshot(canonical string, data snapshotData) (market.Snapshot, error) {
	price, err := decimal.NewFromString(data.LastTradedPrice.String())
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("parse price %q: %w", data.LastTradedPrice, err)
	}
	snap := market.Snapshot{
		Exchange: "KUCOIN",
		Symbol:   canonical,
		Price:    price,
		Status:   market.StatusActive,
	}
	if snap.Bid, err = parseOrZero(data.Buy.String()); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Ask, err = parseOrZero(data.Sell.String()); err != nil {
		return market.Snapshot{}, err
	}
	if snap.Volume24h, err = parseOrZero(data.Vol.String()); err != nil {
		return market.Snapshot{}, err
	}
	// changeRate is a fraction, normalise to percent.
	rate, err := parseOrZero(data.ChangeRate.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	snap.Change24h = rate.Mul(decimal.NewFromInt(100))
	if data.Datetime > 0 {
		snap.Timestamp = time.UnixMilli(data.Datetime).UTC()
	}
	return snap, nil
}

type bulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// bulletDialer performs kucoin's connection handshake: POST the public
// bullet endpoint for a one-time token and server list, then dial the
// returned websocket endpoint with the token attached. It sits behind the
// stream.Dialer seam so the manager needs no kucoin-specific logic.
type bulletDialer struct {
	httpClient *http.Client
	ws         stream.Dialer
}

func (d *bulletDialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build bullet request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("bullet token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("bullet token request: status %d", resp.StatusCode)
	}

	var payload bulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("decode bullet response: %w", err)
	}
	if payload.Code != successCode {
		return nil, nil, fmt.Errorf("kucoin code %s: %s", payload.Code, payload.Msg)
	}
	if payload.Data.Token == "" || len(payload.Data.InstanceServers) == 0 {
		return nil, nil, fmt.Errorf("bullet response missing token or instance servers")
	}

	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s",
		payload.Data.InstanceServers[0].Endpoint, payload.Data.Token, uuid.NewString())
	return d.ws.DialContext(ctx, wsURL, requestHeader)
}
