package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tickflow/internal/market"
)

// testCodec is a minimal framing for the fake exchange used by the tests:
// commands are {"op":"sub"|"unsub","sym":...}, ticker frames are
// {"type":"tick","sym":...,"price":...}.
type testCodec struct{}

func (testCodec) SubscribeCommand(wire string) interface{} {
	return map[string]string{"op": "sub", "sym": wire}
}

func (testCodec) UnsubscribeCommand(wire string) interface{} {
	return map[string]string{"op": "unsub", "sym": wire}
}

func (testCodec) ParseFrame(frame []byte) (market.Snapshot, bool) {
	var f struct {
		Type  string `json:"type"`
		Sym   string `json:"sym"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(frame, &f); err != nil || f.Type != "tick" {
		return market.Snapshot{}, false
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return market.Snapshot{}, false
	}
	return market.Snapshot{
		Exchange: "FAKE",
		Symbol:   strings.ReplaceAll(f.Sym, "-", ""),
		Price:    price,
		Status:   market.StatusActive,
	}, true
}

var upgrader = websocket.Upgrader{}

// fakeExchange answers every received command with one tick frame for the
// command's symbol. That makes both subscribe echo and "frame after
// unsubscribe" scenarios easy to drive from the client side.
func fakeExchange(t *testing.T, connCount *atomic.Int32, dropAfterFirstCommand bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if connCount != nil {
			connCount.Add(1)
		}

		first := true
		for {
			var cmd struct {
				Op  string `json:"op"`
				Sym string `json:"sym"`
			}
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			tick := map[string]string{"type": "tick", "sym": cmd.Sym, "price": "42.5"}
			if err := conn.WriteJSON(tick); err != nil {
				return
			}
			if dropAfterFirstCommand && first {
				first = false
				conn.Close()
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions() Options {
	return Options{
		ReconnectDelay:  10 * time.Millisecond,
		KeepAlive:       time.Second,
		ConnectAttempts: 3,
	}
}

func TestSubscribeDispatchesTicks(t *testing.T) {
	srv := fakeExchange(t, nil, false)
	defer srv.Close()

	m := NewManager("fake", wsURL(srv), testCodec{}, testOptions())
	defer m.Disconnect()

	got := make(chan market.Snapshot, 4)
	if err := m.Subscribe(context.Background(), "BTCUSDT", "BTC-USDT", func(s market.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case snap := <-got:
		if snap.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", snap.Symbol)
		}
		if snap.Price.String() != "42.5" {
			t.Errorf("price = %s", snap.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot dispatched")
	}

	if m.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", m.State())
	}
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	srv := fakeExchange(t, nil, false)
	defer srv.Close()

	m := NewManager("fake", wsURL(srv), testCodec{}, testOptions())
	defer m.Disconnect()

	aaaTicks := make(chan market.Snapshot, 4)
	bbbTicks := make(chan market.Snapshot, 4)

	if err := m.Subscribe(context.Background(), "AAA", "AAA", func(s market.Snapshot) {
		aaaTicks <- s
	}); err != nil {
		t.Fatalf("Subscribe AAA: %v", err)
	}
	select {
	case <-aaaTicks:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick for AAA")
	}

	// The unsubscribe command makes the server emit one more AAA tick,
	// which must now be dropped.
	m.Unsubscribe("AAA", "AAA")

	if err := m.Subscribe(context.Background(), "BBB", "BBB", func(s market.Snapshot) {
		bbbTicks <- s
	}); err != nil {
		t.Fatalf("Subscribe BBB: %v", err)
	}
	select {
	case <-bbbTicks:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick for BBB")
	}

	// The AAA tick triggered by the unsubscribe was read before BBB's; if
	// it had been dispatched it would already be buffered.
	select {
	case snap := <-aaaTicks:
		t.Errorf("received tick for unsubscribed symbol: %+v", snap)
	default:
	}
}

func TestReconnectResubscribes(t *testing.T) {
	var conns atomic.Int32
	srv := fakeExchange(t, &conns, true)
	defer srv.Close()

	m := NewManager("fake", wsURL(srv), testCodec{}, testOptions())
	defer m.Disconnect()

	got := make(chan market.Snapshot, 8)
	if err := m.Subscribe(context.Background(), "BTCUSDT", "BTC-USDT", func(s market.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The server drops every connection after answering the first
	// command, so receiving two ticks proves a reconnect replayed the
	// subscription.
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never arrived", i+1)
		}
	}
	if n := conns.Load(); n < 2 {
		t.Errorf("server saw %d connections, want at least 2", n)
	}
}

func TestConnectAttemptsBounded(t *testing.T) {
	srv := fakeExchange(t, nil, false)
	url := wsURL(srv)
	srv.Close() // nothing listens, every dial fails

	opts := testOptions()
	opts.ConnectAttempts = 2

	m := NewManager("fake", url, testCodec{}, opts)
	defer m.Disconnect()

	if err := m.Subscribe(context.Background(), "BTCUSDT", "BTC-USDT", func(market.Snapshot) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for m.State() != Disconnected {
		select {
		case <-deadline:
			t.Fatalf("state = %s, never gave up", m.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// slowDialer sleeps before delegating to the default dialer, mimicking a
// slow network path so a dial can still be in flight when the manager is
// torn down and re-armed.
type slowDialer struct {
	delay time.Duration
}

func (d *slowDialer) DialContext(ctx context.Context, urlStr string, hdr http.Header) (*websocket.Conn, *http.Response, error) {
	time.Sleep(d.delay)
	return websocket.DefaultDialer.DialContext(ctx, urlStr, hdr)
}

func TestRearmAfterDisconnectKeepsSingleConnection(t *testing.T) {
	var open, maxOpen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := open.Add(1)
		for {
			cur := maxOpen.Load()
			if n <= cur || maxOpen.CompareAndSwap(cur, n) {
				break
			}
		}
		defer open.Add(-1)
		defer conn.Close()
		for {
			var cmd struct {
				Op  string `json:"op"`
				Sym string `json:"sym"`
			}
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": "tick", "sym": cmd.Sym, "price": "1"}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Dialer = &slowDialer{delay: 150 * time.Millisecond}

	m := NewManager("fake", wsURL(srv), testCodec{}, opts)
	defer m.Disconnect()

	noop := func(market.Snapshot) {}
	ctx := context.Background()

	// Tear down while the first dial is still sleeping, then re-arm. The
	// stale run goroutine exits after the new one has taken over; its
	// cleanup must not release ownership out from under the new run.
	if err := m.Subscribe(ctx, "AAA", "AAA", noop); err != nil {
		t.Fatalf("Subscribe AAA: %v", err)
	}
	m.Disconnect()
	if err := m.Subscribe(ctx, "BBB", "BBB", noop); err != nil {
		t.Fatalf("Subscribe BBB: %v", err)
	}

	// Let the stale goroutine finish winding down, then subscribe again;
	// this must reuse the live run loop instead of spawning a second one.
	time.Sleep(250 * time.Millisecond)
	if err := m.Subscribe(ctx, "CCC", "CCC", noop); err != nil {
		t.Fatalf("Subscribe CCC: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := maxOpen.Load(); n > 1 {
		t.Errorf("server saw %d concurrently open connections, want 1", n)
	}
	if m.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", m.State())
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd map[string]string
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
		conn.WriteJSON(map[string]string{"type": "tick", "sym": cmd["sym"], "price": "7"})
		var done map[string]string
		conn.ReadJSON(&done)
	}))
	defer srv.Close()

	m := NewManager("fake", wsURL(srv), testCodec{}, testOptions())
	defer m.Disconnect()

	got := make(chan market.Snapshot, 4)
	if err := m.Subscribe(context.Background(), "XRPUSDT", "XRPUSDT", func(s market.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case snap := <-got:
		if snap.Price.String() != "7" {
			t.Errorf("price = %s, want 7", snap.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage never dispatched")
	}
}

// pingCodec marks the fake exchange as wanting JSON-level keepalives.
type pingCodec struct{ testCodec }

func (pingCodec) PingCommand() interface{} {
	return map[string]string{"op": "ping"}
}

func TestAppLevelPingsUseCommandChannel(t *testing.T) {
	var pings atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd struct {
				Op  string `json:"op"`
				Sym string `json:"sym"`
			}
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Op == "ping" {
				pings.Add(1)
				if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(map[string]string{"type": "tick", "sym": cmd.Sym, "price": "1"}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.KeepAlive = 20 * time.Millisecond
	m := NewManager("fake", wsURL(srv), pingCodec{}, opts)
	defer m.Disconnect()

	if err := m.Subscribe(context.Background(), "BTCUSDT", "BTC-USDT", func(market.Snapshot) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for pings.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("server saw %d json pings, want at least 2", pings.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
