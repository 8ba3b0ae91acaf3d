package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tickflow/config"
	"tickflow/internal/adapter"
	"tickflow/internal/cache"
	"tickflow/internal/market"
	"tickflow/internal/store"
	"tickflow/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "0.0.0.0:8090",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8090",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"::1":                        "[::1]:8090",
		"*:8080":                     "0.0.0.0:8080",
		"http://13.200.112.203:8080": "13.200.112.203:8080",
		"http://:7070":               "0.0.0.0:7070",
		"tcp://localhost:5050":       "localhost:5050",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	cfg := config.DashboardConfig{Enabled: true, Addr: ":9000"}

	srv, err := NewServer(cfg, logger.GetLogger(), adapter.NewRegistry(), testCache(), nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.GetLogger(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when dashboard is disabled")
	}
}

// fakeAdapter satisfies adapter.Adapter with canned health and usage.
type fakeAdapter struct {
	name    string
	healthy bool
	usage   market.RateLimitUsage
}

func (f *fakeAdapter) Name() string                        { return f.name }
func (f *fakeAdapter) Initialize(context.Context) error    { return nil }
func (f *fakeAdapter) IsHealthy(context.Context) bool      { return f.healthy }
func (f *fakeAdapter) SupportedSymbols(context.Context) []string { return nil }
func (f *fakeAdapter) Unsubscribe(string)                  {}
func (f *fakeAdapter) Disconnect()                         {}

func (f *fakeAdapter) FetchTicker(_ context.Context, symbol string) market.Snapshot {
	return market.NewErrorSnapshot(f.name, symbol, "not implemented")
}

func (f *fakeAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan market.Snapshot {
	out := make(chan market.Snapshot)
	close(out)
	return out
}

func (f *fakeAdapter) Subscribe(context.Context, string, func(market.Snapshot)) error {
	return nil
}

func (f *fakeAdapter) RateLimitInfo(context.Context) market.RateLimitUsage {
	return f.usage
}

func testCache() *cache.Cache {
	return cache.New(store.NewMemoryStore(), cache.DefaultTTLs())
}

func testServer(t *testing.T, degraded bool) *httptest.Server {
	t.Helper()

	registry := adapter.NewRegistry()
	registry.Register(&fakeAdapter{name: "BINANCE", healthy: true, usage: market.RateLimitUsage{
		Exchange: "BINANCE",
		Current:  900,
		Max:      1200,
		UsagePct: 75,
		Status:   market.UsageWarning,
	}})
	registry.Register(&fakeAdapter{name: "BYBIT", healthy: false})

	srv, err := NewServer(config.DashboardConfig{Enabled: true, Addr: ":9000"},
		logger.GetLogger(), registry, testCache(), func() bool { return degraded })
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthzReportsPerExchange(t *testing.T) {
	ts := testServer(t, true)

	var payload struct {
		Status        string          `json:"status"`
		Exchanges     map[string]bool `json:"exchanges"`
		StoreDegraded bool            `json:"store_degraded"`
	}
	getJSON(t, ts.URL+"/healthz", &payload)

	if payload.Status != "degraded" {
		t.Errorf("status = %q, want degraded", payload.Status)
	}
	if !payload.Exchanges["BINANCE"] || payload.Exchanges["BYBIT"] {
		t.Errorf("exchanges = %v", payload.Exchanges)
	}
	if !payload.StoreDegraded {
		t.Error("store_degraded not reported")
	}
}

func TestRateLimitsEndpoint(t *testing.T) {
	ts := testServer(t, false)

	var payload struct {
		Exchanges []struct {
			Exchange string  `json:"exchange"`
			Current  int64   `json:"current"`
			Pct      float64 `json:"usage_percent"`
			Status   string  `json:"status"`
		} `json:"exchanges"`
	}
	getJSON(t, ts.URL+"/api/ratelimits", &payload)

	if len(payload.Exchanges) != 2 {
		t.Fatalf("got %d exchanges, want 2", len(payload.Exchanges))
	}
	first := payload.Exchanges[0]
	if first.Exchange != "BINANCE" || first.Current != 900 || first.Status != "WARNING" {
		t.Errorf("binance usage = %+v", first)
	}
}

func TestCacheEndpoint(t *testing.T) {
	ts := testServer(t, false)

	var payload struct {
		Namespaces []cache.Stats `json:"namespaces"`
	}
	getJSON(t, ts.URL+"/api/cache", &payload)

	if len(payload.Namespaces) != 3 {
		t.Fatalf("got %d namespaces, want 3", len(payload.Namespaces))
	}
}

func TestLogsEndpointServesRecentEntries(t *testing.T) {
	registry := adapter.NewRegistry()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Addr: ":9000", LogHistory: 10},
		logger.GetLogger(), registry, testCache(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)

	logger.GetLogger().WithComponent("dashboard_test").Info("hello from the test")
	// logrus hooks fire synchronously, the record is stored by now.

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	var payload struct {
		Logs []struct {
			Component string `json:"component"`
			Message   string `json:"message"`
		} `json:"logs"`
	}
	getJSON(t, ts.URL+"/api/logs", &payload)

	found := false
	for _, l := range payload.Logs {
		if l.Component == "dashboard_test" && l.Message == "hello from the test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("test record not served, got %d records", len(payload.Logs))
	}
}

func newTestEntry(msg string, index int) *logrus.Entry {
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(int64(index), 0)
	entry.Level = logrus.InfoLevel
	entry.Message = msg
	entry.Data = logrus.Fields{"index": index}
	return entry
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := newTestEntry("msg", i)
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	if err := store.Fire(newTestEntry("ignored", 0)); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatal("store accepted entries after close")
	}
}
