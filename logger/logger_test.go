package logger

import (
	"io"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("cache").WithFields(Fields{"namespace": "ticker"})
	if entry.Entry.Data["component"] != "cache" || entry.Entry.Data["namespace"] != "ticker" {
		t.Fatalf("fields not accumulated: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFormats(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	for _, format := range []string{"json", "text"} {
		if err := log.Configure("debug", format, "stderr", 0); err != nil {
			t.Fatalf("Configure(%s): %v", format, err)
		}
	}
}

func TestWarnAndErrorClassifyByComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	wf := atomic.LoadInt64(&warnsFetch)
	ws := atomic.LoadInt64(&warnsStream)
	ef := atomic.LoadInt64(&errorsFetch)
	es := atomic.LoadInt64(&errorsStream)

	log.WithComponent("adapter.binance").Warn("slow response")
	log.WithComponent("stream.kucoin").Warn("reconnecting")
	log.WithComponent("pipeline.bybit").Error("request failed")
	log.WithComponent("stream.binance").Error("frame dropped")
	log.WithComponent("dashboard").Error("not counted against either side")

	if got := atomic.LoadInt64(&warnsFetch) - wf; got != 1 {
		t.Errorf("warnsFetch delta = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&warnsStream) - ws; got != 1 {
		t.Errorf("warnsStream delta = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&errorsFetch) - ef; got != 1 {
		t.Errorf("errorsFetch delta = %d, want 1", got)
	}
	if got := atomic.LoadInt64(&errorsStream) - es; got != 1 {
		t.Errorf("errorsStream delta = %d, want 1", got)
	}
}
