package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickflow/internal/market"
	"tickflow/internal/store"
)

func testLimiter(window time.Duration, max int64) *Limiter {
	return NewLimiter(store.NewMemoryStore(), map[string]Window{
		"binance": {MaxRequests: max, Duration: window},
	})
}

func TestAllowWithinWindow(t *testing.T) {
	l := testLimiter(time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "binance")
		if !d.Allowed {
			t.Fatalf("request %d denied: %s", i+1, d.Reason)
		}
		if d.Current != int64(i+1) {
			t.Fatalf("request %d reported count %d", i+1, d.Current)
		}
	}

	d := l.Allow(ctx, "binance")
	if d.Allowed {
		t.Fatal("request over the ceiling was allowed")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry delay, got %v", d.RetryAfter)
	}
}

func TestWindowResets(t *testing.T) {
	l := testLimiter(50*time.Millisecond, 1)
	ctx := context.Background()

	if d := l.Allow(ctx, "binance"); !d.Allowed {
		t.Fatalf("first request denied: %s", d.Reason)
	}
	if d := l.Allow(ctx, "binance"); d.Allowed {
		t.Fatal("second request in the same window was allowed")
	}

	time.Sleep(60 * time.Millisecond)

	if d := l.Allow(ctx, "binance"); !d.Allowed {
		t.Fatalf("request after window reset denied: %s", d.Reason)
	}
}

func TestBackoffDeniesLocally(t *testing.T) {
	l := testLimiter(time.Minute, 100)
	ctx := context.Background()

	l.SetBackoff(ctx, "binance", 50*time.Millisecond, "upstream 429")

	d := l.Allow(ctx, "binance")
	if d.Allowed {
		t.Fatal("request during backoff was allowed")
	}
	if ok, until := l.InBackoff(ctx, "binance"); !ok || time.Until(until) <= 0 {
		t.Fatalf("InBackoff = %v, %v", ok, until)
	}

	time.Sleep(60 * time.Millisecond)

	if d := l.Allow(ctx, "binance"); !d.Allowed {
		t.Fatalf("request after backoff elapsed denied: %s", d.Reason)
	}
}

func TestClearBackoff(t *testing.T) {
	l := testLimiter(time.Minute, 100)
	ctx := context.Background()

	l.SetBackoff(ctx, "binance", time.Minute, "transient error")
	l.ClearBackoff(ctx, "binance")

	if d := l.Allow(ctx, "binance"); !d.Allowed {
		t.Fatalf("request after ClearBackoff denied: %s", d.Reason)
	}
}

func TestRecommendedDelay(t *testing.T) {
	l := testLimiter(time.Minute, 2)
	ctx := context.Background()

	if d := l.RecommendedDelay(ctx, "binance"); d != 0 {
		t.Fatalf("expected zero delay under the ceiling, got %v", d)
	}

	l.Allow(ctx, "binance")
	l.Allow(ctx, "binance")

	d := l.RecommendedDelay(ctx, "binance")
	if d <= 0 || d > time.Minute+time.Second {
		t.Fatalf("unexpected delay at the ceiling: %v", d)
	}
}

func TestUsageProjection(t *testing.T) {
	l := testLimiter(time.Minute, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "binance")
	}

	u := l.Usage(ctx, "binance")
	if u.Current != 3 || u.Remaining != 1 {
		t.Fatalf("usage = %+v", u)
	}
	if u.UsagePct != 75 {
		t.Fatalf("usage pct = %v", u.UsagePct)
	}
	if u.Status != market.UsageWarning {
		t.Fatalf("status = %s", u.Status)
	}
	if u.ResetsAt.IsZero() {
		t.Fatal("resets_at not set")
	}
}

func TestClassifyUsage(t *testing.T) {
	tests := []struct {
		pct  float64
		want market.UsageStatus
	}{
		{0, market.UsageNormal},
		{69.9, market.UsageNormal},
		{70, market.UsageWarning},
		{89.9, market.UsageWarning},
		{90, market.UsageCritical},
		{99.9, market.UsageCritical},
		{100, market.UsageExceeded},
		{150, market.UsageExceeded},
	}
	for _, tt := range tests {
		if got := market.ClassifyUsage(tt.pct); got != tt.want {
			t.Errorf("ClassifyUsage(%v) = %s want %s", tt.pct, got, tt.want)
		}
	}
}

type failingStore struct{ *store.MemoryStore }

func (f failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestFailsClosedOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{store.NewMemoryStore()}, nil)

	d := l.Allow(context.Background(), "binance")
	if d.Allowed {
		t.Fatal("request allowed while counter store is failing")
	}
}
