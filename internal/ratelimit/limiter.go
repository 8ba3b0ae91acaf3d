package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/internal/store"
	"tickflow/logger"
)

const (
	counterPrefix = "ratelimit:"
	backoffPrefix = "backoff:"

	// delayBuffer pads the recommended wait past the window reset so the
	// retried request lands inside the fresh window.
	delayBuffer = 250 * time.Millisecond
)

// Window describes the fixed-window ceiling for one exchange.
type Window struct {
	MaxRequests int64
	Duration    time.Duration
}

// Decision is the outcome of a single gate check.
type Decision struct {
	Allowed    bool
	Current    int64
	RetryAfter time.Duration
	Reason     string
}

type degradable interface {
	Degraded() bool
}

// Limiter gates outbound requests per exchange with a fixed-window counter
// kept in the shared store, plus a separate backoff marker that suspends an
// exchange entirely after upstream errors. Store failures fail closed: a
// request is denied rather than let an outage turn into unlimited traffic
// against the upstream exchanges.
type Limiter struct {
	store store.Store
	log   *logger.Log

	mu       sync.RWMutex
	windows  map[string]Window
	fallback Window
}

// NewLimiter builds a limiter with per-exchange windows. The fallback window
// applies to exchanges without explicit configuration.
func NewLimiter(st store.Store, windows map[string]Window) *Limiter {
	normalized := make(map[string]Window, len(windows))
	for exchange, w := range windows {
		normalized[strings.ToLower(exchange)] = withDefaults(w)
	}
	return &Limiter{
		store:    st,
		log:      logger.GetLogger(),
		windows:  normalized,
		fallback: Window{MaxRequests: 1200, Duration: time.Minute},
	}
}

func withDefaults(w Window) Window {
	if w.MaxRequests <= 0 {
		w.MaxRequests = 1200
	}
	if w.Duration <= 0 {
		w.Duration = time.Minute
	}
	return w
}

// SetCeiling tightens or relaxes the request ceiling for an exchange at
// runtime, e.g. after discovering the published limit from the exchange.
func (l *Limiter) SetCeiling(exchange string, maxRequests int64) {
	if maxRequests <= 0 {
		return
	}
	exchange = strings.ToLower(exchange)
	l.mu.Lock()
	w := l.window(exchange)
	w.MaxRequests = maxRequests
	l.windows[exchange] = w
	l.mu.Unlock()
}

// window must be called with at least a read lock held.
func (l *Limiter) window(exchange string) Window {
	if w, ok := l.windows[exchange]; ok {
		return w
	}
	return l.fallback
}

func (l *Limiter) windowFor(exchange string) Window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.window(strings.ToLower(exchange))
}

// Allow performs the gate check for one outbound request: the backoff marker
// is consulted first, then the window counter is incremented atomically. The
// increment that creates the counter fixes the window expiry.
func (l *Limiter) Allow(ctx context.Context, exchange string) Decision {
	exchange = strings.ToLower(exchange)

	if until, reason, ok := l.backoffState(ctx, exchange); ok {
		metrics.IncrementRateLimitDenied(exchange)
		return Decision{
			Allowed:    false,
			RetryAfter: time.Until(until),
			Reason:     fmt.Sprintf("exchange in backoff: %s", reason),
		}
	}

	w := l.windowFor(exchange)
	count, err := l.store.Incr(ctx, counterPrefix+exchange, w.Duration)
	if err != nil {
		metrics.IncrementRateLimitDenied(exchange)
		l.log.WithComponent("ratelimit").WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
		}).Warn("counter store error, failing closed")
		return Decision{Allowed: false, RetryAfter: w.Duration, Reason: "counter store unavailable"}
	}

	if count > w.MaxRequests {
		metrics.IncrementRateLimitDenied(exchange)
		return Decision{
			Allowed:    false,
			Current:    count,
			RetryAfter: l.RecommendedDelay(ctx, exchange),
			Reason:     "window ceiling exceeded",
		}
	}
	return Decision{Allowed: true, Current: count}
}

// RecommendedDelay is zero while under the ceiling. Over the ceiling it is
// the remaining window time plus a small buffer, or an even spacing of the
// window over the budget when the reset time is unknown.
func (l *Limiter) RecommendedDelay(ctx context.Context, exchange string) time.Duration {
	exchange = strings.ToLower(exchange)
	w := l.windowFor(exchange)

	current, _ := l.currentCount(ctx, exchange)
	if current < w.MaxRequests {
		return 0
	}

	ttl, err := l.store.TTL(ctx, counterPrefix+exchange)
	if err == nil && ttl > 0 {
		return ttl + delayBuffer
	}
	return time.Duration(int64(w.Duration) / w.MaxRequests)
}

// SetBackoff suspends all requests to the exchange for d. Best effort: a
// store failure only loses the hint, not correctness.
func (l *Limiter) SetBackoff(ctx context.Context, exchange string, d time.Duration, reason string) {
	exchange = strings.ToLower(exchange)
	if d <= 0 {
		return
	}
	if err := l.store.Set(ctx, backoffPrefix+exchange, reason, d); err != nil {
		l.log.WithComponent("ratelimit").WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"duration": d.String(),
		}).Warn("failed to record backoff marker")
		return
	}
	l.log.WithComponent("ratelimit").WithFields(logger.Fields{
		"exchange": exchange,
		"duration": d.String(),
		"reason":   reason,
	}).Warn("exchange placed in backoff")
}

// ClearBackoff removes the backoff marker, returning the exchange to normal
// window gating.
func (l *Limiter) ClearBackoff(ctx context.Context, exchange string) {
	_ = l.store.Del(ctx, backoffPrefix+strings.ToLower(exchange))
}

// InBackoff reports whether the exchange is currently suspended and until
// when.
func (l *Limiter) InBackoff(ctx context.Context, exchange string) (bool, time.Time) {
	until, _, ok := l.backoffState(ctx, strings.ToLower(exchange))
	return ok, until
}

func (l *Limiter) backoffState(ctx context.Context, exchange string) (time.Time, string, bool) {
	key := backoffPrefix + exchange
	reason, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, "", false
	}
	if err != nil {
		// unreadable marker is treated as absent; the counter gate still
		// fails closed on its own store errors
		return time.Time{}, "", false
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return time.Time{}, "", false
	}
	return time.Now().Add(ttl), reason, true
}

func (l *Limiter) currentCount(ctx context.Context, exchange string) (int64, error) {
	val, err := l.store.Get(ctx, counterPrefix+exchange)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value %q: %w", val, err)
	}
	return count, nil
}

// Usage derives the read-only projection consumed by callers and the
// dashboard. It never mutates the window.
func (l *Limiter) Usage(ctx context.Context, exchange string) market.RateLimitUsage {
	exchange = strings.ToLower(exchange)
	w := l.windowFor(exchange)

	usage := market.RateLimitUsage{
		Exchange: exchange,
		Max:      w.MaxRequests,
	}

	if d, ok := l.store.(degradable); ok {
		usage.Degraded = d.Degraded()
	}

	current, err := l.currentCount(ctx, exchange)
	if err != nil {
		usage.Status = market.UsageNormal
		return usage
	}
	usage.Current = current
	usage.Remaining = w.MaxRequests - current
	if usage.Remaining < 0 {
		usage.Remaining = 0
	}
	usage.UsagePct = float64(current) / float64(w.MaxRequests) * 100
	usage.Status = market.ClassifyUsage(usage.UsagePct)
	usage.RecommendedDelay = l.RecommendedDelay(ctx, exchange)

	if ttl, err := l.store.TTL(ctx, counterPrefix+exchange); err == nil && ttl > 0 {
		usage.ResetsAt = time.Now().Add(ttl)
	}
	if ok, until := l.InBackoff(ctx, exchange); ok {
		usage.BackoffUntil = until
	}
	return usage
}
