package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tickflow/internal/ratelimit"
	"tickflow/logger"
)

// Failure classes for a single outbound call.
var (
	// ErrBackoff is returned without touching the network while the
	// exchange is suspended.
	ErrBackoff = errors.New("exchange in backoff")
	// ErrRateLimited is returned when the local window gate denies the
	// request or the upstream answered 429.
	ErrRateLimited = errors.New("rate limited")
)

// RetryPolicy bounds the retry loop for transient upstream errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}

const (
	// maxInlineDelay caps how long the gate will hold a caller instead of
	// failing fast when the window is saturated.
	maxInlineDelay = 2 * time.Second

	backoffAfter429       = 60 * time.Second
	backoffAfterTransient = 30 * time.Second
)

// Pipeline carries every REST call an adapter makes through the shared
// sequence: backoff check, rate-limit gate, politeness pacing, HTTP call,
// retry classification with bounded exponential backoff, and error-to-backoff
// escalation. Adapters compose a Pipeline value instead of inheriting it.
type Pipeline struct {
	exchange string
	client   *http.Client
	limiter  *ratelimit.Limiter
	pace     *rate.Limiter
	retry    RetryPolicy
	log      *logger.Log
}

// NewPipeline builds the request pipeline for one exchange. paceRPS bounds
// the steady request rate locally in addition to the shared window counter;
// zero disables pacing.
func NewPipeline(exchange string, client *http.Client, limiter *ratelimit.Limiter, retry RetryPolicy, paceRPS float64) *Pipeline {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var pace *rate.Limiter
	if paceRPS > 0 {
		pace = rate.NewLimiter(rate.Limit(paceRPS), 1)
	}
	return &Pipeline{
		exchange: exchange,
		client:   client,
		limiter:  limiter,
		pace:     pace,
		retry:    retry.withDefaults(),
		log:      logger.GetLogger(),
	}
}

// Get fetches url and returns the response body. All pipeline failure modes
// come back as errors; adapters convert them to ERROR snapshots at their
// boundary so nothing propagates past the adapter as a panic or raw error.
func (p *Pipeline) Get(ctx context.Context, url string) ([]byte, error) {
	if err := p.gate(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	delay := p.retry.BaseDelay
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay *= time.Duration(p.retry.Multiplier)
		}

		body, err := p.do(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if errors.Is(err, ErrRateLimited) {
			// upstream 429: suspend the whole exchange, do not retry
			p.limiter.SetBackoff(ctx, p.exchange, backoffAfter429, "upstream 429")
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !retryable(err) {
			return nil, err
		}
		p.log.WithComponent(p.exchange+"_pipeline").WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"url":     url,
		}).Warn("transient upstream error")
	}

	// retries exhausted on a transient failure: hint the rest of the
	// process to ease off this exchange
	p.limiter.SetBackoff(ctx, p.exchange, backoffAfterTransient, "transient errors exhausted retries")
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// gate applies the backoff check and the shared window counter. A saturated
// window holds the caller briefly when the recommended delay is short,
// otherwise it fails fast.
func (p *Pipeline) gate(ctx context.Context) error {
	if ok, until := p.limiter.InBackoff(ctx, p.exchange); ok {
		return fmt.Errorf("%w until %s", ErrBackoff, until.Format(time.RFC3339))
	}

	decision := p.limiter.Allow(ctx, p.exchange)
	if !decision.Allowed {
		if decision.RetryAfter <= 0 || decision.RetryAfter > maxInlineDelay {
			return fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason)
		}
		timer := time.NewTimer(decision.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if decision = p.limiter.Allow(ctx, p.exchange); !decision.Allowed {
			return fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason)
		}
	}

	if p.pace != nil {
		if err := p.pace.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// statusError distinguishes HTTP-level failures for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (p *Pipeline) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// connection and timeout errors are transient
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, truncate(body))
	default:
		return nil, &statusError{code: resp.StatusCode, body: truncate(body)}
	}
}

// retryable reports whether the pipeline should attempt the call again:
// 5xx responses and connection/timeout failures qualify, other 4xx do not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBackoff) {
		return false
	}
	// remaining errors are transport-level (refused, reset, timeout)
	return true
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
