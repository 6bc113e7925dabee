package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
)

// RetryConfig configures the bounded-retry wrapper.
type RetryConfig struct {
	MaxAttempts    int           // default 3
	BaseDelay      time.Duration // default 1s ("retry_base_delay_ms")
	JitterFraction float64       // default 0.3 (uniform(0, 0.3*base))
}

// DefaultRetryConfig matches MAX_RETRIES=3, RETRY_BASE_DELAY_MS=1000.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		JitterFraction: 0.3,
	}
}

// BackoffDelay computes
// delay = base*2^(attempt-1) + uniform(0, jitterFraction*base), attempt >= 1.
func BackoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	jitterFraction := cfg.JitterFraction
	if jitterFraction <= 0 {
		jitterFraction = 0.3
	}
	exp := time.Duration(1)
	for i := 1; i < attempt; i++ {
		exp *= 2
	}
	delay := base * exp
	jitterCeil := float64(base) * jitterFraction
	jitter := time.Duration(rand.Float64() * jitterCeil)
	return delay + jitter
}

// Retry runs fn up to cfg.MaxAttempts times, honoring ctx cancellation and
// stopping immediately when fn's error is classified non-retryable
// (aeoerr.IsRetryable == false).
//
// Retry operates at the granularity of a request's collector set: fn is the
// call into the priority executor for one (request, collector-set) unit,
// never a single provider call. Walking providers within one collector is
// the executor's fallback chain, an orthogonal axis; the two are never
// interleaved.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !aeoerr.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := BackoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker: each attempt
// is admitted through the breaker first, and the breaker's own rejection
// (aeoerr.ErrCircuitOpen) is itself non-retryable so it short-circuits the
// loop on the very attempt it occurs.
func RetryWithCircuitBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn func(attempt int) error) error {
	return Retry(ctx, cfg, func(attempt int) error {
		return cb.ExecuteContext(ctx, func() error {
			return fn(attempt)
		})
	})
}
