package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff maps a zero-based attempt number to the delay before the next try.
// Implementations must be pure so the schedule is testable in isolation.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff returns a Backoff growing by multiplier per attempt,
// capped at max, with ±jitterFraction random jitter applied last.
func ExponentialBackoff(initial, max time.Duration, multiplier, jitterFraction float64) Backoff {
	return func(attempt int) time.Duration {
		delay := float64(initial) * math.Pow(multiplier, float64(attempt))
		if delay > float64(max) {
			delay = float64(max)
		}
		if jitterFraction > 0 {
			jitterRange := delay * jitterFraction
			delay += (rand.Float64()*2 - 1) * jitterRange
		}
		if delay < 0 {
			delay = 0
		}
		return time.Duration(delay)
	}
}

// RetryConfig controls retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 2.
	MaxAttempts int

	// Backoff computes the delay before each retry. Default:
	// ExponentialBackoff(250ms, 2s, 2.0, 0.25).
	Backoff Backoff

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the store's retry policy: one retry with a short
// capped delay. Operations marked non-idempotent must not go through Do at all.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		Backoff:     ExponentialBackoff(250*time.Millisecond, 2*time.Second, 2.0, 0.25),
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(250*time.Millisecond, 2*time.Second, 2.0, 0.25)
	}
	return cfg
}

// Do executes fn with an explicit attempt loop. It retries only on errors the
// policy deems transient. Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with the same semantics as Do.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
