package resilience

import (
	"context"
	"time"
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. It doubles for each
	// attempt after that.
	BaseDelay time.Duration

	// Retryable decides whether err is worth another attempt. When nil,
	// every error is retried.
	Retryable func(err error) bool

	// OnRetry, if set, is called just before each re-attempt with the
	// attempt number (2-based) and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff between
// attempts: the wait before attempt n is BaseDelay doubled n−2 times.
// A non-retryable error or a cancelled context stops the loop immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, cfg.BaseDelay<<(attempt-2)); err != nil {
				return zero, err
			}
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
	}
	return zero, lastErr
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
