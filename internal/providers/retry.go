package providers

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls the retry loop around provider requests.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries three times with doubling delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. Delays double per attempt starting at BaseDelay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			slog.Debug("retrying provider request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
