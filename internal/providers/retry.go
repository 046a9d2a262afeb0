package providers

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls timeout retry for one transport call.
type RetryConfig struct {
	Attempts int           // total attempts including the first
	Delay    time.Duration // linear backoff base: Delay * attempt
}

// RetryDo runs fn up to cfg.Attempts times, retrying only on timeout-class
// failures with linear backoff. All other errors return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTimeout(err) || attempt == attempts {
			return zero, err
		}

		delay := cfg.Delay * time.Duration(attempt)
		slog.Warn("request timed out, retrying",
			"attempt", attempt, "max", attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
