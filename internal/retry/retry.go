// Package retry provides the exponential-backoff helper shared by the
// network-bound stages (source fetch, embedding calls, index writes).
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrInvalidAttempts indicates a non-positive attempt ceiling.
var ErrInvalidAttempts = errors.New("retry: max attempts must be positive")

// Do runs op up to maxAttempts times, sleeping baseDelay*2^(n-1) between
// attempts. It returns nil on the first success, ctx.Err() if the context
// ends first, and the last error once attempts are exhausted.
func Do(ctx context.Context, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		return ErrInvalidAttempts
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		slog.Debug("operation failed, backing off",
			"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
