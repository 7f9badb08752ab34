package fetch

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times, sleeping backoff*attempt between failures.
// It stops early when ctx is done.
func Retry[T any](
	ctx context.Context,
	attempts int,
	backoff time.Duration,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if err := sleepWithContext(ctx, backoff*time.Duration(attempt)); err != nil {
			return zero, fmt.Errorf("retry backoff: %w", err)
		}
	}
	return zero, lastErr
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
