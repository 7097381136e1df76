package ai

import (
	"context"
	"time"
)

// CallWithRetry runs fn and retries it once when the error is retryable,
// waiting for the vendor hint or fallback.
func CallWithRetry[T any](ctx context.Context, fallback time.Duration, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || !IsRetryable(err) {
		return out, err
	}
	select {
	case <-time.After(RetryDelay(err, fallback)):
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return fn(ctx)
}
