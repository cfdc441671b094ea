package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/zen-systems/routecore/pkg/adapter"
)

// retryable reports whether a failed attempt may be repeated. Adapter errors
// defer to adapter.IsTransient; ErrPermanent and cancellation never retry.
func retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	var adapterErr *adapter.AdapterError
	if errors.As(err, &adapterErr) {
		return adapter.IsTransient(err)
	}
	return true
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	limit := time.Duration(maxMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
