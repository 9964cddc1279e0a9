package sink

import (
	"context"
	"time"
)

// RetryPolicy bounds delivery attempts per branch. Exponential backoff,
// doubled each attempt, capped at Cap.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy keeps retry storms short during sink outages without
// tight-looping: 5 attempts, 200ms doubling to a 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        200 * time.Millisecond,
		Cap:         5 * time.Second,
	}
}

// do runs op up to MaxAttempts times, sleeping with backoff between
// attempts. onRetry is invoked before each re-attempt (for counters).
// Returns the last error when all attempts fail.
func (p RetryPolicy) do(ctx context.Context, op func(context.Context) error, onRetry func()) error {
	backoff := p.Base
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		onRetry()
		if !sleepWithContext(ctx, backoff) {
			return lastErr
		}
		backoff = nextBackoff(backoff, p.Cap)
	}
	return lastErr
}

func nextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		return cap
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
