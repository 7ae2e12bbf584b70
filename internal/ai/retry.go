package ai

import (
	"context"
	"time"
)

// Policy controls WithRetry.
type Policy struct {
	// MaxAttempts is the total number of calls, first one included.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. Each later wait
	// doubles it.
	BaseDelay time.Duration

	// Retryable decides whether a failure is worth another attempt.
	// Nil means IsTransient.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy retries transient failures three times in total, starting
// at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// WithRetry calls op until it succeeds, fails with a non-retryable error,
// or MaxAttempts is reached. The last error is returned unchanged.
func WithRetry[T any](ctx context.Context, op func(context.Context) (T, error), p Policy) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= attempts || !retryable(err) {
			return zero, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
