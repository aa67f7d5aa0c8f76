package resilience

import (
	"context"
	"time"
)

// Backoff computes exponential retry delays: Base * 2^(attempt-1), capped at
// Max.
type Backoff struct {
	// Base is the delay before the first retry. Default: 500ms.
	Base time.Duration

	// Max caps a single delay. Default: 30s.
	Max time.Duration
}

// Delay returns the wait before retry number attempt (1-based). attempt <= 0
// yields zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Wait blocks for Delay(attempt) or until ctx is done, in which case the
// context error is returned.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn up to attempts times, sequentially. It retries only while
// retryable(err) holds, waiting b.Delay between tries. The last error is
// returned when attempts run out.
func Retry(ctx context.Context, b Backoff, attempts int, retryable func(error) bool, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if werr := b.Wait(ctx, attempt-1); werr != nil {
				return werr
			}
		}
		if err = fn(attempt); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
