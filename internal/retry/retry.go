// Package retry provides a small cancellable backoff helper for calls to
// flaky external services. It composes with the caller's context deadline
// so total latency stays bounded even under retries.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retried call.
type Policy struct {
	Attempts int           // total attempts, including the first
	Initial  time.Duration // delay before the second attempt
	Factor   float64       // multiplier applied to the delay per attempt
}

// DefaultPolicy retries once after 250ms (two attempts total).
var DefaultPolicy = Policy{Attempts: 2, Initial: 250 * time.Millisecond, Factor: 2}

// Do invokes fn until it succeeds, the attempts are exhausted, or ctx is
// done. The last error is returned; a context error wins if the deadline
// expires while waiting to retry.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	delay := p.Initial
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * p.Factor)
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
