// SPDX-License-Identifier: MIT

package httpx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrobsky/scrobsky/internal/log"
	"github.com/scrobsky/scrobsky/internal/metrics"
)

// Call classes carry distinct deadlines: light API lookups fail fast, batch
// writes get longer, blob uploads longest.
const (
	TimeoutAPI    = 15 * time.Second
	TimeoutBatch  = 30 * time.Second
	TimeoutUpload = 60 * time.Second
)

// RetryPolicy wraps an operation with a per-attempt deadline and exponential
// backoff for transient errors.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration

	// Sleep is injectable for tests; defaults to a cancellable timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the standard three-attempt policy for the given
// call-class timeout.
func DefaultRetryPolicy(timeout time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Timeout:      timeout,
	}
}

// Do runs fn under the policy. Non-retryable errors propagate immediately;
// transient errors are retried with backoff delay_i = min(max, initial*2^(i-1)).
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	logger := log.WithComponent("httpx")
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.backoff(attempt)
			logger.Debug().
				Str("event", "retry.backoff").
				Str("operation", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying after transient error")
			metrics.RecordRetry("transient")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &APIError{Sentinel: ErrTimeout, Operation: op, Err: err}
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// backoff returns the delay before the given attempt (attempt >= 2).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	d := initial << (attempt - 2)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
