package remote

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy is the uniform transient-failure policy applied to every
// remote call: exponential backoff, bounded attempts, capped wait.
// Only KindNetwork and KindRemoteTransient failures are retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first (minimum 1)
	Base        time.Duration // backoff before attempt 2; doubles each retry
	MaxWait     time.Duration // ceiling on a single backoff sleep
}

// DefaultRetryPolicy matches the configured reference policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		MaxWait:     60 * time.Second,
	}
}

// Do runs fn, retrying retryable failures with exponential backoff until the
// attempt budget is exhausted or ctx is cancelled. The last error is returned
// with its classification intact.
func (p RetryPolicy) Do(ctx context.Context, log *zap.SugaredLogger, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	wait := p.Base
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		if !kind.Retryable() || attempt == attempts {
			return err
		}

		if wait > p.MaxWait && p.MaxWait > 0 {
			wait = p.MaxWait
		}
		if log != nil {
			log.Warnw("Retrying remote call",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"error_kind", kind,
				"backoff", wait,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return Classify(KindNetwork, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
