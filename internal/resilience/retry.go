package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"magray/internal/memory"
)

// RetryConfig bounds Call's exponential backoff.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	return c
}

// Call runs op through b, retrying transient failures with exponential
// backoff for as long as b keeps admitting calls. Non-transient errors and
// an open breaker end the loop at once. A nil b skips the breaker.
func Call[T any](ctx context.Context, b *Breaker, rc RetryConfig, op func(context.Context) (T, error)) (T, error) {
	rc = rc.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rc.InitialInterval
	eb.MaxInterval = rc.MaxInterval

	attempt := func() (T, error) {
		var zero T
		done := func(error) {}
		if b != nil {
			var err error
			done, err = b.Allow()
			if err != nil {
				return zero, backoff.Permanent(err)
			}
		}

		res, err := op(ctx)
		switch {
		case err == nil:
			done(nil)
			return res, nil
		case errors.Is(err, context.Canceled), ctx.Err() != nil:
			// The caller gave up; that says nothing about the dependency.
			done(ErrAbandoned)
			return zero, backoff.Permanent(err)
		}
		done(err)
		if !memory.IsTransient(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(rc.MaxAttempts)))
}
