// Package retry runs persistence operations with a per-attempt timeout and
// bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// JitterFactor is the maximum jitter as a fraction of the backoff (0-1).
	JitterFactor float64
}

// Result reports how an operation went.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// cancelled, or the retries are exhausted.
//
// Exhaustion is reported as ErrPersistenceUnavailable wrapping the last
// error. A permanent error is returned unwrapped from its marker.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (Result, error) {
	start := time.Now()
	result := Result{}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = p.JitterFactor
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	var permanent error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		result.Attempts++
		err := runAttempt(ctx, p.Timeout, fn)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = perm.Err
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	result.TotalDuration = time.Since(start)

	switch {
	case err == nil:
		return result, nil
	case permanent != nil:
		return result, permanent
	case ctx.Err() != nil:
		return result, ctx.Err()
	}
	return result, fmt.Errorf("%w: after %d attempts: %w",
		errors.ErrPersistenceUnavailable, result.Attempts, err)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w: attempt exceeded %v: %w", errors.ErrTimeout, timeout, err)
	}
	return err
}
