package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:     retries,
		Timeout:        time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	res, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("disk busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestDo_ExhaustionIsPersistenceUnavailable(t *testing.T) {
	cause := errors.New("disk full")
	var calls atomic.Int32
	res, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls.Add(1)
		return cause
	})
	if !errors.Is(err, bkerrors.ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if calls.Load() != 3 || res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got calls=%d attempts=%d", calls.Load(), res.Attempts)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("sequence gap")
	var calls atomic.Int32
	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(cause)
	})
	if err != cause {
		t.Fatalf("expected the permanent cause, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.Timeout = 10 * time.Millisecond

	_, err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, bkerrors.ErrPersistenceUnavailable) || !errors.Is(err, bkerrors.ErrTimeout) {
		t.Fatalf("expected timeout inside persistence unavailable, got %v", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, fastPolicy(3), func(ctx context.Context) error {
		t.Error("fn must not run on a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
