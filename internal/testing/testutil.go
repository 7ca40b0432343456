// Package testing provides test utilities for the benchkeeper packages.
//
// t.Fatal only stops the goroutine that calls it, so concurrent tests
// return errors through GoroutineTest and let it fail the test.
package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// GoroutineTest runs goroutines under one context and fails the test with
// every error they return.
//
//	gt := bktesting.NewGoroutineTest(t)
//	for i := range 4 {
//	    gt.Go(func() error {
//	        _, err := store.Append(ctx, suite, entry(i))
//	        return err
//	    })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t   testing.TB
	g   *errgroup.Group
	ctx context.Context

	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest returns a helper whose context is cancelled by the first
// failing goroutine or by Wait.
func NewGoroutineTest(t testing.TB) *GoroutineTest {
	g, ctx := errgroup.WithContext(context.Background())
	return &GoroutineTest{t: t, g: g, ctx: ctx}
}

// Go runs fn in a new goroutine.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.g.Go(func() error {
		err := fn()
		if err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
		return err
	})
}

// GoContext runs fn with the shared context.
func (gt *GoroutineTest) GoContext(fn func(ctx context.Context) error) {
	gt.Go(func() error { return fn(gt.ctx) })
}

func (gt *GoroutineTest) Context() context.Context { return gt.ctx }

// Wait blocks until every goroutine returned and fails the test if any
// returned an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.g.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) > 0 {
		gt.t.Fatalf("%d goroutine(s) failed:\n%v", len(gt.errs), errors.Join(gt.errs...))
	}
}

// Eventually polls cond every interval until it holds, or returns an error
// once timeout has passed.
func Eventually(timeout, interval time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-deadline.C:
			if cond() {
				return nil
			}
			return fmt.Errorf("condition not met within %v", timeout)
		case <-tick.C:
		}
	}
}

// =============================================================================
// Fixtures
// =============================================================================

// Entry builds a commit entry. The commit URL is derived from the id.
func Entry(commit string, dateMs int64, tool string, ms ...types.Measurement) types.CommitEntry {
	return types.CommitEntry{
		Commit: types.Commit{
			ID:     commit,
			URL:    "https://github.com/example/project/commit/" + commit,
			Author: types.Person{Name: "bench", Username: "bench"},
		},
		DateMs:       dateMs,
		Tool:         tool,
		Measurements: ms,
	}
}

// Bench builds a measurement.
func Bench(name string, value, variability float64, unit string) types.Measurement {
	return types.Measurement{Name: name, Value: value, Variability: variability, Unit: unit}
}
