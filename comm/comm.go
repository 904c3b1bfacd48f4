/*Package comm provides the wait and retry policies used when talking to slow lab hardware.

Hardware that acknowledges asynchronously is handled with one of two policies:

	1.  BoundedRetry, which re-checks a condition a fixed number of times and
		gives up with ErrBudgetExhausted.  Used where a missing acknowledgment
		means the device is broken (e.g. a focuser that never settles).
	2.  UnboundedPoll, which re-checks forever until the condition holds or the
		context is cancelled.  Used where the wait is a liveness concern and not
		an error (e.g. waiting for a camera to publish its last image).

A minimal example confirming that a stage has arrived:

	r := comm.BoundedRetry{Retries: 1000, Interval: 100 * time.Millisecond}
	err := r.Do(ctx, func() error {
		pos, err := stage.Position()
		if err != nil {
			return err
		}
		if math.Abs(pos-target) > tol {
			return comm.ErrNotReady
		}
		return nil
	})
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrBudgetExhausted is generated when a BoundedRetry runs out of attempts
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrNotReady may be returned by a polled operation to signal that the
	// condition it checks for does not yet hold
	ErrNotReady = errors.New("not ready")
)

// NotifyFunc is called after each failed attempt with the error and the
// delay before the next attempt
type NotifyFunc func(err error, next time.Duration)

// Sleep suspends for d or until ctx is done.  Non-positive durations return
// immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BoundedRetry runs an operation up to Retries+1 times with a constant
// Interval between attempts.
type BoundedRetry struct {
	Retries  int
	Interval time.Duration
	Notify   NotifyFunc
}

// Do runs op until it returns nil, the budget is spent, or ctx is done.
// When the budget is spent the returned error wraps both ErrBudgetExhausted
// and the last error from op.
func (b BoundedRetry) Do(ctx context.Context, op func() error) error {
	retries := b.Retries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.Interval), uint64(retries)),
		ctx)
	err := backoff.RetryNotify(op, bo, backoff.Notify(b.notify()))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrBudgetExhausted, retries+1, err)
}

func (b BoundedRetry) notify() NotifyFunc {
	if b.Notify == nil {
		return func(error, time.Duration) {}
	}
	return b.Notify
}

// UnboundedPoll runs an operation every Interval until it succeeds.  The only
// way out other than success is cancellation of the context.
type UnboundedPoll struct {
	Interval time.Duration
	Notify   NotifyFunc
}

// Do runs op until it returns nil or ctx is done, in which case ctx.Err() is returned
func (u UnboundedPoll) Do(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(u.Interval), ctx)
	notify := u.Notify
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	err := backoff.RetryNotify(op, bo, backoff.Notify(notify))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// ExponentialConnect retries a connection attempt with exponential backoff
// up to maxElapsed.  Permanent reports errors which should not be retried
// (e.g. refused credentials); it may be nil.
func ExponentialConnect(ctx context.Context, maxElapsed time.Duration, permanent func(error) bool, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = maxElapsed
	var last error
	wrapped := func() error {
		err := op()
		if err != nil && permanent != nil && permanent(err) {
			last = err
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(wrapped, backoff.WithContext(eb, ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
