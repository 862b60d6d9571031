// Package poll implements the fixed-interval wait loop shared by every
// control-plane and transport readiness check.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/kriansa/pve-exe-runner/internal/failure"
)

// CheckFunc reports whether the awaited condition holds. A non-nil error
// aborts the loop immediately.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Until calls check every interval until it reports done, returns an error,
// or timeout elapses. The first check runs immediately. No check is started
// once the deadline has passed. A timeout <= 0 waits until ctx is done.
func Until(ctx context.Context, interval, timeout time.Duration, check CheckFunc) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", failure.ErrTimeout, timeout)
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		wait := interval
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
