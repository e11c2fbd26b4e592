package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/webpilot/webpilot/api"
)

// frameTick is the polling cadence for wait predicates, one animation
// frame.
const frameTick = 16 * time.Millisecond

// poll re-checks pred every frame until it holds, errors, or the
// timeout passes. Predicate errors abort the wait; a lapsed deadline
// becomes a TimeoutError naming the operation.
func (e *Executor) poll(ctx context.Context, op string, timeout time.Duration, pred func() (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(frameTick)
	defer ticker.Stop()

	for {
		ok, err := pred()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &api.TimeoutError{Op: op, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &api.TimeoutError{Op: op, Timeout: timeout}
			}
			return fmt.Errorf("%s aborted: %w", op, ctx.Err())
		case <-ticker.C:
		}
	}
}
