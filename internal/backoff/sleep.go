package backoff

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done. It returns nil when the full
// duration elapsed and the context's cancellation cause otherwise, so
// callers can tell a user abort from a timeout.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
