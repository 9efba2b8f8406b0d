package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrAttemptsExhausted is returned when every attempt failed with a retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry runs fn until it succeeds, returns an error rejected by retryable,
// maxAttempts is reached, or ctx is done. A nil retryable retries every error.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, maxAttempts, lastErr)
}
