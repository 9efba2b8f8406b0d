package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/pkg/models"
)

var (
	// ErrStreamStartTimeout ends a turn whose provider stream produced no
	// event within the configured window.
	ErrStreamStartTimeout = errors.New("provider stream did not start")

	// ErrNoProvider indicates the engine was built without a provider.
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoStore indicates the engine was built without a session store.
	ErrNoStore = errors.New("no session store configured")

	// ErrInvalidInput indicates Process was called without a message or request.
	ErrInvalidInput = errors.New("invalid turn input")
)

// APIError is a failed provider call.
type APIError struct {
	Message         string
	StatusCode      int
	Retryable       bool
	ResponseHeaders map[string]string
	ResponseBody    string
	Cause           error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// AuthError indicates the provider rejected the credentials.
type AuthError struct {
	ProviderID string
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.ProviderID, e.Message)
}

// OutputLengthError indicates the response exceeded the output token limit.
type OutputLengthError struct{}

func (e *OutputLengthError) Error() string {
	return "model output exceeded the maximum length"
}

// ContextOverflowError indicates the request no longer fits the model's
// context window.
type ContextOverflowError struct {
	Message string
}

func (e *ContextOverflowError) Error() string {
	return "context window exceeded: " + e.Message
}

// ValidationError indicates malformed input that a retry cannot fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// AbortedError is the cancellation cause used when a turn is aborted by a
// caller through the health registry.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	if e.Reason == "" {
		return "turn aborted"
	}
	return "turn aborted: " + e.Reason
}

// StallError cancels a single stream attempt after prolonged silence.
type StallError struct {
	Elapsed    time.Duration
	EventCount int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("provider stream stalled after %s (%d events)", e.Elapsed.Round(time.Millisecond), e.EventCount)
}

// isAbort reports whether err means the caller gave up on the turn. A bare
// deadline is not an abort: HTTP client timeouts surface as
// context.DeadlineExceeded while the turn itself is still live.
func isAbort(err error) bool {
	var aborted *AbortedError
	return errors.As(err, &aborted) || errors.Is(err, context.Canceled)
}

// Normalize converts any error into the persisted message error shape.
func Normalize(err error) *models.MessageError {
	if err == nil {
		return nil
	}

	var (
		apiErr      *APIError
		authErr     *AuthError
		lengthErr   *OutputLengthError
		overflowErr *ContextOverflowError
		rejected    *permission.RejectedError
		stall       *StallError
	)
	switch {
	case errors.As(err, &authErr):
		return &models.MessageError{Name: models.ErrorNameAuth, Message: authErr.Message}
	case errors.As(err, &lengthErr):
		return &models.MessageError{Name: models.ErrorNameOutputLength, Message: lengthErr.Error()}
	case errors.As(err, &rejected):
		return &models.MessageError{Name: models.ErrorNameRejected, Message: rejected.Error()}
	case errors.As(err, &stall):
		return &models.MessageError{Name: models.ErrorNameAPI, Message: stall.Error(), Retryable: true}
	case errors.As(err, &overflowErr):
		return &models.MessageError{Name: models.ErrorNameAPI, Message: overflowErr.Error()}
	case errors.As(err, &apiErr):
		return &models.MessageError{
			Name:            models.ErrorNameAPI,
			Message:         apiErr.Message,
			StatusCode:      apiErr.StatusCode,
			Retryable:       apiErr.Retryable,
			ResponseHeaders: apiErr.ResponseHeaders,
		}
	case errors.Is(err, ErrStreamStartTimeout):
		return &models.MessageError{Name: models.ErrorNameAPI, Message: err.Error()}
	case isAbort(err):
		return &models.MessageError{Name: models.ErrorNameAborted, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &models.MessageError{Name: models.ErrorNameAPI, Message: err.Error(), Retryable: true}
	default:
		return &models.MessageError{Name: models.ErrorNameUnknown, Message: err.Error()}
	}
}
