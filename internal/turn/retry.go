package turn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/turnengine/internal/backoff"
	"github.com/haasonsaas/turnengine/internal/permission"
)

// RetryPolicy decides whether a failed stream attempt is retried and how
// long to wait first.
type RetryPolicy struct {
	Backoff backoff.Policy
	// HintCeiling bounds provider-supplied retry delays. Zero means unbounded.
	HintCeiling time.Duration
	now         func() time.Time
}

// NewRetryPolicy creates a policy with normalized backoff settings.
func NewRetryPolicy(policy backoff.Policy, hintCeiling time.Duration) RetryPolicy {
	return RetryPolicy{Backoff: policy.Normalize(), HintCeiling: hintCeiling, now: time.Now}
}

// Delay classifies err. It returns false for fatal errors and otherwise the
// delay before the given attempt's successor.
func (p RetryPolicy) Delay(err error, attempt int) (time.Duration, bool) {
	if !Retryable(err) {
		return 0, false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		now := time.Now
		if p.now != nil {
			now = p.now
		}
		return p.Backoff.Hinted(attempt, retryAfter(apiErr.ResponseHeaders, now()), p.HintCeiling), true
	}
	return p.Backoff.Delay(attempt), true
}

// Retryable reports whether err is a transient provider or network failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		validation *ValidationError
		auth       *AuthError
		length     *OutputLengthError
		overflow   *ContextOverflowError
		stall      *StallError
		apiErr     *APIError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &validation),
		errors.As(err, &auth),
		errors.As(err, &length),
		errors.As(err, &overflow),
		permission.IsRejected(err),
		errors.Is(err, ErrStreamStartTimeout),
		isAbort(err):
		return false
	case errors.As(err, &stall):
		return true
	case errors.As(err, &apiErr):
		return apiErr.Retryable
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "rate_limit", "too many requests", "overloaded", "exhausted", "unavailable", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryAfter extracts a provider delay hint from response headers.
// retry-after-ms takes precedence over retry-after, which may hold seconds
// or an HTTP date.
func retryAfter(headers map[string]string, now time.Time) time.Duration {
	if len(headers) == 0 {
		return 0
	}
	get := func(name string) string {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	if v := get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if d := ParseRetryAfter(get("retry-after"), now); d > 0 {
		return d
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value given in seconds or as
// an HTTP date. It returns zero when the value is missing or invalid.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
