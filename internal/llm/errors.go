package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/turnengine/internal/turn"
)

// FailoverReason is the coarse class of a provider failure.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether a later attempt may succeed.
func (r FailoverReason) IsRetryable() bool {
	return r == FailoverRateLimit || r == FailoverTimeout || r == FailoverServerError
}

// ProviderError describes a failed provider request. Adapters build one
// from their SDK error and toTurnError translates it for the engine.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Headers   http.Header
	Body      string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	field := func(prefix, v string) {
		if v != "" {
			b.WriteString(" " + prefix + v)
		}
	}
	field("", e.Provider)
	field("model=", e.Model)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	field("code=", e.Code)
	switch {
	case e.Message != "":
		field("", e.Message)
	case e.Cause != nil:
		field("", e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause, classifying it by its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailoverUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = ClassifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status. A recognised status overrides the
// message-based reason.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := reasonForStatus(status); r != FailoverUnknown {
		e.Reason = r
	}
	return e
}

// WithCode records the provider's error code. A recognised code takes
// precedence over the status.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if r, ok := codeReasons[strings.ToLower(code)]; ok {
		e.Reason = r
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage replaces the message unless msg is empty.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	if msg != "" {
		e.Message = msg
	}
	return e
}

func (e *ProviderError) WithResponse(headers http.Header, body string) *ProviderError {
	e.Headers, e.Body = headers, body
	return e
}

// messageRules are checked in order; the first rule with a matching
// fragment decides.
var messageRules = []struct {
	reason    FailoverReason
	fragments []string
}{
	{FailoverTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "resource_exhausted", "throttl"}},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "api key not valid", "authentication", "permission_denied", "access denied", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy", "safety", "blocked"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{FailoverServerError, []string{"overloaded", "internal server", "server error", "unavailable", "500", "502", "503", "504", "529"}},
}

// ClassifyError guesses a FailoverReason from an error's text.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		if containsAny(msg, rule.fragments...) {
			return rule.reason
		}
	}
	return FailoverUnknown
}

func reasonForStatus(status int) FailoverReason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailoverAuth
	case http.StatusPaymentRequired:
		return FailoverBilling
	case http.StatusTooManyRequests:
		return FailoverRateLimit
	case http.StatusRequestTimeout:
		return FailoverTimeout
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return FailoverInvalidRequest
	case http.StatusNotFound:
		return FailoverModelUnavailable
	}
	if status >= 500 {
		return FailoverServerError
	}
	return FailoverUnknown
}

var codeReasons = map[string]FailoverReason{
	"rate_limit_error":         FailoverRateLimit,
	"rate_limit_exceeded":      FailoverRateLimit,
	"authentication_error":     FailoverAuth,
	"invalid_api_key":          FailoverAuth,
	"permission_error":         FailoverAuth,
	"billing_error":            FailoverBilling,
	"insufficient_quota":       FailoverBilling,
	"model_not_found":          FailoverModelUnavailable,
	"model_not_available":      FailoverModelUnavailable,
	"not_found_error":          FailoverModelUnavailable,
	"content_policy_violation": FailoverContentFilter,
	"content_filter":           FailoverContentFilter,
	"server_error":             FailoverServerError,
	"internal_error":           FailoverServerError,
	"api_error":                FailoverServerError,
	"overloaded_error":         FailoverServerError,
	"invalid_request_error":    FailoverInvalidRequest,
	"request_too_large":        FailoverInvalidRequest,
	"context_length_exceeded":  FailoverInvalidRequest,
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Provider phrasings for a prompt that does not fit the model's window.
var overflowMarkers = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"too many tokens",
	"input is too long",
	"exceeds the context window",
}

// timeoutError reports a deadline that expired below the turn, such as an
// HTTP client timeout. The engine checks its own context before retrying,
// so a cancelled turn still ends as an abort.
func timeoutError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Reason:   FailoverTimeout,
		Provider: provider,
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
}

// toTurnError translates a ProviderError into the turn package's error
// types. Cancellation and other non-provider errors are returned unchanged.
func toTurnError(err error) error {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		perr = timeoutError("", "", err)
	}

	text := strings.ToLower(perr.Message + " " + perr.Body)
	if perr.Reason == FailoverAuth {
		return &turn.AuthError{ProviderID: perr.Provider, Message: perr.Message}
	}
	if containsAny(text, overflowMarkers...) {
		return &turn.ContextOverflowError{Message: perr.Message}
	}
	if perr.Reason == FailoverInvalidRequest && strings.Contains(text, "max_tokens") {
		return &turn.OutputLengthError{}
	}
	return &turn.APIError{
		Message:         perr.Message,
		StatusCode:      perr.Status,
		Retryable:       perr.Reason.IsRetryable(),
		ResponseHeaders: firstHeaderValues(perr.Headers),
		ResponseBody:    perr.Body,
		Cause:           perr,
	}
}

// firstHeaderValues lower-cases header names and keeps one value each.
func firstHeaderValues(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
