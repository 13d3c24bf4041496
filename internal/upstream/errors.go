// Package upstream calls the costly, rate-limited providers behind the cache
// and classifies their failures. Only rate limiting is retried; timeouts and
// every other failure are returned to the caller at once.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure kinds. Every error returned by Caller.Call matches exactly one of
// them with errors.Is, except context cancellation of the caller.
var (
	ErrRateLimited = errors.New("upstream: rate limited")
	ErrProvider    = errors.New("upstream: provider error")
	ErrTimeout     = errors.New("upstream: timeout")
)

// Error carries provider detail for a classified failure.
type Error struct {
	Kind       error
	Provider   string
	StatusCode int
	// RetryAfter is the wait the provider asked for, zero when unknown.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RateLimited reports a 429-style rejection.
func RateLimited(provider string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: ErrRateLimited, Provider: provider, StatusCode: 429, RetryAfter: retryAfter, Err: err}
}

// ProviderError reports any non-retryable provider failure.
func ProviderError(provider string, status int, err error) *Error {
	return &Error{Kind: ErrProvider, Provider: provider, StatusCode: status, Err: err}
}

// Timeout reports a call that exceeded its deadline.
func Timeout(provider string, err error) *Error {
	return &Error{Kind: ErrTimeout, Provider: provider, Err: err}
}

// Classify normalises err into the failure kinds. Already classified errors
// and caller cancellation are returned unchanged; deadline errors become
// ErrTimeout and anything else ErrProvider.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrProvider), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout("", err)
	default:
		return ProviderError("", 0, err)
	}
}

// RetryAfterOf returns the provider-requested wait carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}

// ProviderOf returns the provider name carried by err, if any.
func ProviderOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Provider
	}
	return ""
}

// Status returns the metric label for err.
func Status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "provider_error"
	}
}
