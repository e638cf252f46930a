package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackendError is the base error for provider failures. More specific
// failures embed it so errors.As can match both the concrete type and
// the base.
type BackendError struct {
	Backend string // backend ID
	Op      string // "generate", "stream", "probe"
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// AuthError indicates rejected credentials. Never retried.
type AuthError struct {
	BackendError
}

// RateLimitError indicates the provider is throttling. RetryAfter is
// zero when the provider gave no hint.
type RateLimitError struct {
	BackendError
	RetryAfter time.Duration
}

// UnavailableError indicates a transient provider outage (5xx,
// connection failure).
type UnavailableError struct {
	BackendError
}

// NoBackendsError is the fatal condition raised when every adapter in
// the fallback chain has been exhausted. It is surfaced to the caller,
// never retried.
type NoBackendsError struct {
	Tried []string
}

func (e *NoBackendsError) Error() string {
	if len(e.Tried) == 0 {
		return "no backends available"
	}
	return fmt.Sprintf("no backends available (tried: %s)", strings.Join(e.Tried, ", "))
}

// Retryable reports whether err is a transient backend failure worth
// retrying with backoff. Auth errors and non-backend errors are not.
func Retryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var un *UnavailableError
	return errors.As(err, &un)
}

// httpError maps an HTTP status from a provider into the taxonomy.
// retryAfter is the raw Retry-After header value, seconds or empty.
func httpError(backend, op string, status int, body, retryAfter string) error {
	base := BackendError{
		Backend: backend,
		Op:      op,
		Err:     fmt.Errorf("API error %d: %s", status, body),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{BackendError: base}
	case status == http.StatusTooManyRequests:
		var after time.Duration
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return &RateLimitError{BackendError: base, RetryAfter: after}
	case status >= 500:
		return &UnavailableError{BackendError: base}
	default:
		return &base
	}
}

// transportError wraps a connection-level failure as unavailable so the
// retry layer and the fallback chain treat it as transient.
func transportError(backend, op string, err error) error {
	return &UnavailableError{BackendError: BackendError{Backend: backend, Op: op, Err: err}}
}
