package llm

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHTTPErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "401 is auth",
			status: 401,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("expected AuthError, got %T", err)
				}
				if Retryable(err) {
					t.Error("auth errors must not be retryable")
				}
			},
		},
		{
			name:   "403 is auth",
			status: 403,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("expected AuthError, got %T", err)
				}
			},
		},
		{
			name:       "429 carries retry-after",
			status:     429,
			retryAfter: "7",
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %T", err)
				}
				if rl.RetryAfter != 7*time.Second {
					t.Errorf("RetryAfter = %v, want 7s", rl.RetryAfter)
				}
				if !Retryable(err) {
					t.Error("rate limit errors must be retryable")
				}
			},
		},
		{
			name:   "429 without header",
			status: 429,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %T", err)
				}
				if rl.RetryAfter != 0 {
					t.Errorf("RetryAfter = %v, want 0", rl.RetryAfter)
				}
			},
		},
		{
			name:   "503 is unavailable",
			status: 503,
			check: func(t *testing.T, err error) {
				var un *UnavailableError
				if !errors.As(err, &un) {
					t.Fatalf("expected UnavailableError, got %T", err)
				}
				if !Retryable(err) {
					t.Error("unavailable errors must be retryable")
				}
			},
		},
		{
			name:   "400 is plain backend error",
			status: 400,
			check: func(t *testing.T, err error) {
				var be *BackendError
				if !errors.As(err, &be) {
					t.Fatalf("expected BackendError, got %T", err)
				}
				if Retryable(err) {
					t.Error("client errors must not be retryable")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := httpError("claude", "generate", tt.status, "boom", tt.retryAfter)
			tt.check(t, err)

			// Every taxonomy member matches the base type too.
			var be *BackendError
			if !errors.As(err, &be) {
				t.Errorf("%T does not match *BackendError", err)
			}
			if be.Backend != "claude" || be.Op != "generate" {
				t.Errorf("base fields lost: %+v", be)
			}
		})
	}
}

func TestNoBackendsError(t *testing.T) {
	err := &NoBackendsError{Tried: []string{"ollama-local", "claude"}}
	msg := err.Error()
	if !strings.Contains(msg, "ollama-local") || !strings.Contains(msg, "claude") {
		t.Errorf("message should list tried backends: %q", msg)
	}

	empty := &NoBackendsError{}
	if empty.Error() != "no backends available" {
		t.Errorf("empty message = %q", empty.Error())
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	err := transportError("ollama-local", "generate", errors.New("connection refused"))
	if !Retryable(err) {
		t.Error("transport errors must be retryable")
	}
}
