package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy controls local retry of transient backend errors.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // First backoff delay
	MaxDelay    time.Duration // Per-attempt backoff ceiling
}

// DefaultRetryPolicy returns the policy used by the agent loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// GenerateWithRetry calls b.Generate, retrying transient failures with
// exponential backoff. A RateLimitError's RetryAfter hint overrides the
// computed backoff. Auth errors are returned immediately. Backoff sleeps
// block only this call's own flow and honor ctx cancellation.
func GenerateWithRetry(ctx context.Context, b Backend, req *Request, policy RetryPolicy, logger *slog.Logger) (*GenerationResult, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt, lastErr)
			logger.Debug("retrying backend after transient error",
				"backend", b.ID(),
				"attempt", attempt+1,
				"max_attempts", policy.MaxAttempts,
				"delay", delay,
				"error", lastErr,
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := b.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// backoffDelay computes the wait before the given attempt (1-based for
// the first retry). Rate-limit hints from the provider take precedence.
func backoffDelay(policy RetryPolicy, attempt int, lastErr error) time.Duration {
	var rl *RateLimitError
	if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
