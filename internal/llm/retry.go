package llm

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig controls transient-failure retries for provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the recommended policy: 3 attempts with
// exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// retryHookKey carries an optional per-request retry observer in the context.
type retryHookKey struct{}

// RetryHook is invoked before each retry sleep with the attempt number,
// the configured cap, and the error that triggered the retry.
type RetryHook func(attempt, maxAttempts int, err error)

// WithRetryHook attaches a retry observer to the context.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

func retryHookFromContext(ctx context.Context) RetryHook {
	if h, ok := ctx.Value(retryHookKey{}).(RetryHook); ok {
		return h
	}
	return nil
}

// RetryDo runs fn, retrying transient failures (network, rate limit) with
// exponential backoff. Fatal errors (auth, model not found, rejections)
// surface immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !KindOf(err).Retryable() || attempt == cfg.MaxAttempts {
			return zero, err
		}

		backoff := cfg.BaseDelay * time.Duration(1<<(attempt-1))
		if backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
		if hook := retryHookFromContext(ctx); hook != nil {
			hook(attempt, cfg.MaxAttempts, err)
		}
		slog.Warn("llm.request.retrying", "attempt", attempt, "max", cfg.MaxAttempts, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return zero, lastErr
}

// ParseRetryAfter reads a Retry-After header value in seconds. Returns 0 for
// absent or malformed values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// newLimiter builds the per-adapter request limiter. The burst of one keeps
// a misbehaving loop from stacking provider calls.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		rpm = 60
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}
