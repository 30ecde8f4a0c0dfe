package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryDoSucceedsAfterTransient(t *testing.T) {
	attempts := 0
	out, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewError(ErrorNetwork, "test", "flaky", nil)
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("got %q, %v", out, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoFatalSurfacesImmediately(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", NewError(ErrorAuth, "test", "bad key", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("auth errors must not be retried, attempts = %d", attempts)
	}
	if KindOf(err) != ErrorAuth {
		t.Errorf("kind = %s", KindOf(err))
	}
}

func TestRetryDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		attempts++
		return 0, NewError(ErrorRateLimit, "test", "throttled", nil)
	})
	if err == nil || attempts != 3 {
		t.Errorf("attempts = %d, err = %v; want 3 attempts and an error", attempts, err)
	}
}

func TestRetryDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute}, func() (int, error) {
		return 0, NewError(ErrorNetwork, "test", "down", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryHook(t *testing.T) {
	var hookAttempts []int
	ctx := WithRetryHook(context.Background(), func(attempt, max int, err error) {
		hookAttempts = append(hookAttempts, attempt)
	})
	_, _ = RetryDo(ctx, fastRetry(), func() (int, error) {
		return 0, NewError(ErrorNetwork, "test", "down", nil)
	})
	if len(hookAttempts) != 2 {
		t.Errorf("hook fired %d times, want 2 (before each retry sleep)", len(hookAttempts))
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, ErrorAuth},
		{403, ErrorAuth},
		{404, ErrorModelNotFound},
		{429, ErrorRateLimit},
		{500, ErrorNetwork},
		{503, ErrorNetwork},
		{400, ErrorRejected},
	}
	for _, tt := range tests {
		if got := kindFromStatus(tt.status); got != tt.want {
			t.Errorf("kindFromStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("got %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty should be 0, got %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("malformed should be 0, got %v", got)
	}
}
