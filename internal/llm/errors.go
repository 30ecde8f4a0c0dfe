package llm

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes adapter failures for retry policy.
type ErrorKind string

const (
	// ErrorNetwork covers connection failures and 5xx responses. Retryable.
	ErrorNetwork ErrorKind = "network"
	// ErrorRateLimit covers 429 responses. Retryable.
	ErrorRateLimit ErrorKind = "rate_limit"
	// ErrorAuth covers 401/403 responses. Never retried.
	ErrorAuth ErrorKind = "auth"
	// ErrorModelNotFound covers unknown-model rejections. Never retried.
	ErrorModelNotFound ErrorKind = "model_not_found"
	// ErrorRejected covers 4xx model rejections (bad request, content). Never retried.
	ErrorRejected ErrorKind = "rejected"
	// ErrorUnknown is everything else; surfaced as a generic LLM error.
	ErrorUnknown ErrorKind = "unknown"
)

// Retryable reports whether the kind is a transient failure.
func (k ErrorKind) Retryable() bool {
	return k == ErrorNetwork || k == ErrorRateLimit
}

// Error is the typed failure returned by adapters. The provider's original
// message is preserved in Message.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s error", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed adapter error.
func NewError(kind ErrorKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// KindOf extracts the error kind, defaulting to ErrorUnknown.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ErrorUnknown
}

// kindFromStatus maps an HTTP status code onto an ErrorKind.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorAuth
	case status == 404:
		return ErrorModelNotFound
	case status == 429:
		return ErrorRateLimit
	case status >= 500:
		return ErrorNetwork
	case status >= 400:
		return ErrorRejected
	default:
		return ErrorUnknown
	}
}
