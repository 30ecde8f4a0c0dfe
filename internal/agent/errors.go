package agent

import (
	"errors"
	"fmt"
)

// Lifecycle sentinel errors.
var (
	// ErrNotStarted is returned when a method runs before Start.
	ErrNotStarted = errors.New("agent not started")

	// ErrAlreadyStarted is returned when Start runs twice.
	ErrAlreadyStarted = errors.New("agent already started")

	// ErrStopped is returned after Stop; the instance is terminal.
	ErrStopped = errors.New("agent stopped")
)

// InputValidationError rejects a user input before any LLM call.
type InputValidationError struct {
	SessionID string
	Provider  string
	Model     string
	Issues    []string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("input rejected for %s/%s: %v", e.Provider, e.Model, e.Issues)
}
