package llm

import "context"

// CallOptions carries per-call generation parameters.
type CallOptions struct {
	Model           string
	MaxOutputTokens int
	Temperature     *float64
}

// Provider is the vendor-agnostic layer the unified router drives. One
// implementation exists per vendor; all speak canonical Messages and return
// canonical StepResults.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai", ...).
	Name() string

	// Chat sends one formatted request and returns a single step result.
	Chat(ctx context.Context, req Request, opts CallOptions) (*StepResult, error)

	// ChatStream behaves like Chat but delivers text deltas through onDelta
	// as they arrive. The returned result carries the full accumulated text.
	ChatStream(ctx context.Context, req Request, opts CallOptions, onDelta func(string)) (*StepResult, error)
}
