package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Adapter is one (provider × router) LLM binding. Adapters are stateless
// between turns apart from cached model metadata and the request limiter;
// the conversation lives in the context manager and is handed in per call.
type Adapter interface {
	// Generate runs one step: a single provider call translating the
	// formatted request into canonical text and tool calls.
	Generate(ctx context.Context, req Request) (*StepResult, error)

	// Stream behaves like Generate, delivering text deltas via onDelta.
	Stream(ctx context.Context, req Request, onDelta func(string)) (*StepResult, error)

	// Config returns a copy of the resolved configuration.
	Config() Config

	// ContextWindow returns the model's max input tokens.
	ContextWindow() int
}

// unifiedAdapter drives generation through the vendor-agnostic Provider
// layer. This is the default router.
type unifiedAdapter struct {
	provider Provider
	cfg      Config
	window   int
	limiter  *rate.Limiter
}

func newUnifiedAdapter(provider Provider, cfg Config) *unifiedAdapter {
	window := cfg.MaxInputTokens
	if window <= 0 {
		window = MaxInputTokens(cfg.Provider, cfg.Model)
	}
	return &unifiedAdapter{
		provider: provider,
		cfg:      cfg,
		window:   window,
		limiter:  newLimiter(0),
	}
}

func (a *unifiedAdapter) Config() Config     { return a.cfg }
func (a *unifiedAdapter) ContextWindow() int { return a.window }

func (a *unifiedAdapter) callOptions() CallOptions {
	return CallOptions{
		Model:           a.cfg.Model,
		MaxOutputTokens: a.cfg.MaxOutputTokens,
		Temperature:     a.cfg.Temperature,
	}
}

func (a *unifiedAdapter) Generate(ctx context.Context, req Request) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := a.provider.Chat(ctx, req, a.callOptions())
	if err != nil {
		return nil, err
	}
	stampStepType(res)
	return res, nil
}

func (a *unifiedAdapter) Stream(ctx context.Context, req Request, onDelta func(string)) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := a.provider.ChatStream(ctx, req, a.callOptions(), onDelta)
	if err != nil {
		return nil, err
	}
	stampStepType(res)
	return res, nil
}

// stampStepType classifies the step by whether it carries tool calls.
func stampStepType(res *StepResult) {
	if len(res.ToolCalls) > 0 {
		res.StepType = StepContinue
		return
	}
	res.StepType = StepFinal
}
