package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/internal/llm"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SystemPrompt = config.SystemPromptConfig{Text: "be helpful"}
	cfg.LLM = llm.Config{Provider: "openai", Model: "o4-mini", APIKey: "test-key"}.WithDefaults()
	return cfg
}

func startedAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestLifecycleGuards(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	// Before Start, operations fail with ErrNotStarted.
	if _, err := a.Run(context.Background(), RunInput{Text: "hi"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Run before start: %v", err)
	}
	if _, err := a.GetAllTools(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("GetAllTools before start: %v", err)
	}
	if err := a.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before start: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: %v", err)
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	// After Stop, the instance is terminal.
	if _, err := a.Run(ctx, RunInput{Text: "hi"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after stop: %v", err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("restart after stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Model = "claude-4-sonnet" // wrong provider for the model
	_, err := New(cfg)
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestRunEmptyInputReturnsNothing(t *testing.T) {
	a := startedAgent(t)
	got, err := a.Run(context.Background(), RunInput{Text: "   \n\t"})
	if err != nil || got != "" {
		t.Errorf("Run(empty) = %q, %v", got, err)
	}
}

func TestRunRejectsImageForTextOnlyModel(t *testing.T) {
	// o4-mini is registered without vision support.
	a := startedAgent(t)
	_, err := a.Run(context.Background(), RunInput{
		Text:      "what is in this picture",
		Image:     []byte{0xFF, 0xD8},
		ImageMime: "image/jpeg",
	})
	var verr *InputValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want InputValidationError", err)
	}
	if verr.Model != "o4-mini" {
		t.Errorf("validation model = %q", verr.Model)
	}
}

func TestSwitchLLMValidatesBeforeApplying(t *testing.T) {
	a := startedAgent(t)
	err := a.SwitchLLM(context.Background(), llm.Config{Provider: "openai", Model: "not-a-model"}, "")
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestCurrentSessionDefaults(t *testing.T) {
	a := startedAgent(t)
	if got := a.CurrentSessionID(); got != "default" {
		t.Errorf("current session = %q", got)
	}
}

func TestLoadSessionUnknownFails(t *testing.T) {
	a := startedAgent(t)
	if err := a.LoadSession(context.Background(), "missing"); err == nil {
		t.Error("loading an unknown session must fail")
	}
}

func TestGetSystemPrompt(t *testing.T) {
	a := startedAgent(t)
	got, err := a.GetSystemPrompt(context.Background())
	if err != nil || got != "be helpful" {
		t.Errorf("GetSystemPrompt = %q, %v", got, err)
	}
}

func TestCustomToolAppearsInAllTools(t *testing.T) {
	a := startedAgent(t)
	err := a.RegisterCustomTool(&fakeCustomTool{})
	if err != nil {
		t.Fatal(err)
	}
	all, err := a.GetAllTools()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["local_time"]; !ok {
		t.Errorf("custom tool missing from aggregated set: %v", all)
	}
	mcpOnly, err := a.GetAllMcpTools()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mcpOnly["local_time"]; ok {
		t.Error("custom tool must not appear in MCP-only set")
	}
}

type fakeCustomTool struct{}

func (fakeCustomTool) Name() string        { return "local_time" }
func (fakeCustomTool) Description() string { return "returns the local time" }
func (fakeCustomTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}
func (fakeCustomTool) Execute(context.Context, map[string]any) (string, error) {
	return "now", nil
}
