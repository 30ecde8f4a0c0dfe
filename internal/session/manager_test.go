package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/state"
	"github.com/truffle-ai/saiki/internal/store"
)

func testDeps(maxSessions int) Deps {
	cfg := config.Default()
	cfg.LLM = llm.Config{Provider: "openai", Model: "gpt-4o-mini", APIKey: "test"}.WithDefaults()
	return Deps{
		Store:   store.NewMemoryStore(),
		State:   state.NewManager(cfg),
		Prompts: staticPrompt("sys"),
		Tools:   &fakeTools{},
		NewAdapter: func(c llm.Config) (llm.Adapter, error) {
			return &fakeAdapter{
				cfg:   c.WithDefaults(),
				steps: []llm.StepResult{{Text: "ok", FinishReason: llm.FinishStop}},
			}, nil
		},
		MaxSessions: maxSessions,
		TTL:         time.Hour,
	}
}

func TestCreateGeneratesUUID(t *testing.T) {
	m := NewManager(testDeps(10))
	defer m.Cleanup(context.Background())

	s, err := m.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID() == "" {
		t.Error("expected generated id")
	}
}

func TestCreateIsIdempotentForLiveSessions(t *testing.T) {
	m := NewManager(testDeps(10))
	defer m.Cleanup(context.Background())

	first, err := m.Create(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same id must resolve to a single instance")
	}
}

func TestCreateConcurrentSameID(t *testing.T) {
	m := NewManager(testDeps(10))
	defer m.Cleanup(context.Background())

	const n = 16
	results := make(chan *Session, n)
	for i := 0; i < n; i++ {
		go func() {
			s, err := m.Create(context.Background(), "contended")
			if err != nil {
				t.Error(err)
			}
			results <- s
		}()
	}
	first := <-results
	for i := 1; i < n; i++ {
		if got := <-results; got != first {
			t.Fatal("concurrent creates produced distinct instances")
		}
	}
}

func TestLRUEvictionAtCap(t *testing.T) {
	m := NewManager(testDeps(2))
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	a, err := m.Create(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	// Touch "a" so "b" becomes the LRU victim.
	a.touch()
	if _, err := m.Create(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	if got := m.LiveCount(); got != 2 {
		t.Errorf("live count = %d, want 2", got)
	}

	// The evicted session's metadata survives in the store: Get rehydrates.
	s, err := m.Get(ctx, "b")
	if err != nil {
		t.Fatalf("evicted session should rehydrate: %v", err)
	}
	if s.ID() != "b" {
		t.Errorf("rehydrated id = %q", s.ID())
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := NewManager(testDeps(10))
	defer m.Cleanup(context.Background())

	_, err := m.Get(context.Background(), "ghost")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestEndKeepsHistoryDeletePurges(t *testing.T) {
	deps := testDeps(10)
	m := NewManager(deps)
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	s, err := m.Create(ctx, "keeper")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx, "hello", nil, false); err != nil {
		t.Fatal(err)
	}

	if err := m.End("keeper"); err != nil {
		t.Fatal(err)
	}
	history, err := deps.Store.LoadHistory(ctx, "keeper")
	if err != nil || len(history) == 0 {
		t.Errorf("End must keep history: %v, %d msgs", err, len(history))
	}

	if err := m.Delete(ctx, "keeper"); err != nil {
		t.Fatal(err)
	}
	if _, err := deps.Store.LoadMetadata(ctx, "keeper"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Delete must purge metadata, got %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	m := NewManager(testDeps(10))
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	a, err := m.Create(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Run(ctx, "only in a", nil, false); err != nil {
		t.Fatal(err)
	}
	if len(b.History()) != 0 {
		t.Error("session a's turn leaked into session b")
	}
	if b.Metadata().MessageCount != 0 {
		t.Error("session a's turn mutated b's metadata")
	}
}

func TestSwitchLLMPreservesLog(t *testing.T) {
	deps := testDeps(10)
	m := NewManager(deps)
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	s, err := m.Create(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx, "before switch", nil, false); err != nil {
		t.Fatal(err)
	}
	before := s.History()

	deps.State.UpdateLLM(llm.Config{Provider: "anthropic", Model: "claude-4-sonnet"}, "s1")
	if err := m.SwitchLLMForSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	after := s.History()
	if len(after) != len(before) {
		t.Fatalf("log changed: %d vs %d", len(after), len(before))
	}
	if got := s.LLMConfig(); got.Model != "claude-4-sonnet" {
		t.Errorf("adapter model = %q", got.Model)
	}
}

func TestSwitchLLMForAllSessions(t *testing.T) {
	deps := testDeps(10)
	m := NewManager(deps)
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	deps.State.UpdateLLM(llm.Config{Model: "gpt-4o"}, state.ScopeAll)
	if err := m.SwitchLLMForAllSessions(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		s, err := m.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got := s.LLMConfig(); got.Model != "gpt-4o" {
			t.Errorf("session %s model = %q", id, got.Model)
		}
	}
}

func TestRehydrationRestoresHistory(t *testing.T) {
	deps := testDeps(10)
	m := NewManager(deps)
	defer m.Cleanup(context.Background())
	ctx := context.Background()

	s, err := m.Create(ctx, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx, "remember me", nil, false); err != nil {
		t.Fatal(err)
	}
	if err := m.End("persisted"); err != nil {
		t.Fatal(err)
	}

	restored, err := m.Get(ctx, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	history := restored.History()
	if len(history) != 2 {
		t.Fatalf("restored history len = %d", len(history))
	}
	if history[0].Text() != "remember me" {
		t.Errorf("restored first message = %q", history[0].Text())
	}
}

func TestCleanupStopsManager(t *testing.T) {
	m := NewManager(testDeps(10))
	if _, err := m.Create(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.LiveCount() != 0 {
		t.Error("cleanup should drop live sessions")
	}
}
