package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/conversation"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/state"
	"github.com/truffle-ai/saiki/internal/store"
)

// DefaultSessionID names the session used when callers don't pick one.
const DefaultSessionID = "default"

// expirySweepInterval is how often the background expiry task runs.
const expirySweepInterval = time.Minute

// NotFoundError is returned for unknown session ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// Deps wires a Manager's collaborators.
type Deps struct {
	Store      store.SessionStore
	State      *state.Manager
	Events     *bus.Bus
	Prompts    PromptBuilder
	Tools      ToolExecutor
	NewAdapter func(llm.Config) (llm.Adapter, error)
	Summarizer conversation.SummarizeFunc

	MaxSessions int
	TTL         time.Duration
}

// Manager owns the sessionId → Session map with a bounded live cache and a
// background TTL expiry task. Evicting or expiring a session drops its
// in-memory state only; persisted history survives.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	live map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the session manager and starts the expiry loop.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		deps: deps,
		live: make(map[string]*Session),
		stop: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.expiryLoop()
	return m
}

// Create returns the live session for id, rehydrates it from the store, or
// creates a fresh one. An empty id gets a random UUID. Creating past the
// live cap evicts the least-recently-used session first.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.live[id]; ok {
		s.touch()
		return s, nil
	}

	if len(m.live) >= m.deps.MaxSessions {
		m.evictLRULocked()
	}

	s, err := m.buildSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.live[id] = s
	return s, nil
}

// Get returns the live session, rehydrating from the store when persisted
// metadata exists. Unknown ids return NotFoundError.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if _, err := m.deps.Store.LoadMetadata(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	if len(m.live) >= m.deps.MaxSessions {
		m.evictLRULocked()
	}
	s, err := m.buildSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.live[id] = s
	return s, nil
}

// End drops a session from memory; persisted history is kept.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(m.live, id)
	slog.Info("session.ended", "session", id)
	return nil
}

// Delete drops a session from memory and purges its persisted state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, wasLive := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	if !wasLive {
		if _, err := m.deps.Store.LoadMetadata(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &NotFoundError{ID: id}
			}
			return err
		}
	}
	if err := m.deps.Store.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.deps.State.DropSession(id)
	slog.Info("session.deleted", "session", id)
	return nil
}

// Reset truncates a session's conversation in place.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Reset(ctx)
}

// Metadata returns the persisted metadata for a session.
func (m *Manager) Metadata(ctx context.Context, id string) (*store.Metadata, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		m.mu.Unlock()
		meta := s.Metadata()
		return &meta, nil
	}
	m.mu.Unlock()

	meta, err := m.deps.Store.LoadMetadata(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	return meta, err
}

// List returns metadata for every known session, live or persisted.
func (m *Manager) List(ctx context.Context) ([]store.Metadata, error) {
	ids, err := m.deps.Store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.live {
		if _, ok := known[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]store.Metadata, 0, len(ids))
	for _, id := range ids {
		meta, err := m.Metadata(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *meta)
	}
	return out, nil
}

// LiveCount returns the number of in-memory sessions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// SwitchLLMForSession swaps one session's adapter from its effective
// config, preserving the conversation log.
func (m *Manager) SwitchLLMForSession(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	adapter, err := m.deps.NewAdapter(m.deps.State.EffectiveLLM(id))
	if err != nil {
		return err
	}
	s.SwitchAdapter(adapter)
	return nil
}

// SwitchLLMForDefaultSession swaps the default session's adapter.
func (m *Manager) SwitchLLMForDefaultSession(ctx context.Context) error {
	return m.SwitchLLMForSession(ctx, DefaultSessionID)
}

// SwitchLLMForAllSessions swaps every live session's adapter. Errors are
// collected; sessions that fail keep their previous adapter.
func (m *Manager) SwitchLLMForAllSessions(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		adapter, err := m.deps.NewAdapter(m.deps.State.EffectiveLLM(s.ID()))
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
			continue
		}
		s.SwitchAdapter(adapter)
	}
	return errors.Join(errs...)
}

// Cleanup stops the expiry loop and flushes live-session metadata.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.live = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		meta := s.Metadata()
		if err := m.deps.Store.SaveMetadata(ctx, s.ID(), &meta); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// buildSession constructs a Session, restoring persisted history when it
// exists. Caller holds m.mu.
func (m *Manager) buildSession(ctx context.Context, id string) (*Session, error) {
	cfg := m.deps.State.EffectiveLLM(id)
	adapter, err := m.deps.NewAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("build adapter for session %s: %w", id, err)
	}
	resolved := adapter.Config()

	s := &Session{
		id:      id,
		adapter: adapter,
		prompts: m.deps.Prompts,
		tools:   m.deps.Tools,
		events:  m.deps.Events,
		store:   m.deps.Store,
		meta: store.Metadata{
			ID:           id,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
			Provider:     resolved.Provider,
			Model:        resolved.Model,
		},
	}
	s.conv = conversation.NewManager(
		conversation.FormatterFor(resolved.Provider),
		adapter.ContextWindow(),
		conversation.WithSummarizer(m.deps.Summarizer),
		conversation.WithAppendObserver(func(msg llm.Message) {
			if err := m.deps.Store.AppendMessage(context.Background(), id, msg); err != nil {
				slog.Warn("session.history.persist_failed", "session", id, "error", err)
			}
		}),
	)

	if meta, err := m.deps.Store.LoadMetadata(ctx, id); err == nil {
		s.meta = *meta
		s.meta.LastActivity = time.Now()
		if history, err := m.deps.Store.LoadHistory(ctx, id); err == nil && len(history) > 0 {
			s.conv.Restore(history)
		}
		slog.Info("session.rehydrated", "session", id, "messages", s.conv.Len())
	} else {
		if err := m.deps.Store.SaveMetadata(ctx, id, &s.meta); err != nil {
			slog.Warn("session.metadata.save_failed", "session", id, "error", err)
		}
		slog.Info("session.created", "session", id, "provider", resolved.Provider, "model", resolved.Model)
	}
	return s, nil
}

// evictLRULocked ends the least-recently-used live session. Caller holds
// m.mu.
func (m *Manager) evictLRULocked() {
	var oldestID string
	var oldest time.Time
	for id, s := range m.live {
		la := s.lastActivity()
		if oldestID == "" || la.Before(oldest) {
			oldestID = id
			oldest = la
		}
	}
	if oldestID == "" {
		return
	}
	delete(m.live, oldestID)
	slog.Info("session.evicted", "session", oldestID, "reason", "cap")
}

// expiryLoop evicts sessions idle past the TTL. Eviction is "end"
// semantics: history is kept.
func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.deps.TTL)
			m.mu.Lock()
			for id, s := range m.live {
				if s.lastActivity().Before(cutoff) {
					delete(m.live, id)
					slog.Info("session.evicted", "session", id, "reason", "ttl")
				}
			}
			m.mu.Unlock()
		}
	}
}
