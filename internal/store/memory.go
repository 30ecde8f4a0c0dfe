package store

import (
	"context"
	"sort"
	"sync"

	"github.com/truffle-ai/saiki/internal/llm"
)

// MemoryStore is the in-memory SessionStore, the default backend.
type MemoryStore struct {
	mu       sync.RWMutex
	metadata map[string]Metadata
	history  map[string][]llm.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metadata: make(map[string]Metadata),
		history:  make(map[string][]llm.Message),
	}
}

func (s *MemoryStore) LoadMetadata(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := meta
	return &out, nil
}

func (s *MemoryStore) SaveMetadata(_ context.Context, id string, meta *Metadata) error {
	s.mu.Lock()
	s.metadata[id] = *meta
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadHistory(_ context.Context, id string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.history[id]
	if !ok {
		if _, hasMeta := s.metadata[id]; !hasMeta {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, id string, msg llm.Message) error {
	s.mu.Lock()
	s.history[id] = append(s.history[id], msg)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) TruncateHistory(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.history, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.metadata, id)
	delete(s.history, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListSessionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.metadata))
	for id := range s.metadata {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
