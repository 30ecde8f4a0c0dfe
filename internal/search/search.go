// Package search provides message and session search over the session
// store.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/store"
)

// MessageMatch is one message search hit.
type MessageMatch struct {
	SessionID string   `json:"sessionId"`
	Index     int      `json:"index"`
	Role      llm.Role `json:"role"`
	Snippet   string   `json:"snippet"`
}

// SessionMatch is one session search hit.
type SessionMatch struct {
	SessionID  string `json:"sessionId"`
	MatchCount int    `json:"matchCount"`
	FirstMatch string `json:"firstMatch"`
}

// Options filter a message search.
type Options struct {
	SessionID string   // restrict to one session; empty searches all
	Role      llm.Role // restrict to one role; empty matches all
	Limit     int      // max results; <= 0 means unlimited
}

// snippetRadius bounds how much context surrounds a hit.
const snippetRadius = 60

// Service runs case-insensitive substring searches against persisted
// histories.
type Service struct {
	store store.SessionStore
}

// NewService creates a search service over the given store.
func NewService(s store.SessionStore) *Service {
	return &Service{store: s}
}

// Messages finds messages containing query.
func (s *Service) Messages(ctx context.Context, query string, opts Options) ([]MessageMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	needle := strings.ToLower(query)

	ids, err := s.sessionIDs(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}

	var matches []MessageMatch
	for _, id := range ids {
		history, err := s.store.LoadHistory(ctx, id)
		if err != nil {
			continue
		}
		for i, msg := range history {
			if opts.Role != "" && msg.Role != opts.Role {
				continue
			}
			text := msg.Text()
			idx := strings.Index(strings.ToLower(text), needle)
			if idx < 0 {
				continue
			}
			matches = append(matches, MessageMatch{
				SessionID: id,
				Index:     i,
				Role:      msg.Role,
				Snippet:   snippet(text, idx, len(query)),
			})
			if opts.Limit > 0 && len(matches) >= opts.Limit {
				return matches, nil
			}
		}
	}
	return matches, nil
}

// Sessions finds sessions whose history contains query, ordered by match
// count descending then id.
func (s *Service) Sessions(ctx context.Context, query string) ([]SessionMatch, error) {
	matches, err := s.Messages(ctx, query, Options{})
	if err != nil {
		return nil, err
	}

	bySession := make(map[string]*SessionMatch)
	for _, m := range matches {
		entry, ok := bySession[m.SessionID]
		if !ok {
			entry = &SessionMatch{SessionID: m.SessionID, FirstMatch: m.Snippet}
			bySession[m.SessionID] = entry
		}
		entry.MatchCount++
	}

	out := make([]SessionMatch, 0, len(bySession))
	for _, entry := range bySession {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchCount != out[j].MatchCount {
			return out[i].MatchCount > out[j].MatchCount
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *Service) sessionIDs(ctx context.Context, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	return s.store.ListSessionIDs(ctx)
}

func snippet(text string, idx, matchLen int) string {
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	out := text[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
