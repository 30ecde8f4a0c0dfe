// Package store defines the session persistence seam and its in-memory and
// sqlite implementations. The core depends only on the SessionStore
// interface; backends are selected by the storage config block.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/truffle-ai/saiki/internal/llm"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Metadata is the persisted per-session record.
type Metadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"inputTokens,omitempty"`
	OutputTokens int64     `json:"outputTokens,omitempty"`
}

// SessionStore persists session metadata and message history.
type SessionStore interface {
	LoadMetadata(ctx context.Context, id string) (*Metadata, error)
	SaveMetadata(ctx context.Context, id string, meta *Metadata) error
	LoadHistory(ctx context.Context, id string) ([]llm.Message, error)
	AppendMessage(ctx context.Context, id string, msg llm.Message) error
	TruncateHistory(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionIDs(ctx context.Context) ([]string, error)
	Close() error
}
