package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/truffle-ai/saiki/internal/llm"
)

// sqliteSchema is applied on open. Messages are stored as JSON rows so the
// canonical Message shape survives round-trips unchanged.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	metadata      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

// SQLiteStore is the durable SessionStore backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) a sqlite-backed store. An empty
// path opens an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadMetadata(ctx context.Context, id string) (*Metadata, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	return &meta, nil
}

func (s *SQLiteStore) SaveMetadata(ctx context.Context, id string, meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, metadata) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`, id, string(raw))
	return err
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, id string) ([]llm.Message, error) {
	if _, err := s.LoadMetadata(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message for %s: %w", id, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg llm.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, payload) VALUES (?, ?)`, id, string(raw))
	return err
}

func (s *SQLiteStore) TruncateHistory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
