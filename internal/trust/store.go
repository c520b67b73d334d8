// Package trust persists the coordinator's agent_id -> token mapping
// across restarts, so a returning agent presenting its prior token is
// auto-admitted without operator action.
//
// Grounded on _examples/rustyguts-bken/server/internal/store/store.go's
// Open/migrate/CRUD pattern.
package trust

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"cuemesh/internal/logging"
)

// ErrNotFound is returned when no trust entry exists for an agent_id.
var ErrNotFound = errors.New("trust: agent not found")

// Store persists the agent_id -> token trust relation in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the trust database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("trust: database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("trust: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trust: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logging.L("trust").Info("trust store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS trusted_agents (
	agent_id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	assigned_name TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("trust: run sqlite migrations: %w", err)
	}
	logging.L("trust").Debug("sqlite migrations applied")
	return nil
}

// Lookup returns the token on file for agent_id, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, agentID string) (token string, err error) {
	const q = `SELECT token FROM trusted_agents WHERE agent_id = ?`
	err = s.db.QueryRowContext(ctx, q, agentID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("trust: lookup %s: %w", agentID, err)
	}
	return token, nil
}

// Matches reports whether the given token matches the stored token for
// agent_id. It returns false (not an error) if the agent has no entry.
func (s *Store) Matches(ctx context.Context, agentID, token string) bool {
	if token == "" {
		return false
	}
	stored, err := s.Lookup(ctx, agentID)
	if err != nil {
		return false
	}
	return stored == token
}

// Issue generates a fresh opaque token for agentID, persists it (replacing
// any prior entry), and returns the token.
func (s *Store) Issue(ctx context.Context, agentID, assignedName string, nowUnixMs int64) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("trust: generate token: %w", err)
	}

	const q = `
INSERT INTO trusted_agents (agent_id, token, assigned_name, created_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET token = excluded.token, assigned_name = excluded.assigned_name, created_at_unix_ms = excluded.created_at_unix_ms
`
	if _, err := s.db.ExecContext(ctx, q, agentID, token, assignedName, nowUnixMs); err != nil {
		return "", fmt.Errorf("trust: issue token for %s: %w", agentID, err)
	}
	logging.L("trust").Info("token issued", "agent_id", agentID)
	return token, nil
}

// Revoke deletes the trust entry for agentID, if any.
func (s *Store) Revoke(ctx context.Context, agentID string) error {
	const q = `DELETE FROM trusted_agents WHERE agent_id = ?`
	if _, err := s.db.ExecContext(ctx, q, agentID); err != nil {
		return fmt.Errorf("trust: revoke %s: %w", agentID, err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
