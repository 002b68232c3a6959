package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"inferd/pkg/types"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newID() string {
	return ulid.Make().String()
}

// parseUnix converts a stored RFC3339 timestamp to unix seconds, 0 when the
// value does not parse.
func parseUnix(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		model_id   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

	CREATE TABLE IF NOT EXISTS turns (
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		idx         INTEGER NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		truncated   INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (session_id, idx)
	);

	CREATE TABLE IF NOT EXISTS models (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		path         TEXT NOT NULL,
		hub_ref      TEXT NOT NULL DEFAULT '',
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		imported_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, modelID string) (string, error) {
	id := newID()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, model_id, created_at) VALUES (?, ?, ?)`,
		id, modelID, now)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, t types.Turn) error {
	return s.AppendTurns(ctx, sessionID, []types.Turn{t})
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, sessionID string, turns []types.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("append to %s: %w", sessionID, ErrNotFound)
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM turns WHERE session_id = ?`,
		sessionID).Scan(&next)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range turns {
		// A retried append lands below next: already committed, skip it.
		if t.Index < next {
			continue
		}
		if t.Index > next {
			return fmt.Errorf("append turn %d to %s (next is %d): %w",
				t.Index, sessionID, next, ErrIndexGap)
		}
		truncated := 0
		if t.Truncated {
			truncated = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, idx, role, content, token_count, truncated, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, idx) DO NOTHING`,
			sessionID, t.Index, t.Role, t.Content, t.TokenCount, truncated, now)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", t.Index, err)
		}
		next++
	}

	return tx.Commit()
}

func (s *SQLiteStore) NextIndex(ctx context.Context, sessionID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM turns WHERE session_id = ?`,
		sessionID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (types.SessionSummary, []types.Turn, error) {
	var sum types.SessionSummary
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sum.ID, &sum.ModelID, &createdAt)
	if err == sql.ErrNoRows {
		return sum, nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return sum, nil, err
	}
	sum.CreatedAt = parseUnix(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, role, content, token_count, truncated, created_at
		 FROM turns WHERE session_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return sum, nil, err
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		var truncated int
		var tCreated string
		if err := rows.Scan(&t.Index, &t.Role, &t.Content, &t.TokenCount, &truncated, &tCreated); err != nil {
			return sum, nil, err
		}
		t.Truncated = truncated != 0
		t.CreatedAt = parseUnix(tCreated)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return sum, nil, err
	}
	sum.TurnCount = len(turns)
	return sum, turns, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.model_id, s.created_at, COUNT(t.idx)
		 FROM sessions s LEFT JOIN turns t ON t.session_id = s.id
		 GROUP BY s.id
		 ORDER BY s.created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		var createdAt string
		if err := rows.Scan(&sum.ID, &sum.ModelID, &createdAt, &sum.TurnCount); err != nil {
			return nil, err
		}
		sum.CreatedAt = parseUnix(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordModel(ctx context.Context, m types.Model) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, name, path, hub_ref, size_bytes, content_hash, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, path = excluded.path, hub_ref = excluded.hub_ref,
		   size_bytes = excluded.size_bytes, content_hash = excluded.content_hash`,
		m.ID, m.Name, m.Path, m.HubRef, m.SizeBytes, m.ContentHash, now)
	if err != nil {
		return fmt.Errorf("record model %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]types.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, hub_ref, size_bytes, content_hash
		 FROM models ORDER BY imported_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Model
	for rows.Next() {
		var m types.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Path, &m.HubRef, &m.SizeBytes, &m.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
