// Package session persists conversation sessions and their turns, plus the
// catalog of imported models, in SQLite.
package session

import (
	"context"
	"errors"

	"inferd/pkg/types"
)

// ErrNotFound reports an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrIndexGap reports an append whose index skips ahead of the next
// contiguous turn index for the session.
var ErrIndexGap = errors.New("turn index gap")

// Store is the durable log of sessions and turns. All writes are atomic per
// call; no cross-call transaction is exposed.
type Store interface {
	// CreateSession creates a session bound to modelID and returns its id.
	CreateSession(ctx context.Context, modelID string) (string, error)

	// AppendTurn appends one turn. The (session_id, index) pair is unique:
	// retrying an already-committed index is a no-op, and an index beyond
	// the next contiguous position fails with ErrIndexGap.
	AppendTurn(ctx context.Context, sessionID string, t types.Turn) error

	// AppendTurns appends a batch of turns in one transaction with the same
	// idempotency rules as AppendTurn: already-committed indices are
	// skipped, a gap aborts the whole batch.
	AppendTurns(ctx context.Context, sessionID string, turns []types.Turn) error

	// NextIndex returns the next free turn index for the session.
	NextIndex(ctx context.Context, sessionID string) (int, error)

	// GetSession returns the session and its turns in index order.
	GetSession(ctx context.Context, id string) (types.SessionSummary, []types.Turn, error)

	// ListSessions returns sessions newest first. limit <= 0 uses a default.
	ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error)

	// RecordModel upserts an imported model into the catalog.
	RecordModel(ctx context.Context, m types.Model) error

	// ListModels returns all cataloged models.
	ListModels(ctx context.Context) ([]types.Model, error)

	// Close closes the store.
	Close() error
}
