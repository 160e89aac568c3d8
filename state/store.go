// Package state defines the durable session store contract used by the
// workflow engine for checkpoint and resume.
package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListSessionsQuery struct {
	Status string
	Limit  int
	Offset int
}

// Store persists session records and full-state checkpoints. Save and
// Load for a given session id must be linearizable so a crash mid-write
// never yields a partial state.
type Store interface {
	SaveSession(ctx context.Context, session SessionRecord) error
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListSessions(ctx context.Context, query ListSessionsQuery) ([]SessionRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, sessionID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]CheckpointRecord, error)

	Close() error
}
