// Package hybrid composes a durable store with a cache store. Writes
// go durable first; cache failures are logged and never fail the call.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/tramitebot/tramitebot/state"
)

type HybridStore struct {
	durable state.Store
	cache   state.Store
}

func New(durable state.Store, cache state.Store) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &HybridStore{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *HybridStore) SaveSession(ctx context.Context, session state.SessionRecord) error {
	if err := h.durable.SaveSession(ctx, session); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveSession(ctx, session); err != nil {
			log.Printf("hybrid store cache SaveSession failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	if h.cache != nil {
		session, err := h.cache.LoadSession(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache LoadSession failed: %v", err)
		}
	}

	session, err := h.durable.LoadSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveSession(ctx, session); err != nil {
			log.Printf("hybrid store cache backfill SaveSession failed: %v", err)
		}
	}
	return session, nil
}

func (h *HybridStore) ListSessions(ctx context.Context, query state.ListSessionsQuery) ([]state.SessionRecord, error) {
	return h.durable.ListSessions(ctx, query)
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			log.Printf("hybrid store cache SaveCheckpoint failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadLatestCheckpoint(ctx context.Context, sessionID string) (state.CheckpointRecord, error) {
	if h.cache != nil {
		checkpoint, err := h.cache.LoadLatestCheckpoint(ctx, sessionID)
		if err == nil {
			return checkpoint, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache LoadLatestCheckpoint failed: %v", err)
		}
	}

	checkpoint, err := h.durable.LoadLatestCheckpoint(ctx, sessionID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			log.Printf("hybrid store cache backfill SaveCheckpoint failed: %v", err)
		}
	}
	return checkpoint, nil
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, sessionID, limit)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
