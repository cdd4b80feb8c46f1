package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
)

const migration = `
CREATE TABLE IF NOT EXISTS thread_checkpoints (
    thread_id  TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const cacheTTL = 5 * time.Minute

// Store persists per-thread conversation state. A commit is atomic: readers
// observe either the previous checkpoint or the new one, never a partial
// write.
type Store interface {
	Get(ctx context.Context, threadID string) (json.RawMessage, error)
	Commit(ctx context.Context, threadID string, state json.RawMessage) error
	Delete(ctx context.Context, threadID string) error
}

type PGStore struct {
	db    *sqlx.DB
	cache *ttlcache.Cache[string, json.RawMessage]
}

func NewStore(ctx context.Context, db *sqlx.DB) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("checkpoint: nil database handle")
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	cache := ttlcache.New[string, json.RawMessage](
		ttlcache.WithTTL[string, json.RawMessage](cacheTTL),
		ttlcache.WithCapacity[string, json.RawMessage](1024),
	)
	go cache.Start()
	return &PGStore{db: db, cache: cache}, nil
}

// Get returns the committed state for the thread, or nil when the thread has
// no checkpoint yet.
func (s *PGStore) Get(ctx context.Context, threadID string) (json.RawMessage, error) {
	if item := s.cache.Get(threadID); item != nil {
		return item.Value(), nil
	}
	var state json.RawMessage
	err := s.db.GetContext(ctx, &state,
		`SELECT state FROM thread_checkpoints WHERE thread_id = $1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", threadID, err)
	}
	s.cache.Set(threadID, state, ttlcache.DefaultTTL)
	return state, nil
}

func (s *PGStore) Commit(ctx context.Context, threadID string, state json.RawMessage) error {
	if len(state) == 0 {
		return errors.New("checkpoint: empty state")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO thread_checkpoints (thread_id, state, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (thread_id)
        DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		threadID, state)
	if err != nil {
		return fmt.Errorf("checkpoint: commit %s: %w", threadID, err)
	}
	s.cache.Set(threadID, state, ttlcache.DefaultTTL)
	return nil
}

func (s *PGStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", threadID, err)
	}
	s.cache.Delete(threadID)
	return nil
}

func (s *PGStore) Close() {
	s.cache.Stop()
}
