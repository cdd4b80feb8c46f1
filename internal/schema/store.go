package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SnapshotStore persists the last-synchronized hash record per namespace.
type SnapshotStore interface {
	Load(ctx context.Context, namespace string) (*Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// PGSnapshotStore keeps snapshots in a small bookkeeping table in the same
// database the agent queries, migrated on open.
type PGSnapshotStore struct {
	db *sqlx.DB
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS schema_sync_state (
    namespace      TEXT PRIMARY KEY,
    aggregate_hash TEXT NOT NULL,
    per_table      JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func NewSnapshotStore(ctx context.Context, db *sqlx.DB) (*PGSnapshotStore, error) {
	if db == nil {
		return nil, errors.New("snapshot store requires a database")
	}
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		return nil, fmt.Errorf("migrate schema_sync_state: %w", err)
	}
	return &PGSnapshotStore{db: db}, nil
}

func (s *PGSnapshotStore) Load(ctx context.Context, namespace string) (*Snapshot, error) {
	var row struct {
		Namespace     string `db:"namespace"`
		AggregateHash string `db:"aggregate_hash"`
		PerTable      []byte `db:"per_table"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT namespace, aggregate_hash, per_table FROM schema_sync_state WHERE namespace = $1`,
		namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schema snapshot: %w", err)
	}
	tables := make(map[string]string)
	if len(row.PerTable) > 0 {
		if err := json.Unmarshal(row.PerTable, &tables); err != nil {
			return nil, fmt.Errorf("decode schema snapshot: %w", err)
		}
	}
	return &Snapshot{
		Namespace:     row.Namespace,
		AggregateHash: row.AggregateHash,
		Tables:        tables,
	}, nil
}

func (s *PGSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	perTable, err := json.Marshal(snapshot.Tables)
	if err != nil {
		return fmt.Errorf("encode schema snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schema_sync_state (namespace, aggregate_hash, per_table, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace) DO UPDATE
SET aggregate_hash = EXCLUDED.aggregate_hash,
    per_table = EXCLUDED.per_table,
    updated_at = now()`,
		snapshot.Namespace, snapshot.AggregateHash, perTable)
	if err != nil {
		return fmt.Errorf("save schema snapshot: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*PGSnapshotStore)(nil)
