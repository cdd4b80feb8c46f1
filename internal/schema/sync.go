package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/common/telemetry"
	"github.com/nicodishanthj/sqlsage/internal/vector"
)

// Embedder is the slice of the LLM provider the synchronizer needs.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Result summarizes one synchronization pass.
type Result struct {
	Skipped  bool
	Scanned  int
	Upserted int
	Deleted  int
}

// Synchronizer keeps the vector index consistent with the live schema. It is
// the sole writer of the index and of the persisted hash record; a sync that
// fails mid-way leaves both at their last-good state.
type Synchronizer struct {
	scanner   Scanner
	snapshots SnapshotStore
	store     vector.Store
	embedder  Embedder
	namespace string
	onSync    []func()

	// Serializes scans: a notification-triggered sync and a startup sync
	// must not interleave.
	mu sync.Mutex
}

func NewSynchronizer(scanner Scanner, snapshots SnapshotStore, store vector.Store, embedder Embedder, namespace string) *Synchronizer {
	if namespace == "" {
		namespace = "default"
	}
	return &Synchronizer{
		scanner:   scanner,
		snapshots: snapshots,
		store:     store,
		embedder:  embedder,
		namespace: namespace,
	}
}

// OnSync registers a hook invoked after every sync that changed the index.
// Anything caching retrieval results registers its invalidation here, so a
// repeated question never sees pre-sync table metadata. Register before the
// first Sync call.
func (s *Synchronizer) OnSync(fn func()) {
	if fn != nil {
		s.onSync = append(s.onSync, fn)
	}
}

// Sync scans the live schema, diffs it against the persisted snapshot and
// upserts only what changed. force bypasses the aggregate-hash skip.
func (s *Synchronizer) Sync(ctx context.Context, force bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, finish := telemetry.StartSpan(ctx, "schema_sync")
	defer finish()

	logger := common.Logger()
	docs, err := s.scanner.Scan(ctx)
	if err != nil {
		telemetry.RecordSchemaSync("scan_failed")
		return Result{}, fmt.Errorf("schema scan: %w", err)
	}
	if len(docs) == 0 {
		logger.Info("schema: no tables found, skipping sync")
		telemetry.RecordSchemaSync("empty")
		return Result{Skipped: true}, nil
	}

	hashes := HashTables(docs)
	aggregate := AggregateHash(hashes)

	prior, err := s.snapshots.Load(ctx, s.namespace)
	if err != nil {
		logger.Warn("schema: snapshot load failed, treating as cold start", "error", err)
		prior = nil
	}

	if !force && prior != nil && prior.AggregateHash == aggregate {
		logger.Info("schema: unchanged, skipping re-embedding", "tables", len(docs))
		telemetry.RecordSchemaSync("skipped")
		return Result{Skipped: true, Scanned: len(docs)}, nil
	}

	var changed []TableDoc
	var removed []string
	if prior == nil || force {
		changed = docs
	} else {
		for _, doc := range docs {
			if prior.Tables[doc.TableID] != hashes[doc.TableID] {
				changed = append(changed, doc)
			}
		}
		for id := range prior.Tables {
			if _, ok := hashes[id]; !ok {
				removed = append(removed, id)
			}
		}
	}

	if len(changed) > 0 {
		texts := make([]string, 0, len(changed))
		for _, doc := range changed {
			texts = append(texts, doc.EmbedText())
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			telemetry.RecordSchemaSync("embed_failed")
			return Result{}, fmt.Errorf("embed schema docs: %w", err)
		}
		if len(vectors) != len(changed) {
			telemetry.RecordSchemaSync("embed_failed")
			return Result{}, errors.New("embedding count mismatch")
		}
		if err := s.store.EnsureCollection(ctx, vector.VectorDimension(vectors)); err != nil {
			telemetry.RecordSchemaSync("index_failed")
			return Result{}, fmt.Errorf("ensure collection: %w", err)
		}
		points := make([]vector.Point, 0, len(changed))
		for i, doc := range changed {
			points = append(points, vector.Point{
				ID:      PointID(doc.TableID),
				Vector:  vectors[i],
				Payload: doc.Payload(),
			})
		}
		// The vector client records upsert telemetry itself.
		if err := s.store.UpsertPoints(ctx, points); err != nil {
			telemetry.RecordSchemaSync("index_failed")
			return Result{}, fmt.Errorf("upsert points: %w", err)
		}
	}

	if len(removed) > 0 {
		ids := make([]string, 0, len(removed))
		for _, id := range removed {
			ids = append(ids, PointID(id))
		}
		if err := s.store.DeletePoints(ctx, ids); err != nil {
			telemetry.RecordSchemaSync("index_failed")
			return Result{}, fmt.Errorf("delete points: %w", err)
		}
	}

	snapshot := Snapshot{Namespace: s.namespace, AggregateHash: aggregate, Tables: hashes}
	if err := s.snapshots.Save(ctx, snapshot); err != nil {
		telemetry.RecordSchemaSync("snapshot_failed")
		return Result{}, fmt.Errorf("persist snapshot: %w", err)
	}

	logger.Info("schema: sync complete",
		"tables", len(docs), "upserted", len(changed), "deleted", len(removed))
	telemetry.RecordSchemaSync("synced")
	for _, fn := range s.onSync {
		fn()
	}
	return Result{Scanned: len(docs), Upserted: len(changed), Deleted: len(removed)}, nil
}

// Run performs periodic reconciliation until the context is cancelled. It is
// the polling fallback for environments where the notification channel is
// unavailable.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := common.Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx, false); err != nil {
				logger.Warn("schema: periodic sync failed, serving last-good index", "error", err)
			}
		}
	}
}

// PointID derives a stable vector-point id for a table, so re-embedding a
// table overwrites its previous point.
func PointID(tableID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(tableID)).String()
}
