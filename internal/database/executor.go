package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nicodishanthj/sqlsage/internal/common"
)

// Executor runs read-only SQL produced by the agent and materializes the
// result set. Implementations must honor the context deadline.
type Executor interface {
	Query(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// SQLExecutor executes queries against the live database inside a read-only
// transaction with a per-query deadline.
type SQLExecutor struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewExecutor(db *sqlx.DB, timeout time.Duration) *SQLExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SQLExecutor{db: db, timeout: timeout}
}

func (e *SQLExecutor) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("executor not initialised")
	}
	logger := common.Logger()
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTxx(queryCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin query tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(queryCtx, "SET TRANSACTION READ ONLY"); err != nil {
		return nil, fmt.Errorf("set read only: %w", err)
	}

	rows, err := tx.QueryxContext(queryCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for key, value := range row {
			if raw, ok := value.([]byte); ok {
				row[key] = string(raw)
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logger.Debug("database: query executed", "rows", len(results))
	return results, nil
}

var _ Executor = (*SQLExecutor)(nil)
