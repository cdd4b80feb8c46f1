package schema

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/nicodishanthj/sqlsage/internal/common"
)

const (
	// NotifyChannel is the LISTEN/NOTIFY channel fired by the DDL event trigger.
	NotifyChannel = "schema_changed"

	defaultDebounce     = 3 * time.Second
	minReconnectBackoff = 2 * time.Second
	maxReconnectBackoff = time.Minute
)

// Listener subscribes to DDL notifications and triggers a debounced sync. A
// burst of DDL statements (a migration) collapses into a single scan.
type Listener struct {
	dsn      string
	sync     *Synchronizer
	debounce time.Duration
}

func NewListener(dsn string, sync *Synchronizer, debounce time.Duration) *Listener {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Listener{dsn: dsn, sync: sync, debounce: debounce}
}

// Run blocks until ctx is cancelled. Connection drops are handled by the
// pq listener's own reconnect; after reconnecting a sync runs unconditionally
// because notifications may have been missed while disconnected.
func (l *Listener) Run(ctx context.Context) error {
	logger := common.Logger()

	listener := pq.NewListener(l.dsn, minReconnectBackoff, maxReconnectBackoff, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("schema: listener connection event", "event", int(ev), "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return err
	}
	logger.Info("schema: listening for DDL notifications", "channel", NotifyChannel)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case n := <-listener.Notify:
			// nil notification means the connection was re-established.
			if n != nil {
				logger.Info("schema: DDL notification received", "payload", n.Extra)
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(l.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			l.syncWithRetry(ctx)
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				logger.Warn("schema: listener ping failed", "error", err)
			}
		}
	}
}

func (l *Listener) syncWithRetry(ctx context.Context) {
	logger := common.Logger()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		_, err := l.sync.Sync(ctx, false)
		return err
	}, policy)
	if err != nil {
		logger.Error("schema: sync failed after retries, keeping last-good index", "error", err)
	}
}
