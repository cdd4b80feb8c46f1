package schema

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nicodishanthj/sqlsage/internal/common"
)

const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION sqlsage_notify_schema_change() RETURNS event_trigger AS $$
BEGIN
    PERFORM pg_notify('schema_changed', tg_tag);
END;
$$ LANGUAGE plpgsql;
`

const eventTriggerSQL = `
CREATE EVENT TRIGGER sqlsage_schema_changed
ON ddl_command_end
WHEN TAG IN ('CREATE TABLE', 'ALTER TABLE', 'DROP TABLE', 'CREATE VIEW', 'DROP VIEW', 'COMMENT')
EXECUTE FUNCTION sqlsage_notify_schema_change();
`

// EnsureTrigger installs the DDL event trigger that fires NotifyChannel.
// Requires superuser or event-trigger privilege; failure is reported but not
// fatal since the periodic reconciler still covers schema drift.
func EnsureTrigger(ctx context.Context, db *sqlx.DB) error {
	logger := common.Logger()
	if _, err := db.ExecContext(ctx, notifyFunctionSQL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}

	var exists bool
	err := db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM pg_event_trigger WHERE evtname = 'sqlsage_schema_changed')`)
	if err != nil {
		return fmt.Errorf("check event trigger: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := db.ExecContext(ctx, eventTriggerSQL); err != nil {
		return fmt.Errorf("create event trigger: %w", err)
	}
	logger.Info("schema: installed DDL event trigger", "channel", NotifyChannel)
	return nil
}
