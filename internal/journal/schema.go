package journal

import "database/sql"

// Schema contains the complete DDL for the journal table.
const Schema = `
-- Events: append-only record of everything the engine did. One terminal
-- event per dispatch, plus lifecycle events (startup, heartbeat, shutdown).
CREATE TABLE IF NOT EXISTS events (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    request_id   TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL DEFAULT '',
    provider     TEXT NOT NULL DEFAULT '',
    snapshot_seq INTEGER NOT NULL DEFAULT 0,
    detail       TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind_time ON events(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id) WHERE request_id != '';
CREATE INDEX IF NOT EXISTS idx_events_time ON events(created_at DESC);
`

// Init applies the journal schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
