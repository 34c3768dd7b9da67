package snapstore

// Schema contains the complete DDL for the snapshot chain.
const Schema = `
-- Snapshots: append-only linear history of agent state.
-- parent_seq is 0 for the seed. The unique index keeps the chain linear:
-- no two snapshots can ever share a parent, whatever the writer believed.
CREATE TABLE IF NOT EXISTS snapshots (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_seq INTEGER NOT NULL,
    tag        TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_parent ON snapshots(parent_seq);
CREATE INDEX IF NOT EXISTS idx_snapshots_tag ON snapshots(tag);
`
