// CLAUDE:SUMMARY Best-effort activity journal — dispatch outcomes and lifecycle events in an append-only SQLite table, fed to the operator channel.
// Package journal records what the engine did: one terminal event per
// dispatch, plus startup, heartbeat, and shutdown markers. Recording is
// best-effort. A journal failure is logged and swallowed; it never fails
// the operation that produced the event.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/relais/internal/idgen"
)

// Event kinds.
const (
	EventDispatch  = "dispatch"
	EventStartup   = "startup"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
	EventDesync    = "version-desync"
)

// Event is one journal entry. IDs are time-ordered (UUIDv7), so the feed
// pages by ID alone.
type Event struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	RequestID   string `json:"request_id,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Provider    string `json:"provider,omitempty"`
	SnapshotSeq uint64 `json:"snapshot_seq,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   int64  `json:"created_at"` // unix millis
}

// Journal is the event log handle.
type Journal struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator sets a custom ID generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(j *Journal) { j.newID = gen }
}

// WithLogger sets the logger used when recording fails.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// New wraps an already-open database. The caller is responsible for having
// applied Schema.
func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Record persists an event, best-effort. A failure is logged, never
// returned: the dispatch that produced the event already concluded and
// its outcome must not depend on bookkeeping.
func (j *Journal) Record(ctx context.Context, e *Event) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = j.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, request_id, outcome, provider, snapshot_seq, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.RequestID, e.Outcome, e.Provider, e.SnapshotSeq, e.Detail, e.CreatedAt)
	if err != nil {
		j.logger.ErrorContext(ctx, "journal record failed",
			"kind", e.Kind,
			"request_id", e.RequestID,
			"error", err)
	}
}

// Feed returns up to limit events after afterID, oldest first. An empty
// afterID starts from the beginning. limit <= 0 means 100.
func (j *Journal) Feed(ctx context.Context, afterID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, request_id, outcome, provider, snapshot_seq, detail, created_at
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: feed: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.RequestID, &e.Outcome, &e.Provider,
			&e.SnapshotSeq, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: feed scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Last returns the newest event of the given kind, or nil, nil if none
// has been recorded yet.
func (j *Journal) Last(ctx context.Context, kind string) (*Event, error) {
	e := &Event{}
	err := j.db.QueryRowContext(ctx, `
		SELECT id, kind, request_id, outcome, provider, snapshot_seq, detail, created_at
		FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind).Scan(
		&e.ID, &e.Kind, &e.RequestID, &e.Outcome, &e.Provider,
		&e.SnapshotSeq, &e.Detail, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: last: %w", err)
	}
	return e, nil
}

// Cleanup deletes events older than retention and returns the count removed.
func (j *Journal) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// runtimeStats is the heartbeat detail payload.
type runtimeStats struct {
	Hostname      string  `json:"hostname"`
	PID           int     `json:"pid"`
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	GCCount       uint32  `json:"gc_count"`
}

// Heartbeat records a liveness event with current process stats. The engine
// calls it on an interval; staleness of the latest one answers "is the
// agent alive".
func (j *Journal) Heartbeat(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	detail, _ := json.Marshal(runtimeStats{
		Hostname:      hostname,
		PID:           os.Getpid(),
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		GCCount:       mem.NumGC,
	})
	j.Record(ctx, &Event{Kind: EventHeartbeat, Detail: string(detail)})
}
