// CLAUDE:SUMMARY Durable snapshot chain for agent state — optimistic CAS append with version validation inside the commit transaction.
// Package snapstore persists the agent's state history as an append-only,
// strictly linear chain of versioned snapshots. Appends are optimistic:
// the caller names the parent it extends, and a stale parent loses with a
// ConflictError instead of forking the chain.
package snapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/relais/internal/dbopen"
)

// Snapshot is one committed state of the agent.
type Snapshot struct {
	Seq       uint64 `json:"seq"`
	Parent    uint64 `json:"parent"` // 0 for the seed
	Tag       string `json:"tag"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// Validator certifies a snapshot's version tag before it becomes durable.
// A non-nil error aborts the commit and leaves the head unchanged.
type Validator interface {
	Validate(ctx context.Context, tag string) error
}

// Store is the snapshot chain handle.
type Store struct {
	db       *sql.DB
	validate Validator
}

// Option configures a Store.
type Option func(*Store)

// WithValidator installs the validator run inside every Seed/Append
// transaction. Without one, tags are committed unchecked.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validate = v }
}

// Open opens (or creates) the snapshot database at path and applies the
// schema. A single connection is used so the head check and the insert
// always observe the same chain state.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
		dbopen.WithMaxConns(1),
	)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an already-open database. The caller is responsible for having
// applied Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Seed creates the first snapshot of the chain (seq 1, no parent).
// Returns ErrAlreadySeeded if any snapshot exists.
func (s *Store) Seed(ctx context.Context, tag string, payload []byte) (*Snapshot, error) {
	var snap *Snapshot
	err := dbopen.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
			return fmt.Errorf("snapstore: count: %w", err)
		}
		if n > 0 {
			return ErrAlreadySeeded
		}
		if s.validate != nil {
			if err := s.validate.Validate(ctx, tag); err != nil {
				return err
			}
		}
		var err error
		snap, err = s.insertTx(ctx, tx, 0, tag, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Append commits a new snapshot extending parent. If parent is no longer
// the head, it fails with *ConflictError and nothing is written; the caller
// refreshes the head and retries. The validator runs inside the same
// transaction, so a rejected tag is rolled back with the head unchanged.
func (s *Store) Append(ctx context.Context, parent uint64, tag string, payload []byte) (*Snapshot, error) {
	var snap *Snapshot
	err := dbopen.InTx(ctx, s.db, func(tx *sql.Tx) error {
		head, err := s.headSeqTx(ctx, tx)
		if err != nil {
			return err
		}
		if head != parent {
			return &ConflictError{Parent: parent, Head: head}
		}
		if s.validate != nil {
			if err := s.validate.Validate(ctx, tag); err != nil {
				return err
			}
		}
		snap, err = s.insertTx(ctx, tx, parent, tag, payload)
		return err
	})
	if err != nil {
		// The unique parent index is the storage-level backstop for races
		// the head comparison did not see. Report it as the same conflict.
		if isUniqueViolation(err) {
			head, herr := s.Head(ctx)
			if herr != nil {
				return nil, &ConflictError{Parent: parent}
			}
			return nil, &ConflictError{Parent: parent, Head: head.Seq}
		}
		return nil, err
	}
	return snap, nil
}

// Head returns the most recent committed snapshot, or ErrEmptyHistory.
func (s *Store) Head(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, parent_seq, tag, payload, created_at
		FROM snapshots ORDER BY seq DESC LIMIT 1`)
	return scanSnapshot(row)
}

// Restore returns the snapshot at seq exactly as it was appended. It is
// read-only: restoring never moves the head or rewrites history.
func (s *Store) Restore(ctx context.Context, seq uint64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, parent_seq, tag, payload, created_at
		FROM snapshots WHERE seq = ?`, seq)
	snap, err := scanSnapshot(row)
	if errors.Is(err, ErrEmptyHistory) {
		return nil, fmt.Errorf("snapstore: seq %d: %w", seq, ErrNotFound)
	}
	return snap, err
}

// History returns up to limit snapshots, newest first. limit <= 0 means 50.
func (s *Store) History(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, parent_seq, tag, payload, created_at
		FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("snapstore: history: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		sn := &Snapshot{}
		if err := rows.Scan(&sn.Seq, &sn.Parent, &sn.Tag, &sn.Payload, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("snapstore: history scan: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

func (s *Store) headSeqTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq uint64
	err := tx.QueryRowContext(ctx, `SELECT seq FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrEmptyHistory
	}
	if err != nil {
		return 0, fmt.Errorf("snapstore: head: %w", err)
	}
	return seq, nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, parent uint64, tag string, payload []byte) (*Snapshot, error) {
	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (parent_seq, tag, payload, created_at)
		VALUES (?,?,?,?)`,
		parent, tag, payload, now)
	if err != nil {
		return nil, fmt.Errorf("snapstore: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("snapstore: insert id: %w", err)
	}
	return &Snapshot{
		Seq:       uint64(seq),
		Parent:    parent,
		Tag:       tag,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	sn := &Snapshot{}
	err := row.Scan(&sn.Seq, &sn.Parent, &sn.Tag, &sn.Payload, &sn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmptyHistory
	}
	if err != nil {
		return nil, fmt.Errorf("snapstore: scan: %w", err)
	}
	return sn, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
