package snapstore

import (
	"errors"
	"fmt"
)

// ErrEmptyHistory is returned when the chain has no snapshots yet.
var ErrEmptyHistory = errors.New("snapstore: no snapshots recorded")

// ErrAlreadySeeded is returned by Seed when a chain already exists.
var ErrAlreadySeeded = errors.New("snapstore: history already seeded")

// ErrNotFound is returned when a requested sequence number does not exist.
var ErrNotFound = errors.New("snapstore: snapshot not found")

// ConflictError reports an append whose parent is no longer the head.
// The caller refreshes the head and decides whether to retry.
type ConflictError struct {
	Parent uint64 // the head the caller believed in
	Head   uint64 // the head actually committed
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapstore: parent %d is stale, head is %d", e.Parent, e.Head)
}
