// CLAUDE:SUMMARY Version synchronization guard — certifies that a snapshot tag matches every externally visible version record before commit.
// Package versions enforces the one rule the agent's identity depends on:
// every externally observable version record (release manifest, displayed
// label, persisted snapshot) carries the same tag. A mismatch is detected
// corruption, not tolerated drift.
package versions

import (
	"context"
	"fmt"
	"strings"
)

// Source identifies where a version record was observed.
type Source string

const (
	SourceManifest  Source = "release-manifest"
	SourceDisplayed Source = "displayed-label"
	SourceSnapshot  Source = "persisted-snapshot"
)

// Record is one observed version tag with its origin.
type Record struct {
	Source Source `json:"source"`
	Tag    string `json:"tag"`
}

// RecordSource exposes a version record for the guard to compare.
type RecordSource interface {
	Source() Source
	Tag(ctx context.Context) (string, error)
}

// Mismatch names one record source that disagrees with the snapshot tag.
type Mismatch struct {
	Source   Source `json:"source"`
	Observed string `json:"observed,omitempty"`
	Reason   string `json:"reason,omitempty"` // set when the source could not be read
}

// DesyncError reports every record source whose tag differs from the
// snapshot's. It aborts the commit that triggered the validation.
type DesyncError struct {
	Tag        string
	Mismatches []Mismatch
}

func (e *DesyncError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		if m.Reason != "" {
			parts = append(parts, fmt.Sprintf("%s unreadable (%s)", m.Source, m.Reason))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s reports %q", m.Source, m.Observed))
	}
	return fmt.Sprintf("versions: snapshot tag %q desynchronized: %s", e.Tag, strings.Join(parts, "; "))
}

// Guard validates snapshot tags against a fixed set of record sources.
// It satisfies the snapshot store's Validator interface.
type Guard struct {
	sources []RecordSource
}

// NewGuard builds a guard over the given record sources. Order is kept for
// reporting but carries no precedence: all sources must agree.
func NewGuard(sources ...RecordSource) *Guard {
	return &Guard{sources: sources}
}

// Validate compares tag against every record source. It returns nil when
// all agree, or a *DesyncError naming exactly the sources that do not.
// A source that cannot be read counts as a mismatch: the guard does not
// certify what it cannot observe.
func (g *Guard) Validate(ctx context.Context, tag string) error {
	var mismatches []Mismatch
	for _, src := range g.sources {
		observed, err := src.Tag(ctx)
		if err != nil {
			mismatches = append(mismatches, Mismatch{Source: src.Source(), Reason: err.Error()})
			continue
		}
		if observed != tag {
			mismatches = append(mismatches, Mismatch{Source: src.Source(), Observed: observed})
		}
	}
	if len(mismatches) > 0 {
		return &DesyncError{Tag: tag, Mismatches: mismatches}
	}
	return nil
}

// Records reads the current tag from every source, for the operator
// surface. The first unreadable source fails the whole read.
func (g *Guard) Records(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0, len(g.sources))
	for _, src := range g.sources {
		tag, err := src.Tag(ctx)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Source: src.Source(), Tag: tag})
	}
	return records, nil
}
