package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UnknownCapabilityError is returned when no chain is registered for a
// request's kind. A configuration error, fatal to that request only.
type UnknownCapabilityError struct {
	Kind Kind
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("dispatch: no chain registered for capability %q", e.Kind)
}

// SoftError marks a provider failure the chain may recover from by falling
// through to the next provider.
type SoftError struct {
	Provider string
	Err      error
}

func (e *SoftError) Error() string {
	return fmt.Sprintf("dispatch: provider %s: %v", e.Provider, e.Err)
}

func (e *SoftError) Unwrap() error { return e.Err }

// Soft wraps err as a recoverable provider failure.
func Soft(provider string, err error) error {
	return &SoftError{Provider: provider, Err: err}
}

// HardError marks a non-retryable provider failure. It aborts the chain
// immediately; no later provider runs.
type HardError struct {
	Provider string
	Err      error
}

func (e *HardError) Error() string {
	return fmt.Sprintf("dispatch: provider %s: %v", e.Provider, e.Err)
}

func (e *HardError) Unwrap() error { return e.Err }

// Hard wraps err as a non-retryable provider failure.
func Hard(provider string, err error) error {
	return &HardError{Provider: provider, Err: err}
}

// Attempt records how one provider in a chain was disposed of.
type Attempt struct {
	Provider string `json:"provider"`
	Skipped  bool   `json:"skipped,omitempty"`
	Err      string `json:"error,omitempty"`
}

// ChainExhaustedError is returned when every provider in a chain was
// skipped or soft-failed. Attempted preserves what was tried and why each
// rung stopped, so the failure can be explained rather than shrugged at.
type ChainExhaustedError struct {
	Kind      Kind
	Attempted []Attempt
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempted))
	for _, a := range e.Attempted {
		if a.Skipped {
			parts = append(parts, a.Provider+" skipped")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s soft-failed (%s)", a.Provider, a.Err))
	}
	return fmt.Sprintf("dispatch: capability %q exhausted: %s", e.Kind, strings.Join(parts, "; "))
}

// IsSoft reports whether err allows falling through to the next provider.
// A deadline hit inside a provider call counts as soft so the chain can
// still fall back; a canceled context never does.
func IsSoft(err error) bool {
	var soft *SoftError
	if errors.As(err, &soft) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
