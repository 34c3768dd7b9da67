// CLAUDE:SUMMARY Capability dispatch types — request/result/report records and the provider contract every backend implements.
// Package dispatch routes capability requests through ordered provider
// chains. A chain's order is fixed at configuration time and is the sole
// arbiter of fallback: providers are tried one at a time, each only after
// the previous one definitively declined or soft-failed.
package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Kind enumerates the capabilities the engine can dispatch.
type Kind string

const (
	KindSearch        Kind = "search"
	KindBrowserAction Kind = "browser-action"
	KindCaptcha       Kind = "captcha-resolve"
	KindSelfModify    Kind = "self-modify"
)

// Request is one capability directive.
type Request struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Params   map[string]string `json:"params,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// Env is the environment snapshot a dispatch reads. Providers consult it
// in their applicability predicates and never mutate it.
type Env struct {
	Now     time.Time
	Signals map[string]bool   // e.g. "automation-detected"
	Facts   map[string]string // e.g. "site-identifier"
}

// Signal reports whether a named signal is raised.
func (e *Env) Signal(name string) bool {
	if e == nil || e.Signals == nil {
		return false
	}
	return e.Signals[name]
}

// Fact returns a named fact, or "".
func (e *Env) Fact(name string) string {
	if e == nil || e.Facts == nil {
		return ""
	}
	return e.Facts[name]
}

// Provider is one interchangeable capability backend. Swapping one provider
// for another must never require touching the router: selection happens by
// chain configuration, not by identity branching.
type Provider interface {
	// Name identifies the provider in logs, reports, and errors.
	Name() string
	// CostTier orders providers by expense; informational, the chain
	// order itself is what the router follows.
	CostTier() int
	// Applicable decides whether Invoke should run for this request.
	Applicable(req *Request, env *Env) bool
	// Invoke performs the capability. Classify failures with Soft or
	// Hard; anything unclassified aborts the chain.
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// Chain is an ordered provider sequence for one capability kind.
type Chain struct {
	Providers []Provider
	// StateIrrelevant marks kinds whose success leaves no trace in the
	// snapshot chain (read-only capabilities such as search).
	StateIrrelevant bool
}

// Result is a successful provider outcome.
type Result struct {
	Provider string          `json:"provider"`
	Value    json.RawMessage `json:"value,omitempty"`
	// Effect describes what happened, for the snapshot append and the
	// operator channel.
	Effect string `json:"effect,omitempty"`
	// Tag, when set, names the version tag the resulting snapshot must
	// carry. Empty keeps the current tag. Only providers that change the
	// agent's own version set it.
	Tag string `json:"tag,omitempty"`
}

// Outcome classifies how a dispatch terminated.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeChainExhausted Outcome = "chain-exhausted"
	OutcomeHardFailure    Outcome = "hard-failure"
	OutcomeUnknown        Outcome = "unknown-capability"
	OutcomeCanceled       Outcome = "canceled"
	OutcomeDesync         Outcome = "version-desync"
	OutcomeConflict       Outcome = "conflict"
)

// Report is the structured dispatch record handed to the operator channel.
// Rendering it in prose is the channel's job, not the engine's.
type Report struct {
	RequestID   string  `json:"request_id"`
	Kind        Kind    `json:"kind"`
	Outcome     Outcome `json:"outcome"`
	Provider    string  `json:"provider,omitempty"`
	SnapshotSeq uint64  `json:"snapshot_seq,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}
