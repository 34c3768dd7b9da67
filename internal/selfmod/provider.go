package selfmod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/versions"
)

// Provider applies changesets to the agent's own tree. Staging order is
// files, then manifest, then label: a manifest failure after files landed
// leaves the old tag in place, so a retry re-applies idempotently.
type Provider struct {
	root     string
	manifest *versions.ManifestFile
	label    *versions.Label
	logger   *slog.Logger
}

// NewProvider builds a self-modify provider rooted at root.
func NewProvider(root string, manifest *versions.ManifestFile, label *versions.Label, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{root: root, manifest: manifest, label: label, logger: logger}
}

func (p *Provider) Name() string { return "self-modify" }

func (p *Provider) CostTier() int { return 0 }

// Applicable is unconditional: self-modify has a single provider and no
// environment gate.
func (p *Provider) Applicable(_ *dispatch.Request, _ *dispatch.Env) bool { return true }

// appliedPayload is the result value for a landed changeset.
type appliedPayload struct {
	Written []string `json:"written"`
	From    string   `json:"from"`
	To      string   `json:"to"`
}

func (p *Provider) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	var cs Changeset
	if err := json.Unmarshal(req.Body, &cs); err != nil {
		return nil, dispatch.Hard(p.Name(), fmt.Errorf("selfmod: decode changeset: %w", err))
	}
	if err := cs.Validate(); err != nil {
		return nil, dispatch.Hard(p.Name(), err)
	}

	current, err := p.manifest.Tag(ctx)
	if err != nil {
		return nil, dispatch.Soft(p.Name(), err)
	}
	next, err := NextTag(current, cs.Bump)
	if err != nil {
		return nil, dispatch.Hard(p.Name(), err)
	}

	written, err := Apply(p.root, cs.Files)
	if err != nil {
		if errors.Is(err, ErrPathTraversal) {
			return nil, dispatch.Hard(p.Name(), err)
		}
		return nil, dispatch.Soft(p.Name(), err)
	}
	if err := p.manifest.Write(next); err != nil {
		return nil, dispatch.Soft(p.Name(), err)
	}
	p.label.Set(next)

	p.logger.InfoContext(ctx, "changeset applied",
		"description", cs.Description,
		"files", len(written),
		"from", current,
		"to", next)

	value, err := json.Marshal(appliedPayload{Written: written, From: current, To: next})
	if err != nil {
		return nil, dispatch.Soft(p.Name(), fmt.Errorf("selfmod: marshal payload: %w", err))
	}
	return &dispatch.Result{
		Provider: p.Name(),
		Value:    value,
		Effect:   fmt.Sprintf("applied %q: %d files, %s -> %s", cs.Description, len(written), current, next),
		Tag:      next,
	}, nil
}

// NewChain wraps the provider as a single-rung chain.
func NewChain(p *Provider) *dispatch.Chain {
	return &dispatch.Chain{Providers: []dispatch.Provider{p}}
}
