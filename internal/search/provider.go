package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/relais/internal/browser"
	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/safeurl"
)

// Deps carries the shared plumbing behind every search provider.
type Deps struct {
	Client    *http.Client
	Browser   *browser.Manager
	Extractor *Extractor
	Logger    *slog.Logger
	// URLValidator blocks SSRF targets before any request goes out.
	// Default: safeurl.Validate.
	URLValidator func(string) error
}

func (d *Deps) defaults() {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.URLValidator == nil {
		d.URLValidator = safeurl.Validate
	}
}

// Provider adapts one Engine to the dispatch chain. Engine failures are
// soft: the next engine in the chain gets its turn.
type Provider struct {
	engine *Engine
	deps   Deps
}

// NewProvider wraps an engine for dispatch.
func NewProvider(engine *Engine, deps Deps) *Provider {
	deps.defaults()
	return &Provider{engine: engine, deps: deps}
}

func (p *Provider) Name() string { return p.engine.ID }

func (p *Provider) CostTier() int {
	if p.engine.Strategy == StrategyHeadless {
		return 1
	}
	return 0
}

// Applicable declines disabled engines and headless engines without a
// browser to drive.
func (p *Provider) Applicable(_ *dispatch.Request, _ *dispatch.Env) bool {
	if !p.engine.Enabled {
		return false
	}
	if p.engine.Strategy == StrategyHeadless && p.deps.Browser == nil {
		return false
	}
	return true
}

// searchPayload is the result value handed back to the dispatcher.
type searchPayload struct {
	Query string    `json:"query"`
	Hits  []Hit     `json:"hits"`
	Top   *Document `json:"top,omitempty"`
}

func (p *Provider) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	query := strings.TrimSpace(req.Params["query"])
	if query == "" {
		return nil, dispatch.Hard(p.Name(), errors.New("search: missing query parameter"))
	}
	if err := p.deps.URLValidator(queryURL(p.engine, query)); err != nil {
		return nil, dispatch.Soft(p.Name(), err)
	}

	hits, err := Search(ctx, p.engine, query, p.deps.Client, p.deps.Browser)
	if err != nil {
		return nil, dispatch.Soft(p.Name(), err)
	}
	if len(hits) == 0 {
		return nil, dispatch.Soft(p.Name(), errors.New("search: no results"))
	}

	payload := searchPayload{Query: query, Hits: hits}

	// Deep fetch of the top hit is best-effort enrichment.
	if p.deps.Extractor != nil && req.Params["fetch"] == "top" {
		doc, err := p.deps.Extractor.Extract(ctx, hits[0].URL)
		if err != nil {
			p.deps.Logger.WarnContext(ctx, "search: deep fetch failed",
				"engine", p.engine.ID,
				"url", hits[0].URL,
				"error", err)
		} else {
			payload.Top = doc
		}
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatch.Soft(p.Name(), fmt.Errorf("search: marshal results: %w", err))
	}
	return &dispatch.Result{
		Value:  value,
		Effect: fmt.Sprintf("searched %q via %s (%d hits)", query, p.engine.ID, len(hits)),
	}, nil
}

// NewChain builds the search chain from engine configs, in declaration
// order. Search is read-only, so the chain is state-irrelevant.
func NewChain(engines []*Engine, deps Deps) *dispatch.Chain {
	deps.defaults()
	providers := make([]dispatch.Provider, 0, len(engines))
	for _, e := range engines {
		providers = append(providers, NewProvider(e, deps))
	}
	return &dispatch.Chain{Providers: providers, StateIrrelevant: true}
}
