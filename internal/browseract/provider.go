// CLAUDE:SUMMARY Browser-action capability — stealth page visits returning title, text, or HTML through the managed browser.
// Package browseract implements the browser-action capability: one
// provider that opens a page through the managed browser and returns its
// rendered content. Actions are read-only, so the kind never appends to
// the snapshot chain.
package browseract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/relais/internal/browser"
	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/safeurl"
)

// Request parameters.
const (
	ParamURL     = "url"
	ParamAction  = "action"  // "text" (default), "html", "title"
	ParamStealth = "stealth" // "plain", "headless" (default), "headful"
)

// MaxContent caps the rendered content carried back in the result.
const MaxContent = 256 << 10

// Deps wires the provider's collaborators.
type Deps struct {
	Browser      *browser.Manager
	Logger       *slog.Logger
	URLValidator func(string) error
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.URLValidator == nil {
		d.URLValidator = safeurl.Validate
	}
}

// Provider performs read-only page visits.
type Provider struct {
	deps Deps
}

// NewProvider builds the browser-action provider.
func NewProvider(deps Deps) *Provider {
	deps.defaults()
	return &Provider{deps: deps}
}

func (p *Provider) Name() string { return "browser-visit" }

func (p *Provider) CostTier() int { return 1 }

// Applicable requires a managed browser; without one the request cannot
// be served at all.
func (p *Provider) Applicable(_ *dispatch.Request, _ *dispatch.Env) bool {
	return p.deps.Browser != nil
}

// pagePayload is the result value of a visit.
type pagePayload struct {
	URL       string `json:"url"`
	Action    string `json:"action"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (p *Provider) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	target := req.Params[ParamURL]
	if target == "" {
		return nil, dispatch.Hard(p.Name(), errors.New("browseract: missing url parameter"))
	}
	action := req.Params[ParamAction]
	if action == "" {
		action = "text"
	}
	switch action {
	case "text", "html", "title":
	default:
		return nil, dispatch.Hard(p.Name(), fmt.Errorf("browseract: unknown action %q", action))
	}
	if err := p.deps.URLValidator(target); err != nil {
		return nil, dispatch.Hard(p.Name(), err)
	}
	if p.deps.Browser == nil {
		return nil, dispatch.Soft(p.Name(), errors.New("browseract: no browser available"))
	}

	level := browser.LevelHeadless
	switch req.Params[ParamStealth] {
	case "plain":
		level = browser.LevelHTTP
	case "headful":
		level = browser.LevelHeadful
	}

	page, err := p.deps.Browser.OpenPage(ctx, target, level)
	if err != nil {
		return nil, dispatch.Soft(p.Name(), err)
	}
	defer page.Close()

	payload := pagePayload{URL: target, Action: action}
	if res, err := page.P.Context(ctx).Eval(`() => document.title`); err == nil {
		payload.Title = res.Value.Str()
	}

	var content string
	switch action {
	case "title":
		content = payload.Title
	case "text":
		res, err := page.P.Context(ctx).Eval(`() => document.body.innerText`)
		if err != nil {
			return nil, dispatch.Soft(p.Name(), fmt.Errorf("browseract: read text: %w", err))
		}
		content = res.Value.Str()
	case "html":
		raw, err := page.HTML(ctx)
		if err != nil {
			return nil, dispatch.Soft(p.Name(), err)
		}
		content = string(raw)
	}
	payload.Content, payload.Truncated = capContent(content, MaxContent)

	value, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatch.Soft(p.Name(), fmt.Errorf("browseract: marshal payload: %w", err))
	}
	return &dispatch.Result{
		Provider: p.Name(),
		Value:    value,
		Effect:   fmt.Sprintf("visited %s (%s, %d bytes)", target, action, len(payload.Content)),
	}, nil
}

// capContent trims s to max bytes on a rune boundary.
func capContent(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut], true
}

// NewChain wraps the provider as a single-rung, state-irrelevant chain:
// visits are read-only and leave no trace in the snapshot history.
func NewChain(deps Deps) *dispatch.Chain {
	return &dispatch.Chain{
		Providers:       []dispatch.Provider{NewProvider(deps)},
		StateIrrelevant: true,
	}
}
