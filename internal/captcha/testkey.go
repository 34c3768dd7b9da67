package captcha

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/safeurl"
)

// TestKey is the first rung: response injection for known test sites.
// The site identifier must equal a configured test value exactly. No
// normalization, no prefix matching: a production challenge must never
// take this path.
type TestKey struct {
	keys map[string]string
}

// NewTestKey builds the rung from a site-identifier to canned-response
// map. Identifiers are validated up front; a bad one fails construction.
func NewTestKey(keys map[string]string) (*TestKey, error) {
	own := make(map[string]string, len(keys))
	for site, token := range keys {
		if err := safeurl.ValidateIdentifier(site); err != nil {
			return nil, fmt.Errorf("captcha: test site %q: %w", site, err)
		}
		own[site] = token
	}
	return &TestKey{keys: own}, nil
}

func (p *TestKey) Name() string  { return "captcha-testkey" }
func (p *TestKey) CostTier() int { return 0 }

// Applicable requires an exact match against a configured test value.
func (p *TestKey) Applicable(req *dispatch.Request, _ *dispatch.Env) bool {
	_, ok := p.keys[req.Params[ParamSite]]
	return ok
}

func (p *TestKey) Invoke(_ context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	site := req.Params[ParamSite]
	token, ok := p.keys[site]
	if !ok {
		return nil, dispatch.Soft(p.Name(), errors.New("captcha: site is not a known test value"))
	}
	return solution(p.Name(), token, fmt.Sprintf("injected test response for %s", site))
}
