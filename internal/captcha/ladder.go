package captcha

import (
	"github.com/hazyhaar/relais/internal/dispatch"
)

// NewLadder assembles the resolution chain in its fixed order: test-key
// injection, behavioral evasion, external solver. Nil rungs are left
// out; the order of the remaining rungs never changes. Resolving a
// challenge is an external effect, so the chain is state-relevant.
func NewLadder(testKey *TestKey, evasion *Evasion, solver *Solver) *dispatch.Chain {
	providers := make([]dispatch.Provider, 0, 3)
	if testKey != nil {
		providers = append(providers, testKey)
	}
	if evasion != nil {
		providers = append(providers, evasion)
	}
	if solver != nil {
		providers = append(providers, solver)
	}
	return &dispatch.Chain{Providers: providers}
}
