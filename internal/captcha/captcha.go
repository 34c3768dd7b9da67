// CLAUDE:SUMMARY Challenge resolution ladder — test-key injection, behavioral evasion, external solver, in strict cost order.
// Package captcha implements the challenge resolution ladder.
//
// Three rungs, tried strictly in order of cost: an exact-match test-key
// short circuit, behavioral evasion through the stealth browser, and a
// paid external solving service as the unconditional last resort. A rung
// that has been passed over is never revisited within the same request.
package captcha

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/relais/internal/dispatch"
)

// Request parameter keys.
const (
	// ParamSite is the challenge's site identifier.
	ParamSite = "site"
	// ParamURL is the page presenting the challenge.
	ParamURL = "url"
	// ParamType is a challenge type hint forwarded to the solver.
	ParamType = "type"
)

// SignalAutomationDetected marks an environment where the runtime
// fingerprint gave the agent away. It gates the evasion rung.
const SignalAutomationDetected = "automation-detected"

// Solution is the value every rung returns on success.
type Solution struct {
	Token    string `json:"token"`
	Strategy string `json:"strategy"`
}

func solution(provider, token, effect string) (*dispatch.Result, error) {
	value, err := json.Marshal(Solution{Token: token, Strategy: provider})
	if err != nil {
		return nil, fmt.Errorf("captcha: marshal solution: %w", err)
	}
	return &dispatch.Result{Provider: provider, Value: value, Effect: effect}, nil
}
