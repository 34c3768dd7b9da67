package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/relais/internal/browser"
	"github.com/hazyhaar/relais/internal/dispatch"
)

// Interactor runs one evasion pass against the challenge page:
// normalize the fingerprint, redo the interaction, re-probe detection.
// It returns the solved token when the challenge cleared, or raised=true
// when detection signals persist.
type Interactor interface {
	Pass(ctx context.Context, pageURL string, attempt int) (token string, raised bool, err error)
}

// Evasion is the second rung: adjust the interaction profile and retry
// until detection clears or the attempt cap is reached. The cap is
// mandatory; the rung soft-fails once it is spent.
type Evasion struct {
	interactor Interactor
	attempts   int
	maxJitter  time.Duration
	wait       func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// EvasionOption configures the evasion rung.
type EvasionOption func(*Evasion)

// WithAttemptCap bounds how many passes the rung may run.
func WithAttemptCap(n int) EvasionOption {
	return func(e *Evasion) { e.attempts = n }
}

// WithMaxJitter bounds the randomized pause before each pass.
func WithMaxJitter(d time.Duration) EvasionOption {
	return func(e *Evasion) { e.maxJitter = d }
}

// WithEvasionWait overrides the pause function (for testing).
func WithEvasionWait(fn func(ctx context.Context, d time.Duration) error) EvasionOption {
	return func(e *Evasion) { e.wait = fn }
}

// WithEvasionLogger sets the logger.
func WithEvasionLogger(l *slog.Logger) EvasionOption {
	return func(e *Evasion) { e.logger = l }
}

// NewEvasion builds the rung. Defaults: 3 attempts, up to 1.5s of jitter
// before each.
func NewEvasion(interactor Interactor, opts ...EvasionOption) *Evasion {
	e := &Evasion{
		interactor: interactor,
		attempts:   3,
		maxJitter:  1500 * time.Millisecond,
		wait:       sleepCtx,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.attempts < 1 {
		e.attempts = 1
	}
	return e
}

func (e *Evasion) Name() string  { return "captcha-evasion" }
func (e *Evasion) CostTier() int { return 1 }

// Applicable requires detection signals in the environment and a way to
// interact with the page.
func (e *Evasion) Applicable(_ *dispatch.Request, env *dispatch.Env) bool {
	return e.interactor != nil && env.Signal(SignalAutomationDetected)
}

func (e *Evasion) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	pageURL := req.Params[ParamURL]

	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.maxJitter > 0 {
			jitter := time.Duration(rand.Int64N(int64(e.maxJitter)))
			if err := e.wait(ctx, jitter); err != nil {
				return nil, err
			}
		}

		token, raised, err := e.interactor.Pass(ctx, pageURL, attempt)
		if err != nil {
			return nil, dispatch.Soft(e.Name(), fmt.Errorf("captcha: evasion pass %d: %w", attempt, err))
		}
		if !raised {
			e.logger.InfoContext(ctx, "captcha: detection cleared",
				"attempt", attempt,
				"url", pageURL)
			return solution(e.Name(), token, fmt.Sprintf("cleared detection on attempt %d", attempt))
		}
		e.logger.DebugContext(ctx, "captcha: detection signals persist",
			"attempt", attempt,
			"cap", e.attempts)
	}

	return nil, dispatch.Soft(e.Name(), fmt.Errorf("captcha: detection signals persist after %d attempts", e.attempts))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// tokenJS reads the widget response field most challenge pages expose.
const tokenJS = `() => {
	const el = document.querySelector('textarea[name=g-recaptcha-response], textarea[name=h-captcha-response], input[name=cf-turnstile-response]');
	return el ? el.value : '';
}`

// BrowserInteractor drives evasion passes through the stealth browser.
// The first pass runs headless; later passes escalate to a headful
// profile, which defeats most headless-only heuristics.
type BrowserInteractor struct {
	mgr *browser.Manager
}

// NewBrowserInteractor wraps the shared browser manager.
func NewBrowserInteractor(mgr *browser.Manager) *BrowserInteractor {
	return &BrowserInteractor{mgr: mgr}
}

func (b *BrowserInteractor) Pass(ctx context.Context, pageURL string, attempt int) (string, bool, error) {
	if pageURL == "" {
		return "", false, errors.New("captcha: no page url to interact with")
	}

	level := browser.LevelHeadless
	if attempt > 1 {
		level = browser.LevelHeadful
	}
	page, err := b.mgr.OpenPage(ctx, pageURL, level)
	if err != nil {
		return "", false, fmt.Errorf("captcha: open challenge page: %w", err)
	}
	defer page.Close()

	if err := browser.NormalizeFingerprint(ctx, page); err != nil {
		return "", false, fmt.Errorf("captcha: normalize fingerprint: %w", err)
	}
	signals, err := browser.ProbeSignals(ctx, page)
	if err != nil {
		return "", false, fmt.Errorf("captcha: probe signals: %w", err)
	}
	if browser.Raised(signals) {
		return "", true, nil
	}

	res, err := page.P.Context(ctx).Eval(tokenJS)
	if err != nil {
		return "", false, fmt.Errorf("captcha: read response token: %w", err)
	}
	return res.Value.Str(), false, nil
}
