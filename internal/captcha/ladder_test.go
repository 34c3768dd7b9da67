package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/relais/internal/dispatch"
)

// fakeInteractor clears detection on a chosen attempt, or never.
type fakeInteractor struct {
	passes  int
	clearOn int // attempt on which signals clear; 0 means never
	token   string
	err     error
}

func (f *fakeInteractor) Pass(_ context.Context, _ string, attempt int) (string, bool, error) {
	f.passes++
	if f.err != nil {
		return "", false, f.err
	}
	if f.clearOn > 0 && attempt >= f.clearOn {
		return f.token, false, nil
	}
	return "", true, nil
}

func detectedEnv() *dispatch.Env {
	return &dispatch.Env{
		Now:     time.Now(),
		Signals: map[string]bool{SignalAutomationDetected: true},
	}
}

// ladderRouter wires a full ladder into a router the way the engine does.
func ladderRouter(t *testing.T, testKeys map[string]string, interactor Interactor, solver *Solver, evasionOpts ...EvasionOption) *dispatch.Router {
	t.Helper()
	tk, err := NewTestKey(testKeys)
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	opts := append([]EvasionOption{WithMaxJitter(0)}, evasionOpts...)
	ev := NewEvasion(interactor, opts...)
	r := dispatch.New()
	r.Register(dispatch.KindCaptcha, NewLadder(tk, ev, solver))
	return r
}

func TestLadder_TestSiteShortCircuits(t *testing.T) {
	// WHAT: A known test site resolves on the first rung with zero calls
	// to the evasion pass or the external solver.
	// WHY: The cheapest rung must win outright when its precondition holds.
	srv, submits := solverServer(t, `{"id": "t1"}`, `{"status": "ready", "token": "paid"}`)
	interactor := &fakeInteractor{clearOn: 1, token: "evaded"}

	r := ladderRouter(t, map[string]string{"test-site-001": "canned-token"}, interactor, testSolver(srv.URL))
	res, err := r.Dispatch(context.Background(), captchaRequest("test-site-001"), detectedEnv())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if res.Provider != "captcha-testkey" {
		t.Errorf("provider: got %q", res.Provider)
	}
	var sol Solution
	if err := json.Unmarshal(res.Value, &sol); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sol.Token != "canned-token" {
		t.Errorf("token: got %q", sol.Token)
	}
	if interactor.passes != 0 {
		t.Errorf("evasion ran %d times, want 0", interactor.passes)
	}
	if submits.Load() != 0 {
		t.Errorf("solver received %d submits, want 0", submits.Load())
	}
}

func TestLadder_PersistentSignals_SolverDecides(t *testing.T) {
	// WHAT: Non-test site with signals that never clear: rung 1 skipped,
	// rung 2 runs to its cap then soft-fails, rung 3 decides the outcome.
	// WHY: The ladder's whole point is this ordered escalation.
	srv, submits := solverServer(t, `{"id": "t9"}`, `{"status": "ready", "token": "paid-token"}`)
	interactor := &fakeInteractor{} // never clears

	r := ladderRouter(t, map[string]string{"test-site-001": "canned"}, interactor, testSolver(srv.URL),
		WithAttemptCap(2))
	res, err := r.Dispatch(context.Background(), captchaRequest("prod-site-123"), detectedEnv())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if res.Provider != "captcha-solver" {
		t.Errorf("provider: got %q", res.Provider)
	}
	if interactor.passes != 2 {
		t.Errorf("evasion passes: got %d, want the cap of 2", interactor.passes)
	}
	if submits.Load() != 1 {
		t.Errorf("solver submits: got %d, want 1", submits.Load())
	}
	var sol Solution
	if err := json.Unmarshal(res.Value, &sol); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sol.Token != "paid-token" {
		t.Errorf("token: got %q", sol.Token)
	}
}

func TestLadder_SolverNoCapacityEndsHard(t *testing.T) {
	// WHAT: When the last rung reports no capacity, the dispatch fails hard.
	// WHY: Nothing below the solver exists; the failure must not be dressed
	// up as exhaustion.
	srv, _ := solverServer(t, `{"error": "no-capacity"}`)
	interactor := &fakeInteractor{}

	r := ladderRouter(t, nil, interactor, testSolver(srv.URL), WithAttemptCap(1))
	_, err := r.Dispatch(context.Background(), captchaRequest("prod-site-123"), detectedEnv())

	var hard *dispatch.HardError
	if !errors.As(err, &hard) {
		t.Fatalf("expected HardError, got %v", err)
	}
	if !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestLadder_EvasionClearsBeforeSolver(t *testing.T) {
	// WHAT: When detection clears within the cap, the solver is never paid.
	// WHY: A costlier rung only runs after the cheaper one definitively fails.
	srv, submits := solverServer(t, `{"id": "t1"}`, `{"status": "ready", "token": "paid"}`)
	interactor := &fakeInteractor{clearOn: 2, token: "evaded-token"}

	r := ladderRouter(t, nil, interactor, testSolver(srv.URL), WithAttemptCap(3))
	res, err := r.Dispatch(context.Background(), captchaRequest("prod-site-123"), detectedEnv())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if res.Provider != "captcha-evasion" {
		t.Errorf("provider: got %q", res.Provider)
	}
	if interactor.passes != 2 {
		t.Errorf("passes: got %d, want 2", interactor.passes)
	}
	if submits.Load() != 0 {
		t.Errorf("solver submits: got %d, want 0", submits.Load())
	}
}

func TestLadder_NoSignalsSkipsEvasion(t *testing.T) {
	// WHAT: Without detection signals the evasion rung is not applicable.
	// WHY: Rung 2's precondition is the presence of detection, not hope.
	srv, _ := solverServer(t, `{"id": "t1"}`, `{"status": "ready", "token": "paid"}`)
	interactor := &fakeInteractor{clearOn: 1, token: "evaded"}

	r := ladderRouter(t, nil, interactor, testSolver(srv.URL))
	env := &dispatch.Env{Now: time.Now()}
	res, err := r.Dispatch(context.Background(), captchaRequest("prod-site-123"), env)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "captcha-solver" {
		t.Errorf("provider: got %q", res.Provider)
	}
	if interactor.passes != 0 {
		t.Errorf("evasion ran %d times, want 0", interactor.passes)
	}
}

func TestTestKey_ExactMatchOnly(t *testing.T) {
	// WHAT: The test-key precondition is an exact string comparison.
	// WHY: A production identifier must never slip through on a prefix or
	// case variation.
	tk, err := NewTestKey(map[string]string{"test-site-001": "canned"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, site := range []string{"test-site-001x", "test-site-00", "TEST-SITE-001", " test-site-001", ""} {
		if tk.Applicable(captchaRequest(site), nil) {
			t.Errorf("site %q should not match", site)
		}
	}
	if !tk.Applicable(captchaRequest("test-site-001"), nil) {
		t.Error("exact site id should match")
	}
}

func TestNewTestKey_RejectsBadIdentifier(t *testing.T) {
	if _, err := NewTestKey(map[string]string{"bad site id!": "x"}); err == nil {
		t.Error("expected error for invalid identifier")
	}
}

func TestEvasion_CapBoundsAttempts(t *testing.T) {
	// WHAT: The rung stops at its attempt cap and soft-fails.
	// WHY: Unbounded retry against a detector is a defect, not persistence.
	interactor := &fakeInteractor{}
	waits := 0
	ev := NewEvasion(interactor,
		WithAttemptCap(4),
		WithEvasionWait(func(context.Context, time.Duration) error {
			waits++
			return nil
		}))

	_, err := ev.Invoke(context.Background(), captchaRequest("prod-site-123"))
	var soft *dispatch.SoftError
	if !errors.As(err, &soft) {
		t.Fatalf("expected SoftError, got %v", err)
	}
	if interactor.passes != 4 {
		t.Errorf("passes: got %d, want 4", interactor.passes)
	}
	if waits != 4 {
		t.Errorf("jitter waits: got %d, want 4", waits)
	}
}

func TestEvasion_PassErrorIsSoft(t *testing.T) {
	interactor := &fakeInteractor{err: errors.New("page crashed")}
	ev := NewEvasion(interactor, WithMaxJitter(0))
	_, err := ev.Invoke(context.Background(), captchaRequest("prod-site-123"))
	var soft *dispatch.SoftError
	if !errors.As(err, &soft) {
		t.Fatalf("expected SoftError, got %v", err)
	}
}

func TestEvasion_CanceledContextStopsAttempts(t *testing.T) {
	// WHAT: A canceled context ends the rung with the context error.
	// WHY: Cancellation must not be reclassified as a soft failure.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	interactor := &fakeInteractor{}
	ev := NewEvasion(interactor, WithMaxJitter(0))
	_, err := ev.Invoke(ctx, captchaRequest("prod-site-123"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if interactor.passes != 0 {
		t.Errorf("passes after cancel: got %d, want 0", interactor.passes)
	}
}

func TestEvasion_NotApplicableWithoutInteractor(t *testing.T) {
	ev := NewEvasion(nil)
	if ev.Applicable(captchaRequest("x"), detectedEnv()) {
		t.Error("evasion without an interactor must not be applicable")
	}
}
