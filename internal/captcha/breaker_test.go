package captcha

import (
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	// WHAT: The breaker opens after threshold consecutive failures.
	// WHY: A dead solver must not eat one network call per challenge.
	b := newBreaker(3, time.Minute, nil)
	b.recordFailure()
	b.recordFailure()
	if !b.allow() {
		t.Fatal("breaker should still be closed below threshold")
	}
	b.recordFailure()
	if b.allow() {
		t.Fatal("breaker should be open at threshold")
	}
	if b.current() != breakerOpen {
		t.Errorf("state: got %d, want open", b.current())
	}
}

func TestBreaker_HalfOpenAfterReset(t *testing.T) {
	// WHAT: After the reset timeout, one probe is allowed through.
	// WHY: The solver should recover without operator intervention.
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	b := newBreaker(1, 30*time.Second, clock)

	b.recordFailure()
	if b.allow() {
		t.Fatal("breaker should be open")
	}

	now = now.Add(29 * time.Second)
	if b.allow() {
		t.Fatal("breaker should still be open before the reset timeout")
	}

	now = now.Add(2 * time.Second)
	if !b.allow() {
		t.Fatal("breaker should allow a probe after the reset timeout")
	}
	if b.current() != breakerHalfOpen {
		t.Errorf("state: got %d, want half-open", b.current())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	b := newBreaker(1, 30*time.Second, clock)

	b.recordFailure()
	now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("expected half-open probe")
	}

	b.recordFailure()
	if b.allow() {
		t.Fatal("a failed probe must reopen the breaker")
	}
}

func TestBreaker_ProbeSuccessesClose(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	b := newBreaker(1, 30*time.Second, clock)

	b.recordFailure()
	now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("expected half-open probe")
	}

	b.recordSuccess()
	if b.current() != breakerHalfOpen {
		t.Fatal("one success should not close the breaker yet")
	}
	b.recordSuccess()
	if b.current() != breakerClosed {
		t.Fatal("two successes should close the breaker")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	// WHAT: A success while closed clears the failure count.
	// WHY: Only consecutive failures should trip the breaker.
	b := newBreaker(3, time.Minute, nil)
	b.recordFailure()
	b.recordFailure()
	b.recordSuccess()
	b.recordFailure()
	b.recordFailure()
	if !b.allow() {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}
