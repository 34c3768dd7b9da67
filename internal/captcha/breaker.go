package captcha

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker guards the solver endpoint. Repeated failures open it; while
// open, calls are refused without touching the network. After the reset
// timeout a probe is allowed, and enough consecutive probe successes
// close it again.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	threshold   int
	reset       time.Duration
	halfOpenMax int
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(threshold int, reset time.Duration, clock func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &breaker{
		threshold:   threshold,
		reset:       reset,
		halfOpenMax: 2,
		now:         clock,
	}
}

// allow reports whether a call may proceed, moving an expired open
// breaker to half-open first.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()
	return b.state != breakerOpen
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = breakerClosed
			b.failures = 0
			b.successes = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.successes = 0
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()
	return b.state
}

// transition moves open to half-open once the reset timeout has elapsed.
// Caller holds mu.
func (b *breaker) transition() {
	if b.state == breakerOpen && b.now().Sub(b.lastFailure) >= b.reset {
		b.state = breakerHalfOpen
		b.successes = 0
	}
}
