package resilience

import (
	"context"
	"errors"
	"sync"
)

// ErrCircuitOpen is returned without invoking the wrapped operation while
// the breaker is open.
var ErrCircuitOpen = errors.New("service unavailable: circuit open")

// Breaker trips after a run of consecutive failures and then fails fast.
// Recovery is explicit: recorded successes (health probes) drain the failure
// count, and once it drops below half the threshold the breaker closes;
// Reset closes it immediately. There is no timeout-driven half-open state.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	open      bool
}

// NewBreaker returns a closed breaker that opens after threshold
// consecutive failures (default 10).
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	return &Breaker{threshold: threshold}
}

// Do invokes op unless the breaker is open, and records the outcome.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
	}
}

// RecordSuccess drains one failure. While open it is the recovery signal:
// the breaker closes once the count falls below threshold/2.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = 0
		return
	}
	if b.failures > 0 {
		b.failures--
	}
	if b.failures < b.threshold/2 {
		b.open = false
	}
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
