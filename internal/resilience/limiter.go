package resilience

import (
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited surfaces a rejected admission as backpressure to the caller.
var ErrRateLimited = errors.New("rate limited")

// Limiter is a token bucket with capacity C refilled at R tokens/second.
// Tokens are refilled lazily on each admission check; TryAcquire never
// blocks the caller.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter returns a full bucket of the given capacity.
func NewLimiter(capacity int, refillPerSecond float64) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = float64(capacity)
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

// TryAcquire takes one token, returning false without blocking when the
// bucket is empty. Callers decide whether to queue, drop, or surface the
// rejection.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}
