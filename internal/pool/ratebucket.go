package pool

import (
	"sync"
	"time"
)

// rateBucket is a continuous-refill token bucket: capacity tokens refill at
// capacity/windowMs per millisecond, so `tokens` never needs a discrete
// "reset at window boundary" step. One bucket exists per tenant.
type rateBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	windowMs   float64 // time to refill from 0 to capacity
	lastRefill time.Time
}

func newRateBucket(capacity int, window time.Duration) *rateBucket {
	return &rateBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		windowMs:   float64(window.Milliseconds()),
		lastRefill: time.Now(),
	}
}

// refillLocked advances tokens according to elapsed time. Caller holds mu.
func (b *rateBucket) refillLocked(now time.Time) {
	if b.windowMs <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Milliseconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / b.windowMs * b.capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// tryTake consumes one token if available. On failure it returns the
// duration until the next token will be available.
func (b *rateBucket) tryTake() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	// Time to accumulate a single token from the current fractional level.
	deficit := 1 - b.tokens
	msPerToken := b.windowMs / b.capacity
	waitMs := deficit * msPerToken
	return false, time.Duration(waitMs) * time.Millisecond
}
