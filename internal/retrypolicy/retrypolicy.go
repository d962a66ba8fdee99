// Package retrypolicy centralizes the retry/backoff decisions that would
// otherwise be scattered across the Pool and the Batch Coordinator (design
// note, spec.md §9): transient errors retry with jitter, rate-limited
// errors defer, auth errors refresh credentials once.
package retrypolicy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy wraps github.com/cenkalti/backoff/v5 with the two call patterns
// SheetGate needs.
type Policy struct {
	maxElapsed time.Duration
	cap        time.Duration
}

// New creates a Policy. cap bounds the maximum single backoff interval
// (spec.md §4.3: flush backoff capped at 5s).
func New(maxElapsed, cap time.Duration) *Policy {
	return &Policy{maxElapsed: maxElapsed, cap: cap}
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.cap
	return b
}

// RetryTransient retries op with exponential backoff and jitter, bounded by
// maxElapsed, for errors the Pool/Coordinator classify as transient or
// rate-limited.
func (p *Policy) RetryTransient(ctx context.Context, op func() (struct{}, error)) error {
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxElapsedTime(p.maxElapsed),
	)
	return err
}

// RetryAuthOnce runs op, and if it fails, refreshes credentials via refresh
// and retries op exactly one more time. Used for transient auth failures
// (spec.md §4.2): "transient failures retry once with fresh credentials".
func RetryAuthOnce(ctx context.Context, refresh func(context.Context) error, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if refreshErr := refresh(ctx); refreshErr != nil {
		return refreshErr
	}
	return op(ctx)
}

// NextBackoff computes the delay before retrying the attempt'th rate-limited
// flush (attempt starts at 0), doubling each time up to Policy.cap. Used by
// the Batch Coordinator to re-arm a queue's flush timer without invoking the
// full Retry loop — the queue must stay alive across flush attempts rather
// than being retried inline.
func (p *Policy) NextBackoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cap {
			return p.cap
		}
	}
	return d
}
