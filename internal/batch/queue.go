package batch

import (
	"sync"
	"time"
)

// state is the per-queue state machine from spec.md §4.3:
//
//	idle → buffering (first enqueue, timer armed)
//	     → flushing (acquire → execute)
//	     → idle (success) | buffering (rate-limit, timer re-armed) | error (fatal)
type state string

const (
	stateIdle      state = "idle"
	stateBuffering state = "buffering"
	stateFlushing  state = "flushing"
	stateError     state = "error"
)

// queue holds every pending operation for one (tenantId, sheetTitle) pair.
// Its mutex is held only across enqueue and flush state transitions, never
// across the remote round-trip itself.
type queue struct {
	mu sync.Mutex

	tenantID   string
	sheetTitle string

	state           state
	ops             []*pendingOp
	firstEnqueuedAt time.Time
	timer           *time.Timer
	flushAttempt    int // consecutive rate-limited deferrals, for backoff

	headers []string // last SetHeader seen, applied at the next flush
}

func newQueue(tenantID, sheetTitle string) *queue {
	return &queue{tenantID: tenantID, sheetTitle: sheetTitle, state: stateIdle}
}

// enqueue appends op and reports whether this is the queue's first pending
// op (the caller arms the batchDelay timer only on that transition) plus the
// new queue size. atSizeLimit is always false: the queue does not know
// maxBatchSize, so the caller compares size against it.
func (q *queue) enqueue(op Operation) (resultCh chan Result, becameFirst bool, atSizeLimit bool, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	resultCh = make(chan Result, 1)
	if op.Kind == KindSetHeader {
		q.headers = op.Headers
	}
	q.ops = append(q.ops, &pendingOp{op: op, resultCh: resultCh})

	becameFirst = len(q.ops) == 1
	if becameFirst {
		q.firstEnqueuedAt = time.Now()
		q.state = stateBuffering
	}
	return resultCh, becameFirst, false, len(q.ops)
}

// beginFlush atomically takes every pending op and marks the queue
// flushing, or reports notReady if there's nothing to flush.
func (q *queue) beginFlush() (ops []*pendingOp, headers []string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 || q.state == stateFlushing {
		return nil, nil, false
	}
	ops = q.ops
	headers = q.headers
	q.ops = nil
	q.state = stateFlushing
	return ops, headers, true
}

// finishFlush transitions the queue after a flush attempt: idle on success,
// buffering with requeued ops on rate-limit (backoff handled by the
// caller's timer re-arm), or error (queue resets, caller already notified
// waiters).
func (q *queue) finishFlush(outcome flushOutcome, requeue []*pendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch outcome {
	case flushOK:
		q.state = stateIdle
		q.flushAttempt = 0
	case flushRateLimited:
		q.ops = append(requeue, q.ops...)
		if len(q.ops) > 0 && q.firstEnqueuedAt.IsZero() {
			q.firstEnqueuedAt = time.Now()
		}
		q.state = stateBuffering
		q.flushAttempt++
	case flushFatal:
		q.ops = nil
		q.state = stateIdle
		q.flushAttempt = 0
	}
}

type flushOutcome int

const (
	flushOK flushOutcome = iota
	flushRateLimited
	flushFatal
)

// dueFor reports whether the queue should flush now given batchDelay,
// maxBatchSize, and maxBatchWait — whichever condition fires first wins.
func (q *queue) dueFor(batchDelay, maxBatchWait time.Duration, maxBatchSize int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateBuffering || len(q.ops) == 0 {
		return false
	}
	elapsed := time.Since(q.firstEnqueuedAt)
	return elapsed >= batchDelay || len(q.ops) >= maxBatchSize || elapsed >= maxBatchWait
}

func (q *queue) snapshotSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// backoffCeiling bounds a proposed rate-limit retry delay so a repeatedly
// deferred flush never pushes the batch's age past maxBatchWait (spec.md
// §4.3's hard ceiling): once firstEnqueuedAt + maxBatchWait has already
// passed, the next retry fires immediately instead of waiting out the rest
// of the backoff.
func (q *queue) backoffCeiling(delay, maxBatchWait time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.firstEnqueuedAt.IsZero() {
		return delay
	}
	remaining := maxBatchWait - time.Since(q.firstEnqueuedAt)
	if remaining <= 0 {
		return 0
	}
	if delay > remaining {
		return remaining
	}
	return delay
}
