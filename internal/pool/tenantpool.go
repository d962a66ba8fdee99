package pool

import (
	"context"
	"sync"
	"time"
)

// dialFunc opens a brand-new remote connection for a tenant. It is supplied
// by Pool so tenantPool stays ignorant of the global connection budget and
// the DocumentClient wiring.
type dialFunc func(ctx context.Context) (*Connection, error)

// tenantPool holds the idle/active bookkeeping for one tenant. Acquire/Release
// are guarded by mu; a sync.Cond wakes waiters when a connection is
// returned or the pool is cleared, avoiding a polling loop.
type tenantPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	tenantID string
	idle     []*Connection
	active   map[*Connection]struct{}
	waiting  int
	closed   bool

	maxConcurrent       int
	acquireTimeout      time.Duration
	waiterHighWatermark int
}

func newTenantPool(tenantID string, maxConcurrent int, acquireTimeout time.Duration, waiterHighWatermark int) *tenantPool {
	tp := &tenantPool{
		tenantID:            tenantID,
		active:              make(map[*Connection]struct{}),
		maxConcurrent:       maxConcurrent,
		acquireTimeout:      acquireTimeout,
		waiterHighWatermark: waiterHighWatermark,
	}
	tp.cond = sync.NewCond(&tp.mu)
	return tp
}

// acquire returns an idle connection if one exists, dials a new one if under
// maxConcurrent, or waits (bounded by acquireTimeout) for one to free up.
// Backpressure: if the waiter count is already at waiterHighWatermark, the
// call fails fast with errPoolExhausted instead of joining the queue.
func (tp *tenantPool) acquire(ctx context.Context, dial dialFunc) (*Connection, error) {
	deadline := time.Now().Add(tp.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	tp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			tp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if tp.closed {
			tp.mu.Unlock()
			return nil, errPoolClosed
		}

		if n := len(tp.idle); n > 0 {
			conn := tp.idle[n-1]
			tp.idle = tp.idle[:n-1]
			conn.inUse = true
			tp.active[conn] = struct{}{}
			tp.mu.Unlock()
			return conn, nil
		}

		if len(tp.active) < tp.maxConcurrent {
			tp.mu.Unlock()
			conn, err := dial(ctx)
			if err != nil {
				return nil, err
			}
			conn.inUse = true
			tp.mu.Lock()
			if tp.closed {
				tp.mu.Unlock()
				// Connection was dialed just as the tenant was removed; the
				// caller is responsible for closing conn.Handle via Pool.
				return conn, errPoolClosedAfterDial
			}
			tp.active[conn] = struct{}{}
			tp.mu.Unlock()
			return conn, nil
		}

		if tp.waiting >= tp.waiterHighWatermark {
			tp.mu.Unlock()
			return nil, errPoolExhausted
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			tp.mu.Unlock()
			return nil, errAcquireTimeout
		}

		tp.waiting++
		timer := time.AfterFunc(remaining, func() { tp.cond.Broadcast() })
		tp.cond.Wait() // releases mu, reacquires on wake
		timer.Stop()
		tp.waiting--

		if time.Now().After(deadline) && !tp.closed {
			// Give the loop one more pass to grab a connection that arrived
			// exactly at the deadline before giving up.
			select {
			case <-ctx.Done():
			default:
			}
		}
	}
}

// release returns conn to the idle set, or discards it (discard==true when
// the connection errored during use and must not be reused).
func (tp *tenantPool) release(conn *Connection, discard bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	delete(tp.active, conn)
	conn.inUse = false

	if discard || tp.closed {
		tp.cond.Signal()
		return
	}

	conn.lastUsedAt = time.Now()
	tp.idle = append(tp.idle, conn)
	tp.cond.Signal()
}

// drain marks the pool closed and returns every connection it held (idle and
// active) so the caller can close their remote handles. Used by Clear.
func (tp *tenantPool) drain() []*Connection {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.closed = true
	all := make([]*Connection, 0, len(tp.idle)+len(tp.active))
	all = append(all, tp.idle...)
	for c := range tp.active {
		all = append(all, c)
	}
	tp.idle = nil
	tp.active = make(map[*Connection]struct{})
	tp.cond.Broadcast()
	return all
}

// evictIdleOlderThan removes and returns idle connections whose lastUsedAt
// predates the cutoff, for the background TTL sweep.
func (tp *tenantPool) evictIdleOlderThan(cutoff time.Time) []*Connection {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	kept := tp.idle[:0:0]
	var evicted []*Connection
	for _, c := range tp.idle {
		if c.lastUsedAt.Before(cutoff) {
			evicted = append(evicted, c)
		} else {
			kept = append(kept, c)
		}
	}
	tp.idle = kept
	return evicted
}

// evictOldestIdle removes and returns the single least-recently-used idle
// connection, for global-budget eviction. Returns nil if none is idle.
func (tp *tenantPool) evictOldestIdle() *Connection {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if len(tp.idle) == 0 {
		return nil
	}
	oldestIdx := 0
	for i, c := range tp.idle {
		if c.lastUsedAt.Before(tp.idle[oldestIdx].lastUsedAt) {
			oldestIdx = i
		}
	}
	conn := tp.idle[oldestIdx]
	tp.idle = append(tp.idle[:oldestIdx], tp.idle[oldestIdx+1:]...)
	return conn
}

// putIdleBack reinserts a connection obtained from evictOldestIdle without
// actually evicting it, used when a cross-tenant eviction scan picks a
// different pool's connection as the true global oldest.
func (tp *tenantPool) putIdleBack(conn *Connection) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.idle = append(tp.idle, conn)
}

func (tp *tenantPool) stats() (active, idle, waiting int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.active), len(tp.idle), tp.waiting
}
