// Package batch implements the Batch Coordinator: it coalesces concurrent
// write operations addressed to the same (tenant, sheetTitle) into one
// remote round-trip, preserving per-queue operation order while respecting
// the Connection Pool's rate budget (spec.md §4.3).
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/pool"
	"github.com/adscale/sheetgate/internal/retrypolicy"
	"github.com/adscale/sheetgate/internal/sheeterr"
	"github.com/adscale/sheetgate/internal/telemetry"
)

// Config bounds flush timing (spec.md §4.3 defaults).
type Config struct {
	BatchDelay      time.Duration
	MaxBatchSize    int
	MaxBatchWait    time.Duration
	FlushBackoffCap time.Duration
}

type queueKey struct {
	tenantID   string
	sheetTitle string
}

// Coordinator owns one queue per (tenantId, sheetTitle) pair and the timers
// that drive their flushes.
type Coordinator struct {
	cfg    Config
	pool   *pool.Pool
	client pool.DocumentClient
	bus    *eventbus.Bus
	retry  *retrypolicy.Policy
	logger *slog.Logger

	mu     sync.Mutex
	queues map[queueKey]*queue

	enqueuedTotal atomic.Int64
	flushedTotal  atomic.Int64
	batchesTotal  atomic.Int64
	errorsTotal   atomic.Int64
}

// New constructs a Coordinator. client is the same DocumentClient instance
// wired into the Pool, since flush applies ops through a pool-acquired
// connection's handle.
func New(cfg Config, p *pool.Pool, client pool.DocumentClient, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		pool:   p,
		client: client,
		bus:    bus,
		retry:  retrypolicy.New(cfg.MaxBatchWait, cfg.FlushBackoffCap),
		logger: logger,
		queues: make(map[queueKey]*queue),
	}
}

func (c *Coordinator) queueFor(key queueKey) *queue {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[key]
	if !ok {
		q = newQueue(key.tenantID, key.sheetTitle)
		c.queues[key] = q
	}
	return q
}

// Enqueue queues op against (tenantId, sheetTitle) and returns a channel
// that receives the op's Result once its containing flush completes.
func (c *Coordinator) Enqueue(tenantID, sheetTitle string, op Operation) <-chan Result {
	key := queueKey{tenantID: tenantID, sheetTitle: sheetTitle}
	q := c.queueFor(key)

	resultCh, becameFirst, _, size := q.enqueue(op)
	c.enqueuedTotal.Add(1)
	telemetry.BatchEnqueuedTotal.Inc()

	switch {
	case size >= c.cfg.MaxBatchSize:
		go c.flush(key)
	case becameFirst:
		time.AfterFunc(c.cfg.BatchDelay, func() {
			if !q.dueFor(c.cfg.BatchDelay, c.cfg.MaxBatchWait, c.cfg.MaxBatchSize) {
				c.logger.Debug("batch timer fired early, queue not yet due", "tenant", tenantID, "sheet", sheetTitle, "size", q.snapshotSize())
				return
			}
			c.flush(key)
		})
	}
	return resultCh
}

// FlushAll force-flushes every queue (optionally scoped to tenantID), used
// at shutdown so no buffered write is lost.
func (c *Coordinator) FlushAll(tenantID string) {
	c.mu.Lock()
	keys := make([]queueKey, 0, len(c.queues))
	for key := range c.queues {
		if tenantID == "" || key.tenantID == tenantID {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k queueKey) {
			defer wg.Done()
			c.flush(k)
		}(key)
	}
	wg.Wait()
}

// flush takes every pending op on the queue and applies it through one
// pool-acquired connection, in header-setup → inserts → updates → deletes
// order.
func (c *Coordinator) flush(key queueKey) {
	q := c.queueFor(key)
	ops, headers, ok := q.beginFlush()
	if !ok {
		return
	}

	ctx := context.Background()
	conn, err := c.pool.Acquire(ctx, key.tenantID)
	if err != nil {
		if se, isSheetErr := sheeterr.As(err); isSheetErr && se.Code == sheeterr.CodeRateLimited {
			c.deferFlush(key, q, ops)
			return
		}
		c.failAll(ops, err)
		q.finishFlush(flushFatal, nil)
		c.errorsTotal.Add(1)
		telemetry.BatchErrorsTotal.Inc()
		return
	}

	outcomes, flushErr := c.apply(ctx, conn, key, headers, ops)
	c.pool.Release(ctx, conn, flushErr)

	if flushErr != nil {
		if ce, isClientErr := flushErr.(*pool.ClientError); isClientErr && ce.Class == pool.ClassRateLimited {
			c.deferFlush(key, q, ops)
			return
		}
		// apply resolves ops up to the point of failure; fail every op still
		// waiting (result channels already holding a result are left as they are).
		c.failAll(ops, flushErr)
		q.finishFlush(flushFatal, nil)
		c.errorsTotal.Add(1)
		telemetry.BatchErrorsTotal.Inc()
		return
	}

	q.finishFlush(flushOK, nil)
	c.flushedTotal.Add(1)
	c.batchesTotal.Add(1)
	telemetry.BatchFlushedTotal.Inc()
	telemetry.BatchSize.Observe(float64(len(ops)))

	// Invalidation MUST complete before any op's future resolves (spec.md
	// §4.4/§5/§8): publish first, only then deliver outcomes that apply
	// collected instead of sending them itself.
	c.publishWriteEvents(ctx, key, ops)
	deliverOutcomes(outcomes)
}

func (c *Coordinator) deferFlush(key queueKey, q *queue, ops []*pendingOp) {
	q.finishFlush(flushRateLimited, ops)
	delay := c.retry.NextBackoff(q.flushAttempt)
	delay = q.backoffCeiling(delay, c.cfg.MaxBatchWait)
	time.AfterFunc(delay, func() { c.flush(key) })
}

// opOutcome pairs a pendingOp with the Result apply computed for it. On a
// successful apply, flush delivers these only after publishWriteEvents has
// run, so a caller that awaits the future and then issues a Get on the same
// (tenant, sheet) never observes a stale cache entry (spec.md §4.4/§5/§8).
type opOutcome struct {
	op  *pendingOp
	res Result
}

// deliverOutcomes sends every outcome to its resultCh. Used both as the
// final step of a successful flush (after invalidation) and to flush out
// already-decided outcomes on an early failure return from apply, where no
// invalidation follows so delivery order no longer matters.
func deliverOutcomes(outcomes []opOutcome) {
	for _, o := range outcomes {
		select {
		case o.op.resultCh <- o.res:
		default:
		}
	}
}

// apply executes the grouped sub-operations against conn. On success it
// returns every pendingOp's outcome for the caller to deliver once
// invalidation has run; it sends results itself (and returns nil outcomes)
// only along early-failure paths, where flush will not publish write events
// for this batch and there is nothing to order delivery against. It returns
// a non-nil error when a sheet-level call fails (EnsureSheet, or a grouped
// add/update/delete); the Coordinator then defers or fails the whole flush,
// and Pool.Release decides from the error's class whether the connection is
// discarded. Partial per-op failures are resolved individually and do not
// fail the flush.
func (c *Coordinator) apply(ctx context.Context, conn *pool.Connection, key queueKey, headers []string, ops []*pendingOp) ([]opOutcome, error) {
	sheet, err := c.client.EnsureSheet(ctx, conn.Handle, key.sheetTitle, headers)
	if err != nil {
		c.failAll(ops, err)
		return nil, err
	}

	var adds []*pendingOp
	var updates []*pendingOp
	deleteByRow := make(map[string]*pendingOp) // later wins
	var deleteOrder []string
	var outcomes []opOutcome

	for _, p := range ops {
		switch p.op.Kind {
		case KindSetHeader:
			outcomes = append(outcomes, opOutcome{p, Result{}})
		case KindAddRow:
			adds = append(adds, p)
		case KindUpdateRow:
			updates = append(updates, p)
		case KindDeleteRow:
			if _, seen := deleteByRow[p.op.RowID]; !seen {
				deleteOrder = append(deleteOrder, p.op.RowID)
			} else {
				// The superseded duplicate still resolves, sharing the
				// final delete's outcome once known.
			}
			deleteByRow[p.op.RowID] = p
		}
	}

	if len(adds) > 0 {
		rows := make([]pool.Row, len(adds))
		for i, p := range adds {
			rows[i] = p.op.Fields
		}
		if err := c.client.AddRows(ctx, conn.Handle, sheet, rows); err != nil {
			if isConnectionFatal(err) {
				deliverOutcomes(outcomes)
				c.failAll(adds, err)
				return nil, err
			}
			for _, p := range adds {
				outcomes = append(outcomes, opOutcome{p, Result{Err: err}})
			}
		} else {
			for _, p := range adds {
				outcomes = append(outcomes, opOutcome{p, Result{}})
			}
		}
	}

	for _, p := range updates {
		err := c.client.UpdateRow(ctx, conn.Handle, sheet, p.op.RowID, p.op.Fields)
		if err != nil && isConnectionFatal(err) {
			deliverOutcomes(outcomes)
			c.failAll([]*pendingOp{p}, err)
			return nil, err
		}
		outcomes = append(outcomes, opOutcome{p, Result{Err: err}})
	}

	for _, rowID := range deleteOrder {
		err := c.client.DeleteRow(ctx, conn.Handle, sheet, rowID)
		for _, p := range ops {
			if p.op.Kind == KindDeleteRow && p.op.RowID == rowID {
				outcomes = append(outcomes, opOutcome{p, Result{Err: err}})
			}
		}
		if err != nil && isConnectionFatal(err) {
			deliverOutcomes(outcomes)
			return nil, err
		}
	}

	return outcomes, nil
}

func isConnectionFatal(err error) bool {
	ce, ok := err.(*pool.ClientError)
	if !ok {
		return true
	}
	return ce.Class == pool.ClassFatal || ce.Class == pool.ClassAuth || ce.Class == pool.ClassRateLimited
}

func (c *Coordinator) failAll(ops []*pendingOp, err error) {
	for _, p := range ops {
		select {
		case p.resultCh <- Result{Err: err}:
		default:
		}
	}
}

// publishWriteEvents fires sheet:write plus the specific per-kind events
// present in the flushed batch, synchronously, so cache invalidation
// completes before Enqueue's caller observes a resolved future.
func (c *Coordinator) publishWriteEvents(ctx context.Context, key queueKey, ops []*pendingOp) {
	payload := eventbus.Payload{TenantID: key.tenantID, SheetTitle: key.sheetTitle}
	if err := c.bus.Publish(ctx, eventbus.SheetWrite, payload); err != nil {
		c.logger.Error("sheet:write fan-out", "tenant", key.tenantID, "sheet", key.sheetTitle, "error", err)
	}

	seen := make(map[string]bool)
	for _, p := range ops {
		var event string
		switch p.op.Kind {
		case KindAddRow:
			event = eventbus.RowAdd
		case KindUpdateRow:
			event = eventbus.RowUpdate
		case KindDeleteRow:
			event = eventbus.RowDelete
		default:
			continue
		}
		dedupKey := fmt.Sprintf("%s:%s", event, p.op.RowID)
		if seen[dedupKey] {
			continue
		}
		seen[dedupKey] = true
		rowPayload := eventbus.Payload{TenantID: payload.TenantID, SheetTitle: payload.SheetTitle, RowID: p.op.RowID}
		if err := c.bus.Publish(ctx, event, rowPayload); err != nil {
			c.logger.Error("row event fan-out", "event", event, "error", err)
		}
	}
}

// Stats summarizes Coordinator activity for the admin surface.
type Stats struct {
	Enqueued int64
	Flushed  int64
	Batches  int64
	Errors   int64
	Queues   int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	n := len(c.queues)
	c.mu.Unlock()

	return Stats{
		Enqueued: c.enqueuedTotal.Load(),
		Flushed:  c.flushedTotal.Load(),
		Batches:  c.batchesTotal.Load(),
		Errors:   c.errorsTotal.Load(),
		Queues:   n,
	}
}
