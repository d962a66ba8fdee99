package batch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/pool"
	"github.com/adscale/sheetgate/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingClient is a pool.DocumentClient that records every AddRows call
// so tests can assert coalescing, without talking to a real spreadsheet.
type recordingClient struct {
	mu          sync.Mutex
	addRowsCall int
	addedRows   []pool.Row
	updated     []string
	deleted     []string
}

type fakeHandle struct{}

func (c *recordingClient) Open(_ context.Context, _ string) (pool.Handle, error) { return &fakeHandle{}, nil }
func (c *recordingClient) LoadInfo(_ context.Context, _ pool.Handle) error       { return nil }
func (c *recordingClient) EnsureSheet(_ context.Context, _ pool.Handle, title string, headers []string) (pool.Sheet, error) {
	return pool.Sheet{Title: title, Headers: headers}, nil
}
func (c *recordingClient) GetRows(_ context.Context, _ pool.Handle, _ pool.Sheet, _ string) ([]pool.Row, error) {
	return nil, nil
}
func (c *recordingClient) AddRows(_ context.Context, _ pool.Handle, _ pool.Sheet, rows []pool.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addRowsCall++
	c.addedRows = append(c.addedRows, rows...)
	return nil
}
func (c *recordingClient) UpdateRow(_ context.Context, _ pool.Handle, _ pool.Sheet, rowID string, _ pool.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, rowID)
	return nil
}
func (c *recordingClient) DeleteRow(_ context.Context, _ pool.Handle, _ pool.Sheet, rowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, rowID)
	return nil
}
func (c *recordingClient) Close(_ context.Context, _ pool.Handle) error { return nil }

func (c *recordingClient) snapshot() (addCalls int, rows []pool.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRowsCall, append([]pool.Row(nil), c.addedRows...)
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *recordingClient) {
	t.Helper()
	bus := eventbus.New()
	reg, err := registry.New(context.Background(), registry.NewStaticSource(map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	}), bus, testLogger())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	client := &recordingClient{}
	p := pool.New(pool.Config{
		MaxGlobalConnections: 10,
		MaxPerTenant:         4,
		AcquireTimeout:       time.Second,
		WaiterHighWatermark:  8,
		ConnectionTTL:        time.Hour,
		SweepInterval:        time.Hour,
		PerTenantMaxRequests: 1000,
		PerTenantWindow:      time.Second,
	}, reg, bus, client, testLogger())
	t.Cleanup(p.Close)

	coord := New(cfg, p, client, bus, testLogger())
	return coord, client
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("result never arrived")
		return Result{}
	}
}

// Scenario 4 (spec.md §8): concurrent adds to the same (tenant, sheet)
// within batchDelay coalesce into a single AddRows round-trip.
func TestEnqueueCoalescesAddRowsWithinBatchDelay(t *testing.T) {
	coord, client := newTestCoordinator(t, Config{
		BatchDelay:      30 * time.Millisecond,
		MaxBatchSize:    50,
		MaxBatchWait:    time.Second,
		FlushBackoffCap: 5 * time.Second,
	})

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		ch := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindAddRow, Fields: pool.Row{"id": i}})
		chans = append(chans, ch)
	}

	for _, ch := range chans {
		if r := waitResult(t, ch); r.Err != nil {
			t.Errorf("unexpected op error: %v", r.Err)
		}
	}

	calls, rows := client.snapshot()
	if calls != 1 {
		t.Errorf("AddRows called %d times, want 1 (coalesced)", calls)
	}
	if len(rows) != 5 {
		t.Errorf("got %d rows applied, want 5", len(rows))
	}
}

// Scenario 3 (spec.md §8): a successful flush synchronously fires sheet:write
// before the enqueuing caller's future resolves (read-your-writes). The
// subscriber blocks until signaled, so if the op's result were delivered
// before sheet:write finishes publishing, waitResult below would return
// before handlerReleased is ever closed and the test would hang/fail on
// timeout rather than silently pass — unlike a bare atomic-bool check, which
// can observe published.Load() == true merely because the publish and the
// result delivery raced, not because delivery was ordered after it.
func TestFlushPublishesWriteEventBeforeResultResolves(t *testing.T) {
	coord, _ := newTestCoordinator(t, Config{
		BatchDelay:      20 * time.Millisecond,
		MaxBatchSize:    50,
		MaxBatchWait:    time.Second,
		FlushBackoffCap: 5 * time.Second,
	})

	handlerEntered := make(chan struct{})
	handlerRelease := make(chan struct{})
	var published atomic.Bool
	coord.bus.Subscribe(eventbus.SheetWrite, func(_ context.Context, _ eventbus.Payload) error {
		close(handlerEntered)
		<-handlerRelease
		published.Store(true)
		return nil
	})

	ch := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindAddRow, Fields: pool.Row{"id": 1}})

	<-handlerEntered
	select {
	case r := <-ch:
		t.Fatalf("result resolved (%+v) before sheet:write's handler returned", r)
	case <-time.After(50 * time.Millisecond):
	}
	close(handlerRelease)

	if r := waitResult(t, ch); r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if !published.Load() {
		t.Error("expected sheet:write to have fired before the op's result resolved")
	}
}

func TestEnqueueFlushesImmediatelyAtMaxBatchSize(t *testing.T) {
	coord, client := newTestCoordinator(t, Config{
		BatchDelay:      time.Hour, // would never fire on its own within the test
		MaxBatchSize:    3,
		MaxBatchWait:    time.Hour,
		FlushBackoffCap: 5 * time.Second,
	})

	var chans []<-chan Result
	for i := 0; i < 3; i++ {
		chans = append(chans, coord.Enqueue("t1", "Sheet1", Operation{Kind: KindAddRow, Fields: pool.Row{"id": i}}))
	}

	for _, ch := range chans {
		waitResult(t, ch)
	}

	calls, _ := client.snapshot()
	if calls != 1 {
		t.Errorf("AddRows called %d times, want 1 (size-triggered flush)", calls)
	}
}

func TestEnqueueOrdersUpdatesAndCoalescesDeletesByRowID(t *testing.T) {
	coord, client := newTestCoordinator(t, Config{
		BatchDelay:      20 * time.Millisecond,
		MaxBatchSize:    50,
		MaxBatchWait:    time.Second,
		FlushBackoffCap: 5 * time.Second,
	})

	u1 := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindUpdateRow, RowID: "r1", Fields: pool.Row{"v": 1}})
	u2 := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindUpdateRow, RowID: "r2", Fields: pool.Row{"v": 2}})
	d1 := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindDeleteRow, RowID: "r3"})
	d2 := coord.Enqueue("t1", "Sheet1", Operation{Kind: KindDeleteRow, RowID: "r3"}) // superseded duplicate

	for _, ch := range []<-chan Result{u1, u2, d1, d2} {
		if r := waitResult(t, ch); r.Err != nil {
			t.Errorf("unexpected op error: %v", r.Err)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.updated) != 2 || client.updated[0] != "r1" || client.updated[1] != "r2" {
		t.Errorf("updated %v, want [r1 r2] in enqueue order", client.updated)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r3" {
		t.Errorf("deleted %v, want exactly one delete of r3 (coalesced)", client.deleted)
	}
}
