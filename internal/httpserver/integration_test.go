package httpserver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adscale/sheetgate/internal/batch"
	"github.com/adscale/sheetgate/internal/cache"
	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/pool"
	"github.com/adscale/sheetgate/internal/registry"
)

func intTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memClient is an in-memory pool.DocumentClient fake standing in for the
// real Sheets API, so the wiring test below exercises the full
// registry → pool → batch → cache pipeline without a network dependency.
type memClient struct {
	mu    sync.Mutex
	rows  map[string][]pool.Row // spreadsheetID/title -> rows
	calls int
}

type memHandle struct{ spreadsheetID string }

func newMemClient() *memClient { return &memClient{rows: make(map[string][]pool.Row)} }

func (c *memClient) Open(_ context.Context, ref string) (pool.Handle, error) {
	return &memHandle{spreadsheetID: ref}, nil
}
func (c *memClient) LoadInfo(_ context.Context, _ pool.Handle) error { return nil }
func (c *memClient) EnsureSheet(_ context.Context, _ pool.Handle, title string, headers []string) (pool.Sheet, error) {
	return pool.Sheet{Title: title, Headers: headers}, nil
}
func (c *memClient) GetRows(_ context.Context, h pool.Handle, sheet pool.Sheet, _ string) ([]pool.Row, error) {
	hd := h.(*memHandle)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pool.Row(nil), c.rows[hd.spreadsheetID+"/"+sheet.Title]...), nil
}
func (c *memClient) AddRows(_ context.Context, h pool.Handle, sheet pool.Sheet, rows []pool.Row) error {
	hd := h.(*memHandle)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	key := hd.spreadsheetID + "/" + sheet.Title
	c.rows[key] = append(c.rows[key], rows...)
	return nil
}
func (c *memClient) UpdateRow(_ context.Context, _ pool.Handle, _ pool.Sheet, _ string, _ pool.Row) error {
	return nil
}
func (c *memClient) DeleteRow(_ context.Context, _ pool.Handle, _ pool.Sheet, _ string) error {
	return nil
}
func (c *memClient) Close(_ context.Context, _ pool.Handle) error { return nil }

// harness wires every SheetGate component together the way cmd/sheetgate
// does, so the scenarios below exercise real component boundaries rather
// than mocks of them.
type harness struct {
	reg    *registry.Registry
	pool   *pool.Pool
	coord  *batch.Coordinator
	cache  *cache.Cache
	client *memClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := eventbus.New()

	reg, err := registry.New(context.Background(), registry.NewStaticSource(map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
		"t2": {ID: "t2", SheetRef: "sheet-2", Enabled: true},
	}), bus, intTestLogger())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	client := newMemClient()
	p := pool.New(pool.Config{
		MaxGlobalConnections: 10,
		MaxPerTenant:         4,
		AcquireTimeout:       time.Second,
		WaiterHighWatermark:  8,
		ConnectionTTL:        time.Minute,
		SweepInterval:        time.Hour,
		PerTenantMaxRequests: 1000,
		PerTenantWindow:      time.Second,
	}, reg, bus, client, intTestLogger())
	t.Cleanup(p.Close)

	coord := batch.New(batch.Config{
		BatchDelay:      10 * time.Millisecond,
		MaxBatchSize:    50,
		MaxBatchWait:    time.Second,
		FlushBackoffCap: time.Second,
	}, p, client, bus, intTestLogger())

	ch := cache.New(cache.Config{MaxSize: 1000, ShardCount: 4, FairnessSlack: 1.5}, bus, intTestLogger())

	return &harness{reg: reg, pool: p, coord: coord, cache: ch, client: client}
}

// Scenario 1 (spec.md §8): cache hit path.
func TestIntegrationCacheHitPath(t *testing.T) {
	h := newHarness(t)

	h.cache.Put("t1", "/api/summary", map[string]any{"w": "7d"}, map[string]any{"spend": 10}, time.Minute, nil)

	v, ok := h.cache.Get("t1", "/api/summary", map[string]any{"w": "7d"})
	if !ok {
		t.Fatal("expected a cache hit")
	}
	got := v.(map[string]any)
	if got["spend"] != 10 {
		t.Errorf("spend = %v, want 10", got["spend"])
	}
}

// Scenario 2 (spec.md §8): cross-tenant isolation end to end.
func TestIntegrationCrossTenantIsolation(t *testing.T) {
	h := newHarness(t)

	h.cache.Put("t1", "/api/insights", nil, map[string]any{"k": 1}, time.Minute, nil)
	h.cache.Put("t2", "/api/insights", nil, map[string]any{"k": 2}, time.Minute, nil)

	v2, ok := h.cache.Get("t2", "/api/insights", nil)
	if !ok || v2.(map[string]any)["k"] != 2 {
		t.Errorf("t2 Get() = %v, want k=2", v2)
	}
	v1, ok := h.cache.Get("t1", "/api/insights", nil)
	if !ok || v1.(map[string]any)["k"] != 1 {
		t.Errorf("t1 Get() = %v, want k=1", v1)
	}
}

// Scenario 3 (spec.md §8): a write through the real Batch Coordinator
// invalidates a prior read, and the invalidation is observable before the
// write's future resolves (read-your-writes, spec.md §5).
func TestIntegrationWriteInvalidatesReads(t *testing.T) {
	h := newHarness(t)

	h.cache.Put("t1", "/api/insights", nil, map[string]any{"k": "old"}, time.Minute, []string{"insights"})

	resultCh := h.coord.Enqueue("t1", "SEARCH_TERMS", batch.Operation{
		Kind:   batch.KindAddRow,
		Fields: pool.Row{"term": "shoes"},
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("enqueue result error: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch flush")
	}

	if _, ok := h.cache.Get("t1", "/api/insights", nil); ok {
		t.Error("expected /api/insights to be invalidated after sheet:write")
	}
}

// Scenario 4 (spec.md §8): batch coalescence — N addRow ops within
// batchDelay produce exactly one remote AddRows call, and every future
// resolves without error.
func TestIntegrationBatchCoalescence(t *testing.T) {
	h := newHarness(t)

	const n = 12
	chans := make([]<-chan batch.Result, n)
	for i := 0; i < n; i++ {
		chans[i] = h.coord.Enqueue("t1", "METRICS", batch.Operation{
			Kind:   batch.KindAddRow,
			Fields: pool.Row{"i": i},
		})
	}

	for i, ch := range chans {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("op %d result error: %v", i, res.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("op %d: timed out waiting for flush", i)
		}
	}

	h.client.mu.Lock()
	rows := append([]pool.Row(nil), h.client.rows["sheet-1/METRICS"]...)
	calls := h.client.calls
	h.client.mu.Unlock()

	if len(rows) != n {
		t.Errorf("stored rows = %d, want %d", len(rows), n)
	}
	if calls != 1 {
		t.Errorf("AddRows called %d times, want 1 (coalesced into a single flush)", calls)
	}
}
