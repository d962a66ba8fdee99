package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(shardCount, maxSize int, fairnessSlack float64) (*Cache, *eventbus.Bus) {
	bus := eventbus.New()
	c := New(Config{MaxSize: maxSize, ShardCount: shardCount, FairnessSlack: fairnessSlack}, bus, testLogger())
	return c, bus
}

// Scenario 1 (spec.md §8): a Put followed by a Get for the same
// (tenant, path, params) is a hit; different params is a miss.
func TestCacheHitPath(t *testing.T) {
	c, _ := newTestCache(4, 1000, 1.5)

	c.Put("t1", "/rows", map[string]any{"sheet": "Sheet1"}, "value-a", time.Minute, nil)

	v, ok := c.Get("t1", "/rows", map[string]any{"sheet": "Sheet1"})
	if !ok || v != "value-a" {
		t.Fatalf("Get() = (%v, %v), want (value-a, true)", v, ok)
	}

	_, ok = c.Get("t1", "/rows", map[string]any{"sheet": "Sheet2"})
	if ok {
		t.Error("expected a miss for different params")
	}
}

// Scenario 2 (spec.md §8): two tenants with identical (path, params) never
// observe each other's cached value.
func TestCrossTenantIsolation(t *testing.T) {
	c, _ := newTestCache(4, 1000, 1.5)

	c.Put("t1", "/rows", map[string]any{"sheet": "Sheet1"}, "tenant-1-value", time.Minute, nil)
	c.Put("t2", "/rows", map[string]any{"sheet": "Sheet1"}, "tenant-2-value", time.Minute, nil)

	v1, ok1 := c.Get("t1", "/rows", map[string]any{"sheet": "Sheet1"})
	v2, ok2 := c.Get("t2", "/rows", map[string]any{"sheet": "Sheet1"})

	if !ok1 || v1 != "tenant-1-value" {
		t.Errorf("tenant 1 Get() = (%v, %v), want (tenant-1-value, true)", v1, ok1)
	}
	if !ok2 || v2 != "tenant-2-value" {
		t.Errorf("tenant 2 Get() = (%v, %v), want (tenant-2-value, true)", v2, ok2)
	}
}

func TestGetMissOnExpiredEntry(t *testing.T) {
	c, _ := newTestCache(1, 1000, 1.5)

	c.Put("t1", "/rows", nil, "value", 10*time.Millisecond, nil)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("t1", "/rows", nil); ok {
		t.Error("expected expired entry to be a miss")
	}
}

// A sheet:write event clears every entry tagged sheet:{title} for that
// tenant, leaving other tenants' and other sheets' entries untouched.
func TestInvalidateByRuleSheetWrite(t *testing.T) {
	c, bus := newTestCache(4, 1000, 1.5)

	c.Put("t1", "/rows", map[string]any{"sheet": "Sheet1"}, "v1", time.Minute, []string{"sheet:Sheet1"})
	c.Put("t1", "/rows", map[string]any{"sheet": "Sheet2"}, "v2", time.Minute, []string{"sheet:Sheet2"})
	c.Put("t2", "/rows", map[string]any{"sheet": "Sheet1"}, "v3", time.Minute, []string{"sheet:Sheet1"})

	if err := bus.Publish(context.Background(), eventbus.SheetWrite, eventbus.Payload{TenantID: "t1", SheetTitle: "Sheet1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if _, ok := c.Get("t1", "/rows", map[string]any{"sheet": "Sheet1"}); ok {
		t.Error("expected t1/Sheet1 entry to be invalidated")
	}
	if _, ok := c.Get("t1", "/rows", map[string]any{"sheet": "Sheet2"}); !ok {
		t.Error("expected t1/Sheet2 entry to survive (different sheet tag)")
	}
	if _, ok := c.Get("t2", "/rows", map[string]any{"sheet": "Sheet1"}); !ok {
		t.Error("expected t2's entry to survive (different tenant)")
	}
}

func TestInvalidateTenantClearsEverything(t *testing.T) {
	c, bus := newTestCache(4, 1000, 1.5)

	c.Put("t1", "/rows", map[string]any{"sheet": "Sheet1"}, "v1", time.Minute, nil)
	c.Put("t1", "/config", nil, "v2", time.Minute, nil)
	c.Put("t2", "/rows", map[string]any{"sheet": "Sheet1"}, "v3", time.Minute, nil)

	if err := bus.Publish(context.Background(), eventbus.TenantRemoved, eventbus.Payload{TenantID: "t1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if _, ok := c.Get("t1", "/rows", map[string]any{"sheet": "Sheet1"}); ok {
		t.Error("expected t1 entries to be gone")
	}
	if _, ok := c.Get("t1", "/config", nil); ok {
		t.Error("expected t1 entries to be gone")
	}
	if _, ok := c.Get("t2", "/rows", map[string]any{"sheet": "Sheet1"}); !ok {
		t.Error("expected t2's entry to survive tenant removal of t1")
	}
}

func TestFetchCollapsesConcurrentMissesViaSingleflight(t *testing.T) {
	c, _ := newTestCache(1, 1000, 1.5)

	var loads atomic.Int64
	loader := func(_ context.Context) (any, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "loaded", nil
	}

	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, err := c.Fetch(context.Background(), "t1", "/rows", nil, time.Minute, nil, loader)
			if err != nil {
				t.Errorf("Fetch error: %v", err)
			}
			results <- v
		}()
	}
	for i := 0; i < 8; i++ {
		<-results
	}

	if loads.Load() != 1 {
		t.Errorf("loader called %d times, want 1 (singleflight collapse)", loads.Load())
	}
}

// Fairness: a tenant that keeps writing past its fair share gets its own
// entries evicted before it starves other tenants' occupancy.
func TestFairnessCapEvictsNoisyTenantFirst(t *testing.T) {
	c, _ := newTestCache(8, 20, 1.0) // maxSize=20, 2 tenants => fair share 10 each

	for i := 0; i < 5; i++ {
		c.Put("quiet", fmt.Sprintf("/p%d", i), nil, i, time.Minute, nil)
	}
	for i := 0; i < 30; i++ {
		c.Put("noisy", fmt.Sprintf("/p%d", i), nil, i, time.Minute, nil)
	}

	stats := c.Stats()
	if stats.ByTenant["quiet"] != 5 {
		t.Errorf("quiet tenant's entries = %d, want 5 (should be untouched)", stats.ByTenant["quiet"])
	}
	if stats.ByTenant["noisy"] > 15 {
		t.Errorf("noisy tenant's entries = %d, want capped well below 30", stats.ByTenant["noisy"])
	}
}
