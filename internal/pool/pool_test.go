package pool

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/registry"
	"github.com/adscale/sheetgate/internal/sheeterr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient hands out a distinct opaque handle per Open call and counts
// dials, standing in for the real Google Sheets client in tests.
type fakeClient struct {
	opens atomic.Int64
}

type fakeHandle struct{ n int64 }

func (c *fakeClient) Open(_ context.Context, _ string) (Handle, error) {
	return &fakeHandle{n: c.opens.Add(1)}, nil
}
func (c *fakeClient) LoadInfo(_ context.Context, _ Handle) error { return nil }
func (c *fakeClient) EnsureSheet(_ context.Context, _ Handle, title string, headers []string) (Sheet, error) {
	return Sheet{Title: title, Headers: headers}, nil
}
func (c *fakeClient) GetRows(_ context.Context, _ Handle, _ Sheet, _ string) ([]Row, error) {
	return nil, nil
}
func (c *fakeClient) AddRows(_ context.Context, _ Handle, _ Sheet, _ []Row) error   { return nil }
func (c *fakeClient) UpdateRow(_ context.Context, _ Handle, _ Sheet, _ string, _ Row) error {
	return nil
}
func (c *fakeClient) DeleteRow(_ context.Context, _ Handle, _ Sheet, _ string) error { return nil }
func (c *fakeClient) Close(_ context.Context, _ Handle) error                        { return nil }

func newTestPool(t *testing.T, cfg Config, tenants map[string]registry.Tenant) (*Pool, *fakeClient) {
	t.Helper()
	bus := eventbus.New()
	reg, err := registry.New(context.Background(), registry.NewStaticSource(tenants), bus, testLogger())
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	client := &fakeClient{}
	p := New(cfg, reg, bus, client, testLogger())
	t.Cleanup(p.Close)
	return p, client
}

func baseConfig() Config {
	return Config{
		MaxGlobalConnections: 10,
		MaxPerTenant:         1,
		AcquireTimeout:       50 * time.Millisecond,
		WaiterHighWatermark:  4,
		ConnectionTTL:        time.Hour,
		SweepInterval:        time.Hour,
		PerTenantMaxRequests: 80,
		PerTenantWindow:      100 * time.Second,
	}
}

// Scenario 5 (spec.md §8): bucket capacity=2, window=1000ms. Third
// back-to-back acquire is rate-limited; after the window it succeeds again.
func TestAcquireRateLimitBackoff(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPerTenant = 10
	cfg.PerTenantMaxRequests = 2
	cfg.PerTenantWindow = 1000 * time.Millisecond

	p, _ := newTestPool(t, cfg, map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		conn, err := p.Acquire(ctx, "t1")
		if err != nil {
			t.Fatalf("acquire %d: unexpected error %v", i, err)
		}
		p.Release(ctx, conn, nil)
	}

	_, err := p.Acquire(ctx, "t1")
	se, ok := sheeterr.As(err)
	if !ok || se.Code != sheeterr.CodeRateLimited {
		t.Fatalf("3rd acquire: expected rate-limited, got %v", err)
	}
	if se.RetryAfter <= 0 || se.RetryAfter > 1100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want ~1s", se.RetryAfter)
	}

	time.Sleep(1050 * time.Millisecond)
	conn, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire after window: unexpected error %v", err)
	}
	p.Release(ctx, conn, nil)
}

// Scenario 6 (spec.md §8): maxConcurrentPerTenant=1, acquireTimeout=50ms.
// With no waiter queue, a second acquire while the first is held fails fast
// with pool-exhausted; once the first is released a new acquire succeeds.
func TestAcquirePoolExhaustionAndRelease(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPerTenant = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	cfg.WaiterHighWatermark = 0 // no queuing: fail fast

	p, _ := newTestPool(t, cfg, map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("first acquire: unexpected error %v", err)
	}

	_, err = p.Acquire(ctx, "t1")
	se, ok := sheeterr.As(err)
	if !ok || se.Code != sheeterr.CodePoolExhausted {
		t.Fatalf("second acquire: expected pool-exhausted, got %v", err)
	}

	p.Release(ctx, held, nil)

	conn, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire after release: unexpected error %v", err)
	}
	p.Release(ctx, conn, nil)
}

// With waiters allowed, a blocked acquire succeeds as soon as the holder
// releases, without waiting out the full acquireTimeout.
func TestAcquireQueuedWaiterUnblocksOnRelease(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPerTenant = 1
	cfg.AcquireTimeout = 500 * time.Millisecond
	cfg.WaiterHighWatermark = 4

	p, _ := newTestPool(t, cfg, map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("first acquire: unexpected error %v", err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		conn, err := p.Acquire(ctx, "t1")
		if err == nil {
			p.Release(ctx, conn, nil)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(ctx, held, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued acquire: unexpected error %v", err)
		}
		if elapsed := time.Since(start); elapsed >= cfg.AcquireTimeout {
			t.Errorf("queued acquire took %v, expected to unblock well before the %v timeout", elapsed, cfg.AcquireTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire never returned")
	}
}

func TestAcquireUnknownTenant(t *testing.T) {
	p, _ := newTestPool(t, baseConfig(), map[string]registry.Tenant{})

	_, err := p.Acquire(context.Background(), "ghost")
	se, ok := sheeterr.As(err)
	if !ok || se.Code != sheeterr.CodeTenantUnknown {
		t.Fatalf("expected tenant-unknown, got %v", err)
	}
}

func TestAcquireDisabledTenant(t *testing.T) {
	p, _ := newTestPool(t, baseConfig(), map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: false},
	})

	_, err := p.Acquire(context.Background(), "t1")
	se, ok := sheeterr.As(err)
	if !ok || se.Code != sheeterr.CodeTenantUnknown {
		t.Fatalf("expected tenant-unknown for disabled tenant, got %v", err)
	}
}

func TestGlobalBudgetEvictsAcrossTenants(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxGlobalConnections = 1
	cfg.MaxPerTenant = 1
	cfg.PerTenantMaxRequests = 80

	p, client := newTestPool(t, cfg, map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
		"t2": {ID: "t2", SheetRef: "sheet-2", Enabled: true},
	})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire t1: %v", err)
	}
	p.Release(ctx, c1, nil) // now idle, evictable

	c2, err := p.Acquire(ctx, "t2")
	if err != nil {
		t.Fatalf("acquire t2 should evict t1's idle connection: %v", err)
	}
	p.Release(ctx, c2, nil)

	if client.opens.Load() != 2 {
		t.Errorf("expected 2 dials (one per tenant), got %d", client.opens.Load())
	}
	if got := p.Stats().TotalConnections; got != 1 {
		t.Errorf("TotalConnections = %d, want 1 (global budget enforced)", got)
	}
}

func TestClearDrainsTenantOnRemoval(t *testing.T) {
	bus := eventbus.New()
	reg, err := registry.New(context.Background(), registry.NewStaticSource(map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	}), bus, testLogger())
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	client := &fakeClient{}
	p := New(baseConfig(), reg, bus, client, testLogger())
	t.Cleanup(p.Close)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, conn, nil)

	if err := reg.Remove(ctx, "t1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got := p.Stats().TotalConnections; got != 0 {
		t.Errorf("TotalConnections after tenant removal = %d, want 0", got)
	}
}

func TestReleaseWithFatalErrorDiscardsConnection(t *testing.T) {
	p, client := newTestPool(t, baseConfig(), map[string]registry.Tenant{
		"t1": {ID: "t1", SheetRef: "sheet-1", Enabled: true},
	})
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, conn, &ClientError{Class: ClassFatal, Message: "boom"})

	if got := p.Stats().TotalConnections; got != 0 {
		t.Errorf("TotalConnections after fatal release = %d, want 0 (discarded)", got)
	}

	conn2, err := p.Acquire(ctx, "t1")
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	p.Release(ctx, conn2, nil)

	if client.opens.Load() != 2 {
		t.Errorf("expected a fresh dial after discard, opens = %d", client.opens.Load())
	}
}
