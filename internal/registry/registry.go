// Package registry implements the Tenant Registry: the authoritative
// tenant → {sheetRef, plan, enabled} mapping that every other SheetGate
// component resolves against.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
)

// ErrNotFound is returned by Resolve when no registry entry exists for a
// tenant. Callers MUST surface this as a 404 rather than falling back to a
// different tenant.
var ErrNotFound = fmt.Errorf("tenant not found")

// Registry is a constructed component created by New (no separate Start;
// LoadAll happens inline); it has no Close method. It holds an in-memory
// read-through cache over whichever Source is configured.
type Registry struct {
	source Source
	bus    *eventbus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]Tenant
}

// New constructs a Registry and performs the initial load from source.
func New(ctx context.Context, source Source, bus *eventbus.Bus, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		source:  source,
		bus:     bus,
		logger:  logger,
		tenants: make(map[string]Tenant),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every tenant from the configured source, replacing the
// in-memory cache wholesale. It fans out eventbus.ConfigUpdate so dependent
// components reset reload-scoped state: the Cache drops config-tagged
// entries, and the Pool clears any tenant it had marked unusable after a
// fatal auth failure (spec.md §4.2).
func (r *Registry) Reload(ctx context.Context) error {
	tenants, err := r.source.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading tenant registry: %w", err)
	}

	r.mu.Lock()
	r.tenants = tenants
	r.mu.Unlock()

	r.logger.Info("tenant registry loaded", "count", len(tenants))

	if err := r.bus.Publish(ctx, eventbus.ConfigUpdate, eventbus.Payload{}); err != nil {
		r.logger.Error("config reload fan-out", "error", err)
	}
	return nil
}

// Resolve returns the Tenant for id, or ErrNotFound. Absent a registry entry,
// the caller MUST NOT silently fall back to a different tenant.
func (r *Registry) Resolve(_ context.Context, id string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// AddOrUpdate idempotently upserts a tenant, both in the backing source (if
// it supports mutation) and in the in-memory cache.
func (r *Registry) AddOrUpdate(ctx context.Context, id string, attrs Attrs) (Tenant, error) {
	if err := r.source.Upsert(ctx, id, attrs); err != nil && err != ErrReadOnly {
		return Tenant{}, fmt.Errorf("persisting tenant %s: %w", id, err)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	existing, had := r.tenants[id]
	t := Tenant{
		ID:        id,
		SheetRef:  attrs.SheetRef,
		Name:      attrs.Name,
		Plan:      attrs.Plan,
		Enabled:   attrs.Enabled,
		Metadata:  attrs.Metadata,
		UpdatedAt: now,
	}
	if had {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	r.tenants[id] = t
	r.mu.Unlock()

	return t, nil
}

// Remove deregisters a tenant. Removal invalidates all tenant-scoped cache
// entries and closes tenant-scoped connections via the event bus, which
// Pool.Clear and Cache.InvalidateTenant subscribe to.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.source.Delete(ctx, id); err != nil && err != ErrReadOnly {
		return fmt.Errorf("removing tenant %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.tenants, id)
	r.mu.Unlock()

	if err := r.bus.Publish(ctx, eventbus.TenantRemoved, eventbus.Payload{TenantID: id}); err != nil {
		r.logger.Error("tenant removal fan-out", "tenant", id, "error", err)
		return fmt.Errorf("fanning out tenant removal for %s: %w", id, err)
	}
	return nil
}

// List enumerates every known tenant, for warm-up/scheduling consumers.
func (r *Registry) List(_ context.Context) []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}
