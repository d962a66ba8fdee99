// Package cache implements the Tenant-Isolated Cache with Dependency
// Invalidation: a request-shape-keyed cache with rule-based invalidation
// triggered by write events and an optional predictive warmer (spec.md
// §4.4).
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/telemetry"
)

// Config bounds cache size and the fairness/TTL policy (spec.md §4.4
// defaults, duplicated from internal/config so this package has no import
// on it).
type Config struct {
	MaxSize       int
	ShardCount    int
	FairnessSlack float64
}

// invalidationRules is the authoritative trigger→tags table from spec.md
// §4.4. SheetTitle/RowID placeholders are filled in from the event payload.
var invalidationRules = map[string][]string{
	eventbus.SheetWrite:   {"insights", "summary", "config", "run_logs", "sheet:{title}"},
	eventbus.RowAdd:       {"aggregated-insights", "sheet:{title}", "summary"},
	eventbus.RowUpdate:    {"sheet:{title}", "row:{id}", "aggregated-insights"},
	eventbus.RowDelete:    {"sheet:{title}", "aggregated-insights"},
	eventbus.ConfigUpdate: {"insights", "summary", "config"},
}

// Cache is the sharded LRU+TTL cache plus its tenant/tag secondary indexes.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	shards []*shard
	sf     singleflight.Group

	mu          sync.Mutex
	tenantKeys  map[string]map[cacheKey]struct{}
	tagKeys     map[string]map[cacheKey]struct{}
	activeTenants map[string]struct{}

	warmer *Warmer
}

// New builds a Cache and wires its invalidation rule table to bus, so that
// a write event synchronously invalidates every dependent entry before the
// write's future resolves (read-your-writes).
func New(cfg Config, bus *eventbus.Bus, logger *slog.Logger) *Cache {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	c := &Cache{
		cfg:           cfg,
		logger:        logger,
		shards:        make([]*shard, cfg.ShardCount),
		tenantKeys:    make(map[string]map[cacheKey]struct{}),
		tagKeys:       make(map[string]map[cacheKey]struct{}),
		activeTenants: make(map[string]struct{}),
	}
	for i := range c.shards {
		c.shards[i] = newShard()
	}

	for event := range invalidationRules {
		ev := event
		bus.Subscribe(ev, func(ctx context.Context, p eventbus.Payload) error {
			return c.InvalidateByRule(ctx, ev, p)
		})
	}
	bus.Subscribe(eventbus.TenantRemoved, func(ctx context.Context, p eventbus.Payload) error {
		c.InvalidateTenant(p.TenantID)
		return nil
	})

	return c
}

func (c *Cache) shardFor(key cacheKey) *shard {
	return c.shards[shardIndex(key, len(c.shards))]
}

// Get looks up (tenantId, path, params); ok is false on miss or expiry.
func (c *Cache) Get(tenantID, path string, params map[string]any) (value any, ok bool) {
	key := computeKey(tenantID, path, params)
	e := c.shardFor(key).get(key, time.Now())
	if e == nil {
		telemetry.CacheMissesTotal.Inc()
		return nil, false
	}
	telemetry.CacheHitsTotal.Inc()
	return e.value, true
}

// Put stores value under (tenantId, path, params) with the given ttl and
// dependency tags, then enforces size/fairness eviction.
func (c *Cache) Put(tenantID, path string, params map[string]any, value any, ttl time.Duration, tags []string) {
	key := computeKey(tenantID, path, params)
	e := &entry{
		key:       key,
		tenantID:  tenantID,
		path:      path,
		value:     value,
		expiresAt: time.Now().Add(ttl),
		tags:      tags,
	}

	replaced := c.shardFor(key).put(e)

	c.mu.Lock()
	if replaced != nil {
		c.removeFromIndexesLocked(replaced)
	}
	c.addToIndexesLocked(e)
	c.activeTenants[tenantID] = struct{}{}
	c.mu.Unlock()

	c.enforceCaps(tenantID)
}

func (c *Cache) addToIndexesLocked(e *entry) {
	tk, ok := c.tenantKeys[e.tenantID]
	if !ok {
		tk = make(map[cacheKey]struct{})
		c.tenantKeys[e.tenantID] = tk
	}
	tk[e.key] = struct{}{}

	for _, tag := range e.tags {
		tg, ok := c.tagKeys[tag]
		if !ok {
			tg = make(map[cacheKey]struct{})
			c.tagKeys[tag] = tg
		}
		tg[e.key] = struct{}{}
	}
}

func (c *Cache) removeFromIndexesLocked(e *entry) {
	if tk, ok := c.tenantKeys[e.tenantID]; ok {
		delete(tk, e.key)
		if len(tk) == 0 {
			delete(c.tenantKeys, e.tenantID)
		}
	}
	for _, tag := range e.tags {
		if tg, ok := c.tagKeys[tag]; ok {
			delete(tg, e.key)
			if len(tg) == 0 {
				delete(c.tagKeys, tag)
			}
		}
	}
}

// enforceCaps evicts entries when the cache is over its global maxSize, or
// when tenantID is over its fair share of it: spec.md §4.4's soft cap
// `maxSize / max(activeTenants,1) * fairnessSlack`. A tenant over its share
// has its own entries evicted first (evictOneFrom); otherwise one entry is
// evicted through evictGlobalLRU.
func (c *Cache) enforceCaps(tenantID string) {
	for c.totalSize() > c.cfg.MaxSize {
		c.mu.Lock()
		n := len(c.activeTenants)
		if n == 0 {
			n = 1
		}
		fairShare := int(float64(c.cfg.MaxSize) / float64(n) * c.cfg.FairnessSlack)
		overTenant := len(c.tenantKeys[tenantID]) > fairShare
		c.mu.Unlock()

		if overTenant {
			if !c.evictOneFrom(tenantID) {
				break
			}
			continue
		}
		if !c.evictGlobalLRU() {
			break
		}
	}
}

func (c *Cache) totalSize() int {
	total := 0
	for _, s := range c.shards {
		total += s.len()
	}
	return total
}

// evictOneFrom removes one of tenantID's own entries: whichever key map
// iteration yields first from its index. Recency of use is not considered.
func (c *Cache) evictOneFrom(tenantID string) bool {
	c.mu.Lock()
	var victim cacheKey
	found := false
	for k := range c.tenantKeys[tenantID] {
		victim = k
		found = true
		break
	}
	c.mu.Unlock()
	if !found {
		return false
	}
	c.removeKey(victim)
	telemetry.CacheEvictionsTotal.Inc()
	return true
}

// evictGlobalLRU takes each shard's LRU tail and evicts, among those tails,
// the one with the earliest expiresAt. The result is not necessarily the
// least recently used entry across all shards.
func (c *Cache) evictGlobalLRU() bool {
	var oldest *entry
	for _, s := range c.shards {
		e := s.oldest()
		if e == nil {
			continue
		}
		if oldest == nil || e.expiresAt.Before(oldest.expiresAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	c.removeKey(oldest.key)
	telemetry.CacheEvictionsTotal.Inc()
	return true
}

func (c *Cache) removeKey(key cacheKey) {
	e := c.shardFor(key).evict(key)
	if e == nil {
		return
	}
	c.mu.Lock()
	c.removeFromIndexesLocked(e)
	c.mu.Unlock()
}

// InvalidateTenant drops every cached entry for tenantID, used on
// deregistration (spec.md §4.4's `tenant:remove` rule).
func (c *Cache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	keys := make([]cacheKey, 0, len(c.tenantKeys[tenantID]))
	for k := range c.tenantKeys[tenantID] {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.removeKey(k)
	}
	c.mu.Lock()
	delete(c.activeTenants, tenantID)
	c.mu.Unlock()
}

// InvalidateByRule applies the authoritative trigger→tags table for event,
// substituting `{title}`/`{id}` placeholders from p, and clearing every
// matching entry. It is always called synchronously from the event bus.
//
// Invalidation is retried once on failure; persistent failure degrades the
// affected keys to must-revalidate instead of removing them, so a later Get
// is forced to treat them as a miss even though they could not be cleanly
// evicted (spec.md §4.4).
func (c *Cache) InvalidateByRule(ctx context.Context, event string, p eventbus.Payload) error {
	tags, ok := invalidationRules[event]
	if !ok {
		return nil
	}

	resolved := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = replacePlaceholder(tag, "{title}", p.SheetTitle)
		tag = replacePlaceholder(tag, "{id}", p.RowID)
		resolved = append(resolved, tag)
	}

	keys := c.matchingKeys(resolved, p.TenantID)

	err := c.invalidateKeys(ctx, keys)
	if err != nil {
		err = c.invalidateKeys(context.Background(), keys)
	}
	if err != nil {
		c.degradeKeys(keys)
		c.logger.Error("cache invalidation failed twice, degrading affected entries to must-revalidate",
			"event", event, "tenant", p.TenantID, "error", err)
		telemetry.CacheInvalidationsTotal.WithLabelValues(event).Add(float64(len(keys)))
		return err
	}

	telemetry.CacheInvalidationsTotal.WithLabelValues(event).Add(float64(len(keys)))
	return nil
}

func (c *Cache) matchingKeys(tags []string, tenantID string) map[cacheKey]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[cacheKey]struct{})
	for _, tag := range tags {
		for k := range c.tagKeys[tag] {
			if tenantID != "" {
				if _, belongsToTenant := c.tenantKeys[tenantID][k]; !belongsToTenant {
					continue
				}
			}
			seen[k] = struct{}{}
		}
	}
	return seen
}

// invalidateKeys removes every key. It fails only if ctx is already done,
// the one failure mode this in-process cache can hit on the synchronous
// event-bus invalidation path (a caller-supplied context that was canceled
// or timed out between publish and this handler running).
func (c *Cache) invalidateKeys(ctx context.Context, keys map[cacheKey]struct{}) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("invalidation context: %w", err)
	}
	for k := range keys {
		c.removeKey(k)
	}
	return nil
}

func (c *Cache) degradeKeys(keys map[cacheKey]struct{}) {
	for k := range keys {
		c.shardFor(k).markMustRevalidate(k)
	}
}

func replacePlaceholder(s, placeholder, value string) string {
	if value == "" {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if i+len(placeholder) <= len(s) && s[i:i+len(placeholder)] == placeholder {
			out = append(out, value...)
			i += len(placeholder)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

// SetWarmer attaches a predictive warmer; Fetch reports every access to it.
// Optional — a Cache with no warmer behaves identically, just without
// pre-warming.
func (c *Cache) SetWarmer(w *Warmer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warmer = w
}

// Fetch is the read-path entrypoint: it checks the cache, and on miss calls
// loader exactly once even under concurrent callers for the same key
// (golang.org/x/sync/singleflight stampede protection), storing the result
// with ttl/tags before returning it.
func (c *Cache) Fetch(ctx context.Context, tenantID, path string, params map[string]any, ttl time.Duration, tags []string, loader func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	w := c.warmer
	c.mu.Unlock()
	if w != nil {
		w.RecordAccess(tenantID, path)
	}

	if v, ok := c.Get(tenantID, path, params); ok {
		return v, nil
	}

	key := computeKey(tenantID, path, params)
	sfKey := fmt.Sprintf("%x", key)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		if v, ok := c.Get(tenantID, path, params); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(tenantID, path, params, v, ttl, tags)
		return v, nil
	})
	return v, err
}

// Stats summarizes cache occupancy for the admin surface.
type Stats struct {
	Entries  int
	ByTenant map[string]int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTenant := make(map[string]int, len(c.tenantKeys))
	total := 0
	for tenant, keys := range c.tenantKeys {
		byTenant[tenant] = len(keys)
		total += len(keys)
	}
	return Stats{Entries: total, ByTenant: byTenant}
}
