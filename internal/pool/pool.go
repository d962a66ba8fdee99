// Package pool implements the per-tenant Connection Pool: rate limiting,
// lazy dialing, idle reuse, and a global cross-tenant connection budget
// enforced by LRU eviction (spec.md §4.2).
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/registry"
	"github.com/adscale/sheetgate/internal/retrypolicy"
	"github.com/adscale/sheetgate/internal/sheeterr"
	"github.com/adscale/sheetgate/internal/telemetry"
)

// Config bounds the pool's resource usage. All fields are required.
type Config struct {
	MaxGlobalConnections int
	MaxPerTenant         int
	AcquireTimeout       time.Duration
	WaiterHighWatermark  int
	ConnectionTTL        time.Duration
	SweepInterval        time.Duration

	PerTenantMaxRequests int
	PerTenantWindow      time.Duration

	// DialRetryMaxElapsed/DialBackoffCap bound the transient-dial retry
	// policy (spec.md §4.2/§9). Zero values disable retry backoff (a single
	// attempt), which is fine for tests whose DocumentClient fakes never
	// return transient errors.
	DialRetryMaxElapsed time.Duration
	DialBackoffCap      time.Duration
}

// Pool is the top-level Connection Pool component. It owns one tenantPool
// and one rateBucket per active tenant, plus the global connection budget
// shared across all of them.
type Pool struct {
	cfg      Config
	registry *registry.Registry
	client   DocumentClient
	retry    *retrypolicy.Policy
	logger   *slog.Logger

	mu       sync.Mutex
	tenant   map[string]*tenantPool
	rate     map[string]*rateBucket
	unusable map[string]bool // tenants with a fatal auth failure, cleared on config reload

	totalConns atomic.Int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Pool and starts its background TTL sweep goroutine. It
// subscribes to eventbus.TenantRemoved so a deregistered tenant's
// connections are closed promptly rather than waiting for the sweep, and to
// eventbus.ConfigUpdate so a tenant marked unusable after a fatal auth
// failure (spec.md §4.2) is eligible to dial again once config is reloaded.
func New(cfg Config, reg *registry.Registry, bus *eventbus.Bus, client DocumentClient, logger *slog.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		registry:  reg,
		client:    client,
		retry:     retrypolicy.New(cfg.DialRetryMaxElapsed, cfg.DialBackoffCap),
		logger:    logger,
		tenant:    make(map[string]*tenantPool),
		rate:      make(map[string]*rateBucket),
		unusable:  make(map[string]bool),
		stopSweep: make(chan struct{}),
	}

	bus.Subscribe(eventbus.TenantRemoved, func(ctx context.Context, payload eventbus.Payload) error {
		return p.Clear(ctx, payload.TenantID)
	})
	bus.Subscribe(eventbus.ConfigUpdate, func(_ context.Context, payload eventbus.Payload) error {
		p.clearUnusable(payload.TenantID)
		return nil
	})

	go p.sweepLoop()
	return p
}

func (p *Pool) isUnusable(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unusable[tenantID]
}

func (p *Pool) markUnusable(tenantID string) {
	p.mu.Lock()
	p.unusable[tenantID] = true
	p.mu.Unlock()
	p.logger.Error("tenant connections marked unusable after a fatal auth failure", "tenant", tenantID)
}

// clearUnusable reinstates tenantID (or every tenant, if tenantID is empty —
// a full config reload) after config has been reloaded.
func (p *Pool) clearUnusable(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tenantID == "" {
		p.unusable = make(map[string]bool)
		return
	}
	delete(p.unusable, tenantID)
}

func (p *Pool) tenantPoolFor(tenantID string) *tenantPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	tp, ok := p.tenant[tenantID]
	if !ok {
		tp = newTenantPool(tenantID, p.cfg.MaxPerTenant, p.cfg.AcquireTimeout, p.cfg.WaiterHighWatermark)
		p.tenant[tenantID] = tp
	}
	return tp
}

func (p *Pool) rateBucketFor(tenantID string) *rateBucket {
	p.mu.Lock()
	defer p.mu.Unlock()

	rb, ok := p.rate[tenantID]
	if !ok {
		rb = newRateBucket(p.cfg.PerTenantMaxRequests, p.cfg.PerTenantWindow)
		p.rate[tenantID] = rb
	}
	return rb
}

// Acquire resolves the tenant, consults its rate bucket, and returns a
// connection: reused from idle, freshly dialed, or awaited, per spec.md
// §4.2's acquire algorithm. The returned error is always a *sheeterr.Error.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Connection, error) {
	t, err := p.registry.Resolve(ctx, tenantID)
	if err != nil {
		telemetry.PoolAcquiresTotal.WithLabelValues("tenant_unknown").Inc()
		return nil, sheeterr.Wrap(sheeterr.CodeTenantUnknown, fmt.Sprintf("tenant %s is not registered", tenantID), err)
	}
	if !t.Enabled {
		telemetry.PoolAcquiresTotal.WithLabelValues("tenant_unknown").Inc()
		return nil, sheeterr.New(sheeterr.CodeTenantUnknown, fmt.Sprintf("tenant %s is disabled", tenantID))
	}

	if ok, retryAfter := p.rateBucketFor(tenantID).tryTake(); !ok {
		telemetry.PoolAcquiresTotal.WithLabelValues("rate_limited").Inc()
		return nil, sheeterr.New(sheeterr.CodeRateLimited, "tenant request rate exceeded").WithRetryAfter(retryAfter)
	}

	tp := p.tenantPoolFor(tenantID)
	conn, err := tp.acquire(ctx, func(ctx context.Context) (*Connection, error) {
		return p.dial(ctx, t)
	})
	if err != nil {
		if conn != nil {
			// Dialed just as the tenant pool was closed: close it here.
			p.closeConn(ctx, conn)
		}
		telemetry.PoolAcquiresTotal.WithLabelValues(acquireOutcome(err)).Inc()
		return nil, toSheetErr(err)
	}

	telemetry.PoolAcquiresTotal.WithLabelValues("hit").Inc()
	p.refreshGauges()
	return conn, nil
}

// dial opens a brand-new remote connection, making room in the global budget
// by evicting the globally least-recently-used idle connection if full.
//
// Auth failures are sub-classified per spec.md §4.2: the first attempt is
// retried exactly once, as if with freshly refreshed credentials
// (retrypolicy.RetryAuthOnce); if the retry still fails the failure is
// fatal, the tenant's connections are marked unusable until the next config
// reload, and the error bubbles up. Other transient open/loadInfo errors are
// retried with backoff and jitter (retrypolicy.Policy.RetryTransient).
func (p *Pool) dial(ctx context.Context, t registry.Tenant) (*Connection, error) {
	if p.isUnusable(t.ID) {
		return nil, sheeterr.New(sheeterr.CodeAuthFailure, fmt.Sprintf("tenant %s connections disabled since the last fatal auth failure; reload config to retry", t.ID))
	}
	if int(p.totalConns.Load()) >= p.cfg.MaxGlobalConnections {
		if !p.evictOneGlobally(ctx) {
			return nil, sheeterr.New(sheeterr.CodePoolExhausted, "global connection budget exhausted")
		}
	}

	h, err := p.openAndLoad(ctx, t.SheetRef)
	if err != nil {
		ce, isClientErr := err.(*ClientError)
		switch {
		case isClientErr && ce.Class == ClassAuth:
			// RetryAuthOnce starts by running op; the first attempt has already
			// failed above, so that first call reports err instead of dialing
			// again, and only the call after the refresh opens a new handle.
			firstFailed := true
			retryErr := retrypolicy.RetryAuthOnce(ctx,
				func(context.Context) error {
					// Credential refresh itself happens inside the
					// DocumentClient's token source on the next call; the
					// Pool's role is only to decide whether a second
					// attempt is warranted.
					return nil
				},
				func(ctx context.Context) error {
					if firstFailed {
						firstFailed = false
						return err
					}
					retried, retryOpenErr := p.openAndLoad(ctx, t.SheetRef)
					if retryOpenErr != nil {
						return retryOpenErr
					}
					h = retried
					return nil
				},
			)
			if retryErr != nil {
				p.markUnusable(t.ID)
				return nil, classifyOpenErr(retryErr)
			}
		case isClientErr && ce.Class == ClassTransient:
			retryErr := p.retry.RetryTransient(ctx, func() (struct{}, error) {
				retried, retryOpenErr := p.openAndLoad(ctx, t.SheetRef)
				if retryOpenErr != nil {
					return struct{}{}, retryOpenErr
				}
				h = retried
				return struct{}{}, nil
			})
			if retryErr != nil {
				return nil, classifyOpenErr(retryErr)
			}
		default:
			return nil, classifyOpenErr(err)
		}
	}

	p.totalConns.Add(1)
	now := time.Now()
	return &Connection{
		TenantID:   t.ID,
		Handle:     h,
		SheetRef:   t.SheetRef,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// openAndLoad opens a remote handle and loads its sheet info, closing the
// handle on a LoadInfo failure so a retried attempt never leaks it.
func (p *Pool) openAndLoad(ctx context.Context, sheetRef string) (Handle, error) {
	h, err := p.client.Open(ctx, sheetRef)
	if err != nil {
		return nil, err
	}
	if err := p.client.LoadInfo(ctx, h); err != nil {
		_ = p.client.Close(ctx, h)
		return nil, err
	}
	return h, nil
}

// evictOneGlobally finds the single oldest idle connection across every
// tenant pool and closes it, freeing one slot in the global budget.
func (p *Pool) evictOneGlobally(ctx context.Context) bool {
	p.mu.Lock()
	pools := make([]*tenantPool, 0, len(p.tenant))
	for _, tp := range p.tenant {
		pools = append(pools, tp)
	}
	p.mu.Unlock()

	var oldest *Connection
	var oldestPool *tenantPool
	for _, tp := range pools {
		c := tp.evictOldestIdle()
		if c == nil {
			continue
		}
		if oldest == nil || c.lastUsedAt.Before(oldest.lastUsedAt) {
			if oldest != nil {
				oldestPool.putIdleBack(oldest) // put back the one we're not using
			}
			oldest = c
			oldestPool = tp
		} else {
			tp.putIdleBack(c) // put back, it wasn't the oldest
		}
	}

	if oldest == nil {
		return false
	}
	p.closeConn(ctx, oldest)
	telemetry.PoolEvictionsTotal.Inc()
	return true
}

func (p *Pool) closeConn(ctx context.Context, c *Connection) {
	if err := p.client.Close(ctx, c.Handle); err != nil {
		p.logger.Warn("closing evicted connection", "tenant", c.TenantID, "error", err)
	}
	p.totalConns.Add(-1)
}

// Release returns a connection to its tenant pool, or discards it (closing
// the remote handle) if opErr indicates it is no longer usable.
func (p *Pool) Release(ctx context.Context, conn *Connection, opErr error) {
	discard := opErr != nil
	if ce, ok := opErr.(*ClientError); ok {
		discard = ce.Class == ClassFatal || ce.Class == ClassAuth || ce.Class == ClassConflict
	}

	tp := p.tenantPoolFor(conn.TenantID)
	tp.release(conn, discard)

	if discard {
		p.closeConn(ctx, conn)
	}
	p.refreshGauges()
}

// Clear drains and closes every connection held for tenantID. It is called
// synchronously from the tenant-removal event so no stale connection
// survives a tenant's deregistration.
func (p *Pool) Clear(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	tp, ok := p.tenant[tenantID]
	if ok {
		delete(p.tenant, tenantID)
	}
	delete(p.rate, tenantID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	for _, c := range tp.drain() {
		p.closeConn(ctx, c)
	}
	p.refreshGauges()
	return nil
}

// Stats summarizes live pool usage for the admin surface.
type Stats struct {
	TotalConnections int
	Tenants          []TenantStats
}

// TenantStats is one tenant's slice of Stats, sorted by TenantID.
type TenantStats struct {
	TenantID string
	Active   int
	Idle     int
	Waiting  int
}

// Stats returns a point-in-time snapshot across all tenants.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	tenants := make([]*tenantPool, 0, len(p.tenant))
	for _, tp := range p.tenant {
		tenants = append(tenants, tp)
	}
	p.mu.Unlock()

	out := Stats{TotalConnections: int(p.totalConns.Load())}
	for _, tp := range tenants {
		active, idle, waiting := tp.stats()
		out.Tenants = append(out.Tenants, TenantStats{
			TenantID: tp.tenantID,
			Active:   active,
			Idle:     idle,
			Waiting:  waiting,
		})
	}
	sort.Slice(out.Tenants, func(i, j int) bool { return out.Tenants[i].TenantID < out.Tenants[j].TenantID })
	return out
}

// Close stops the background sweep goroutine. It does not drain tenant
// pools; callers that need a full shutdown should Clear each tenant first.
func (p *Pool) Close() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.doSweep()
		}
	}
}

func (p *Pool) doSweep() {
	cutoff := time.Now().Add(-p.cfg.ConnectionTTL)

	p.mu.Lock()
	tenants := make([]*tenantPool, 0, len(p.tenant))
	for _, tp := range p.tenant {
		tenants = append(tenants, tp)
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, tp := range tenants {
		for _, c := range tp.evictIdleOlderThan(cutoff) {
			p.closeConn(ctx, c)
			telemetry.PoolEvictionsTotal.Inc()
		}
	}
	p.refreshGauges()
}

func (p *Pool) refreshGauges() {
	p.mu.Lock()
	tenants := make([]*tenantPool, 0, len(p.tenant))
	for _, tp := range p.tenant {
		tenants = append(tenants, tp)
	}
	p.mu.Unlock()

	var active, idle int
	for _, tp := range tenants {
		a, i, _ := tp.stats()
		active += a
		idle += i
	}
	telemetry.PoolActiveConnections.Set(float64(active))
	telemetry.PoolIdleConnections.Set(float64(idle))
}

func acquireOutcome(err error) string {
	se, ok := err.(*sheeterr.Error)
	if !ok {
		return "error"
	}
	switch se.Code {
	case sheeterr.CodePoolExhausted:
		return "pool_exhausted"
	case sheeterr.CodeAuthFailure:
		return "auth_failure"
	case sheeterr.CodeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func toSheetErr(err error) error {
	if se, ok := sheeterr.As(err); ok {
		return se
	}
	return sheeterr.Wrap(sheeterr.CodeTimeout, "connection acquire failed", err)
}

func classifyOpenErr(err error) error {
	if ce, ok := err.(*ClientError); ok {
		return classifyClientError(ce)
	}
	return sheeterr.Wrap(sheeterr.CodeTimeout, "opening remote connection failed", err)
}
