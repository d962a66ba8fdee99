package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adscale/sheetgate/internal/telemetry"
)

// WarmConfig bounds the predictive warmer (spec.md §4.4, optional /
// non-authoritative).
type WarmConfig struct {
	Threshold      int
	Window         time.Duration
	BatchSize      int
	Workers        int
}

// WarmLoader performs the actual read for a predicted-hot path. The Warmer
// does not write into the cache itself; whether the read populates it is up
// to the loader.
type WarmLoader func(ctx context.Context, tenantID, pathTemplate string) error

// Warmer tracks per-(tenant, pathTemplate) fixed-window access counts and
// submits a cancellable warm job once a path crosses the prediction
// threshold.
type Warmer struct {
	cfg    WarmConfig
	loader WarmLoader
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]*window

	jobs      chan warmJob
	tokensMu  sync.Mutex
	tokens    int
	stop      chan struct{}
	stopOnce  sync.Once
}

type window struct {
	count       int
	windowStart time.Time
}

type warmJob struct {
	tenantID     string
	pathTemplate string
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewWarmer starts cfg.Workers background goroutines draining warm jobs,
// and a ticker that resets the per-cycle rate-token budget.
func NewWarmer(cfg WarmConfig, loader WarmLoader, logger *slog.Logger) *Warmer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	w := &Warmer{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		counters: make(map[string]*window),
		jobs:     make(chan warmJob, 256),
		tokens:   cfg.BatchSize,
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		go w.runWorker()
	}
	go w.resetTokensLoop()
	return w
}

func (w *Warmer) runWorker() {
	for {
		select {
		case <-w.stop:
			return
		case job := <-w.jobs:
			w.runJob(job)
		}
	}
}

func (w *Warmer) runJob(job warmJob) {
	defer job.cancel()

	if !w.takeToken() {
		return // over the per-cycle warm budget; drop this cycle's prediction
	}
	select {
	case <-job.ctx.Done():
		return
	default:
	}
	if err := w.loader(job.ctx, job.tenantID, job.pathTemplate); err != nil {
		w.logger.Warn("warm job failed", "tenant", job.tenantID, "path", job.pathTemplate, "error", err)
		return
	}
	telemetry.CacheWarmJobsTotal.Inc()
}

func (w *Warmer) takeToken() bool {
	w.tokensMu.Lock()
	defer w.tokensMu.Unlock()
	if w.tokens <= 0 {
		return false
	}
	w.tokens--
	return true
}

func (w *Warmer) resetTokensLoop() {
	ticker := time.NewTicker(w.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tokensMu.Lock()
			w.tokens = w.cfg.BatchSize
			w.tokensMu.Unlock()
		}
	}
}

// RecordAccess registers one access to (tenantID, pathTemplate), enqueuing a
// warm job the instant the window's count reaches Threshold. The window is
// fixed: the first access after Window has elapsed starts a new window with
// a count of zero, rather than dropping only the expired accesses.
func (w *Warmer) RecordAccess(tenantID, pathTemplate string) {
	key := tenantID + "\x00" + pathTemplate
	now := time.Now()

	w.mu.Lock()
	win, ok := w.counters[key]
	if !ok || now.Sub(win.windowStart) > w.cfg.Window {
		win = &window{windowStart: now}
		w.counters[key] = win
	}
	win.count++
	crossed := win.count == w.cfg.Threshold
	w.mu.Unlock()

	if !crossed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Window)
	select {
	case w.jobs <- warmJob{tenantID: tenantID, pathTemplate: pathTemplate, ctx: ctx, cancel: cancel}:
	default:
		cancel() // job queue saturated; drop rather than block the caller's request path
	}
}

// Close stops the warmer's background goroutines.
func (w *Warmer) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
