package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the admin surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sheetgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// --- Connection pool ---

var PoolAcquiresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Total pool acquire attempts by outcome.",
	},
	[]string{"outcome"}, // hit (any successful acquire), tenant_unknown, rate_limited, pool_exhausted, auth_failure, timeout, error
)

var PoolEvictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Total idle connections evicted.",
	},
)

var PoolActiveConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sheetgate",
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Currently in-use connections across all tenants.",
	},
)

var PoolIdleConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sheetgate",
		Subsystem: "pool",
		Name:      "idle_connections",
		Help:      "Currently idle connections across all tenants.",
	},
)

// --- Batch coordinator ---

var BatchEnqueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "batch",
		Name:      "enqueued_total",
		Help:      "Total operations enqueued into batch queues.",
	},
)

var BatchFlushedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "batch",
		Name:      "flushed_total",
		Help:      "Total batch flushes executed.",
	},
)

var BatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "sheetgate",
		Subsystem: "batch",
		Name:      "size",
		Help:      "Number of operations applied per flush.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
	},
)

var BatchErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "batch",
		Name:      "errors_total",
		Help:      "Total batch flush errors.",
	},
)

// --- Cache ---

var CacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits.",
	},
)

var CacheMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses.",
	},
)

var CacheEvictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total cache entries evicted (LRU or fairness cap).",
	},
)

var CacheInvalidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total cache invalidations by trigger event.",
	},
	[]string{"event"},
)

var CacheWarmJobsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetgate",
		Subsystem: "cache",
		Name:      "warm_jobs_total",
		Help:      "Total predictive warm jobs executed.",
	},
)

// All returns all SheetGate-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PoolAcquiresTotal,
		PoolEvictionsTotal,
		PoolActiveConnections,
		PoolIdleConnections,
		BatchEnqueuedTotal,
		BatchFlushedTotal,
		BatchSize,
		BatchErrorsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheInvalidationsTotal,
		CacheWarmJobsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
