package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	CacheRateLimitSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cache_rate_limit_saved_total",
			Help: "Platform lookups avoided by cache hits",
		},
	)

	// Queue metrics
	InboundEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_inbound_enqueued_total",
			Help: "Inbound items enqueued by the fetcher",
		},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetch_errors_total",
			Help: "Per-channel fetch failures",
		},
		[]string{"channel"},
	)

	Processed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_processed_total",
			Help: "Inbound items processed by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "timeout", "blocked"
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_generation_duration_seconds",
			Help:    "Generation call duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	Sent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sent_total",
			Help: "Outbound items by send outcome",
		},
		[]string{"outcome"}, // "sent", "retry", "error", "blocked"
	)

	// Loop prevention metrics
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_guard_decisions_total",
			Help: "Loop-prevention decisions",
		},
		[]string{"check", "decision"},
	)

	EmergencyStop = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_emergency_stop",
			Help: "1 while the emergency stop is active",
		},
	)

	// Lock and scheduler metrics
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_lock_wait_seconds",
			Help:    "Time spent waiting for the mutual-exclusion lock",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	LockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_lock_timeouts_total",
			Help: "Lock acquisitions that timed out",
		},
	)

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_scheduler_ticks_total",
			Help: "Scheduler ticks by phase",
		},
		[]string{"phase"},
	)

	ConsecutiveErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_scheduler_consecutive_errors",
			Help: "Current consecutive scheduler failures",
		},
	)

	MonitorCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_monitor_cleanups_total",
			Help: "Stuck-operation monitor actions",
		},
		[]string{"action"}, // "cancel", "kill", "requeue", "lock"
	)
)
