package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics
	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanocl_entities_total",
			Help: "Number of live entities by kind",
		},
		[]string{"kind"},
	)

	VersionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_versions_created_total",
			Help: "Versions appended to history chains by kind",
		},
		[]string{"kind"},
	)

	// Reconciliation metrics
	ApplyActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_apply_actions_total",
			Help: "Per-object apply outcomes by action",
		},
		[]string{"action"},
	)

	RevertActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_revert_actions_total",
			Help: "Per-object revert outcomes by action",
		},
		[]string{"action"},
	)

	ResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_resets_total",
			Help: "Total number of successful entity resets",
		},
	)

	ConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_conflict_retries_total",
			Help: "Updates retried after losing a race for the entity head",
		},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanocl_reconcile_duration_seconds",
			Help:    "Duration of apply, revert and reset operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Change notifier metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_events_published_total",
			Help: "Change events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_events_dropped_total",
			Help: "Event deliveries dropped because a subscriber buffer was full",
		},
	)

	// Proxy projector metrics
	ProjectorWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_projector_writes_total",
			Help: "Gateway files written or removed by operation",
		},
		[]string{"op"},
	)

	ProjectorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_projector_failures_total",
			Help: "Rules skipped because rendering or writing failed",
		},
	)

	ResyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nanocl_projector_resync_duration_seconds",
			Help:    "Time taken by a full gateway resync",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReloadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nanocl_projector_reload_failures_total",
			Help: "Gateway reload commands that failed",
		},
	)

	// Runtime metrics
	RuntimeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_runtime_operations_total",
			Help: "Runtime driver operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanocl_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanocl_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		EntitiesTotal,
		VersionsCreated,
		ApplyActions,
		RevertActions,
		ResetsTotal,
		ConflictRetries,
		ReconcileDuration,
		EventsPublished,
		EventsDropped,
		ProjectorWrites,
		ProjectorFailures,
		ResyncDuration,
		ReloadFailures,
		RuntimeOperations,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
