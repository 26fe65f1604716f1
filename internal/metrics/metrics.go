// Package metrics exposes the Prometheus instrumentation for the
// registry. Collectors are package-level; callers increment them
// directly and the HTTP server mounts Handler on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValidationsTotal counts validation runs by request kind (check,
	// publish) and outcome (valid, invalid, error).
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "registry",
		Name:      "validations_total",
		Help:      "schema validation runs by request kind and outcome",
	}, []string{
		"kind", "outcome",
	})

	// ValidationDuration tracks wall time of one validation run,
	// composition and diff included.
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "schemahub",
		Subsystem: "registry",
		Name:      "validation_duration_seconds",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		Help:      "wall time of a schema validation run",
	})

	// SchemaChangesTotal counts detected schema changes by criticality.
	SchemaChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "registry",
		Name:      "schema_changes_total",
		Help:      "schema changes detected by the inspector, by criticality",
	}, []string{
		"criticality",
	})

	// BreakingAcceptedTotal counts breaking changes waved through by the
	// accept-breaking-changes flag or a policy rule.
	BreakingAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "registry",
		Name:      "breaking_changes_accepted_total",
		Help:      "breaking changes accepted instead of rejected",
	})

	// CompositionCacheHits / CompositionCacheMisses track the composition
	// cache decorator.
	CompositionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "composition",
		Name:      "cache_hits_total",
		Help:      "composition cache hits",
	})
	CompositionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "composition",
		Name:      "cache_misses_total",
		Help:      "composition cache misses",
	})

	// ExternalRequestsTotal counts calls to the external composition
	// service by result (success, failure, error, open).
	ExternalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "composition",
		Name:      "external_requests_total",
		Help:      "external composition service calls by result",
	}, []string{
		"result",
	})

	// NotifyEventsTotal counts notification deliveries by channel and
	// status (delivered, failed, dropped).
	NotifyEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "notification deliveries by channel and status",
	}, []string{
		"channel", "status",
	})

	// PublishesTotal counts persisted schema versions.
	PublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schemahub",
		Subsystem: "registry",
		Name:      "publishes_total",
		Help:      "schema versions persisted",
	})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
