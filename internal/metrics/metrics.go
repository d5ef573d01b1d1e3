// Package metrics registers the Prometheus collectors of mongokeeper.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal counts guarded operations by outcome.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongokeeper_operations_total",
			Help: "Guarded operations by name and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongokeeper_operation_duration_seconds",
			Help:    "Duration of guarded operations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"operation"},
	)

	retentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongokeeper_retention_deleted_total",
			Help: "Artifacts removed by retention cleanup",
		},
		[]string{"kind"},
	)

	retentionFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongokeeper_retention_failed_total",
			Help: "Artifacts retention cleanup could not remove",
		},
		[]string{"kind"},
	)

	// HTTPRequestsTotal counts HTTP requests by route pattern.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongokeeper_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes HTTP request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongokeeper_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveOperation records the outcome and duration of one operation.
func ObserveOperation(operation, status string, d time.Duration) {
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveRetention records a cleanup pass over kind.
func ObserveRetention(kind string, deleted, failed int) {
	if deleted > 0 {
		retentionDeleted.WithLabelValues(kind).Add(float64(deleted))
	}
	if failed > 0 {
		retentionFailed.WithLabelValues(kind).Add(float64(failed))
	}
}
