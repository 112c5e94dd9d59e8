// Package observability provides Prometheus metrics and backend
// instrumentation for docstore.
package observability

import "github.com/prometheus/client_golang/prometheus"

// BackendBuckets defines histogram buckets suited for remote store calls,
// ranging from 1ms to 30s.
var BackendBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

var (
	// BackendOperationsTotal counts backend calls by backend, operation and outcome.
	BackendOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_backend_operations_total",
			Help: "Backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// BackendOperationDuration records backend call latency in seconds.
	BackendOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_backend_operation_duration_seconds",
			Help:    "Backend operation duration",
			Buckets: BackendBuckets,
		},
		[]string{"backend", "operation"},
	)

	// DocumentsTotal counts documents moved through the codec by direction
	// (written/read/deleted).
	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_documents_total",
			Help: "Documents processed",
		},
		[]string{"backend", "direction"},
	)

	// ConnectionsActive tracks open backend connections.
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_connections_active",
			Help: "Active backend connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BackendOperationsTotal,
		BackendOperationDuration,
		DocumentsTotal,
		ConnectionsActive,
	)
}
