// Package metrics provides Prometheus metrics for the blockdoc service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Document operation metrics
	DocOperationsTotal   *prometheus.CounterVec
	DocOperationDuration *prometheus.HistogramVec
	UpdateBytes          *prometheus.HistogramVec
	PendingOps           prometheus.Gauge

	// Registry and storage metrics
	DocumentsOpen      prometheus.Gauge
	RegistryEvictions  prometheus.Counter
	SnapshotsPersisted *prometheus.CounterVec
	UpdateLogBytes     prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg. A nil
// registerer leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockdoc_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockdoc_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdoc_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Document operation metrics
	m.DocOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockdoc_doc_operations_total",
			Help: "Total number of document operations",
		},
		[]string{"operation", "status"},
	)

	m.DocOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockdoc_doc_operation_duration_seconds",
			Help:    "Duration of document operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.UpdateBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockdoc_update_bytes",
			Help:    "Size of encoded updates produced or consumed",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		},
		[]string{"operation"},
	)

	m.PendingOps = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdoc_pending_ops",
			Help: "Operations waiting for causal dependencies, summed over open documents",
		},
	)

	// Registry and storage metrics
	m.DocumentsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdoc_documents_open",
			Help: "Number of documents held in the registry",
		},
	)

	m.RegistryEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "blockdoc_registry_evictions_total",
			Help: "Total number of documents evicted from the registry",
		},
	)

	m.SnapshotsPersisted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockdoc_snapshots_persisted_total",
			Help: "Total number of full-state snapshots written to storage",
		},
		[]string{"status"},
	)

	m.UpdateLogBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "blockdoc_updatelog_bytes_total",
			Help: "Total payload bytes appended to the update log",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockdoc_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until stop is closed
func (m *Metrics) RunUptime(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveOperation records one document operation and the size of the
// update it produced or consumed
func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration, updateBytes int) {
	m.DocOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DocOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if updateBytes > 0 {
		m.UpdateBytes.WithLabelValues(operation).Observe(float64(updateBytes))
	}
}

// RecordSnapshot records a persisted snapshot
func (m *Metrics) RecordSnapshot(status string) {
	m.SnapshotsPersisted.WithLabelValues(status).Inc()
}
