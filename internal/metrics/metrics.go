package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envelope_vault"

// Remote peers the workflows call.
const (
	PeerKMS     = "kms"
	PeerStorage = "storage"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowErrors   *prometheus.CounterVec
	workflowBytes    *prometheus.CounterVec

	remoteCallsTotal   *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec
	remoteCallErrors   *prometheus.CounterVec

	cryptoOperations *prometheus.CounterVec
	cryptoDuration   *prometheus.HistogramVec

	listCacheLookups *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
}

// NewMetrics creates metrics registered on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWithRegistry(reg)
}

// NewMetricsWithRegistry creates a metrics instance on a caller-owned registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_bytes_total",
				Help:      "Total bytes transferred in HTTP responses",
			},
			[]string{"method", "path"},
		),
		workflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Total number of completed seal/open/list workflows",
			},
			[]string{"workflow"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "End-to-end workflow duration in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"workflow"},
		),
		workflowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_errors_total",
				Help:      "Total number of failed workflows by error kind",
			},
			[]string{"workflow", "kind"},
		),
		workflowBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_bytes_total",
				Help:      "Total plaintext bytes sealed or opened",
			},
			[]string{"workflow"},
		),
		remoteCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of calls to the KMS and storage service",
			},
			[]string{"peer", "operation"},
		),
		remoteCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Remote call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"peer", "operation"},
		),
		remoteCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_call_errors_total",
				Help:      "Total number of failed remote calls",
			},
			[]string{"peer", "operation", "error_type"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_operations_total",
				Help:      "Total number of local cipher and key wrap operations",
			},
			[]string{"operation"},
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crypto_duration_seconds",
				Help:      "Local crypto operation duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		listCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "list_cache_lookups_total",
				Help:      "File listing cache lookups by result",
			},
			[]string{"result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of in-flight HTTP requests",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_total",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordWorkflow records a successful workflow.
func (m *Metrics) RecordWorkflow(workflow string, duration time.Duration, bytes int64) {
	m.workflowsTotal.WithLabelValues(workflow).Inc()
	m.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	if bytes > 0 {
		m.workflowBytes.WithLabelValues(workflow).Add(float64(bytes))
	}
}

// RecordWorkflowError records a failed workflow by its error kind.
func (m *Metrics) RecordWorkflowError(workflow, kind string) {
	m.workflowErrors.WithLabelValues(workflow, kind).Inc()
}

// RecordRemoteCall records a call to the KMS or storage service.
func (m *Metrics) RecordRemoteCall(peer, operation string, duration time.Duration) {
	m.remoteCallsTotal.WithLabelValues(peer, operation).Inc()
	m.remoteCallDuration.WithLabelValues(peer, operation).Observe(duration.Seconds())
}

// RecordRemoteError records a failed remote call.
func (m *Metrics) RecordRemoteError(peer, operation, errorType string) {
	m.remoteCallErrors.WithLabelValues(peer, operation, errorType).Inc()
}

// RecordCryptoOperation records a local encrypt, decrypt, wrap or unwrap.
func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration) {
	m.cryptoOperations.WithLabelValues(operation).Inc()
	m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordListCache records a listing cache hit or miss.
func (m *Metrics) RecordListCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.listCacheLookups.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates goroutine and memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// IncrementActiveConnections increments the active connections gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
