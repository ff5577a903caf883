package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvexplorer"

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, route, status string, duration time.Duration)

	// Store Metrics
	RecordConnectionOpen(backend string, err error, duration time.Duration)
	RecordStoreOperation(operation, backend string, err error, duration time.Duration)

	// Credential Metrics
	RecordCredentialFailure(reason string)

	// Export
	GetMetricsHandler() http.Handler
	GetMetricsSnapshot() map[string]interface{}

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Store Metrics
	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	connectionOpensTotal   *prometheus.CounterVec
	connectionOpenDuration *prometheus.HistogramVec

	// Credential Metrics
	credentialFailuresTotal *prometheus.CounterVec

	totalRequests uint64
	totalErrors   uint64
}

// NewManager creates a new metrics manager, or a no-op one when metrics are
// disabled
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	manager := &metricsManager{registry: prometheus.NewRegistry()}
	manager.initializeMetrics()
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations",
		},
		[]string{"operation", "backend", "status"},
	)

	m.storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	m.connectionOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_opens_total",
			Help:      "Total store connection attempts",
		},
		[]string{"backend", "status"},
	)

	m.connectionOpenDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_open_duration_seconds",
			Help:      "Time spent opening store connections in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	m.credentialFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "failures_total",
			Help:      "Requests rejected for missing or invalid credentials",
		},
		[]string{"reason"},
	)

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.connectionOpensTotal,
		m.connectionOpenDuration,
		m.credentialFailuresTotal,
	)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrInvalidCursor):
		return "invalid_cursor"
	case errors.Is(err, store.ErrConnect):
		return "connect_error"
	}
	return "failure"
}

func (m *metricsManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	atomic.AddUint64(&m.totalRequests, 1)
	if len(status) > 0 && status[0] == '5' {
		atomic.AddUint64(&m.totalErrors, 1)
	}
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *metricsManager) RecordConnectionOpen(backend string, err error, duration time.Duration) {
	m.connectionOpensTotal.WithLabelValues(backend, statusLabel(err)).Inc()
	m.connectionOpenDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func (m *metricsManager) RecordStoreOperation(operation, backend string, err error, duration time.Duration) {
	m.storeOperationsTotal.WithLabelValues(operation, backend, statusLabel(err)).Inc()
	m.storeOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func (m *metricsManager) RecordCredentialFailure(reason string) {
	m.credentialFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) GetMetricsSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":      time.Now().Unix(),
		"namespace":      namespace,
		"total_requests": atomic.LoadUint64(&m.totalRequests),
		"total_errors":   atomic.LoadUint64(&m.totalErrors),
	}
}

// Middleware records every request under its route template so that path
// parameters do not explode label cardinality
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {}
func (n *noopManager) RecordConnectionOpen(backend string, err error, duration time.Duration) {}
func (n *noopManager) RecordStoreOperation(operation, backend string, err error, duration time.Duration) {
}
func (n *noopManager) RecordCredentialFailure(reason string)      {}
func (n *noopManager) GetMetricsHandler() http.Handler            { return http.NotFoundHandler() }
func (n *noopManager) GetMetricsSnapshot() map[string]interface{} { return nil }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

var _ store.Recorder = (Manager)(nil)
