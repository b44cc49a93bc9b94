package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Codebox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Stream metrics.
	OutputBytesTotal prometheus.Counter
	InputsTotal      *prometheus.CounterVec

	// Gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WSConnectionsActive prometheus.Gauge

	// Janitor metrics.
	LeakedContainersSwept prometheus.Counter
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebox",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently executing.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "session",
			Name:      "total",
			Help:      "Total finished sessions by terminal state.",
		}, []string{"state"}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codebox",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall-clock session duration from start to teardown.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		OutputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "stream",
			Name:      "output_bytes_total",
			Help:      "Total sandbox output bytes relayed to clients.",
		}),

		InputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "stream",
			Name:      "inputs_total",
			Help:      "Total input submissions by outcome.",
		}, []string{"outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codebox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		WSConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebox",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Number of open websocket connections.",
		}),

		LeakedContainersSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "janitor",
			Name:      "leaked_containers_swept_total",
			Help:      "Containers removed by the janitor sweep.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.OutputBytesTotal,
		m.InputsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WSConnectionsActive,
		m.LeakedContainersSwept,
	)

	return m
}
