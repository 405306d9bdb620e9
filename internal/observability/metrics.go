package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the coordinator.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Proxy metrics.
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxStartsTotal  *prometheus.CounterVec
	SandboxScanDuration prometheus.Histogram

	// Server liveness.
	ServerUp *prometheus.GaugeVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total requests forwarded to the agent server.",
		}, []string{"method", "status_code"}),

		ProxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Forwarded request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"method"}),

		SandboxStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "sandbox",
			Name:      "process_starts_total",
			Help:      "Total sandbox process spawns.",
		}, []string{"status"}),

		SandboxScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "sandbox",
			Name:      "scan_duration_seconds",
			Help:      "Process table scan duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		ServerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openhands",
			Subsystem: "server",
			Name:      "up",
			Help:      "1 when a live agent server is present on the port, 0 otherwise.",
		}, []string{"port"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openhands",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProxyRequestsTotal,
		m.ProxyRequestDuration,
		m.SandboxStartsTotal,
		m.SandboxScanDuration,
		m.ServerUp,
		m.ActiveRequests,
	)

	return m
}

// SetServerUp records liveness of the agent server on a port.
func (m *MetricsCollector) SetServerUp(port int, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.ServerUp.WithLabelValues(strconv.Itoa(port)).Set(v)
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
