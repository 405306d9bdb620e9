package agentserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus metrics, registered on the
// caller's registry.
type Metrics struct {
	EnsureTotal          *prometheus.CounterVec
	ReadinessWaitSeconds prometheus.Histogram
	ExposeFailuresTotal  prometheus.Counter
}

// NewMetrics registers coordinator metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		EnsureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "server",
			Name:      "ensure_total",
			Help:      "Ensure calls by outcome (started/reused/recovered/failed).",
		}, []string{"outcome"}),

		ReadinessWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "server",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for the agent server port to come up.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		ExposeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "server",
			Name:      "expose_failures_total",
			Help:      "Port exposure attempts that failed (non-fatal).",
		}),
	}

	reg.MustRegister(m.EnsureTotal, m.ReadinessWaitSeconds, m.ExposeFailuresTotal)
	return m
}
