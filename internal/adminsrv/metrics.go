package adminsrv

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker-wide Prometheus collectors surfaced at /metrics.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	WorkersActive    prometheus.Gauge
	TargetsActive    prometheus.Gauge
	RouteDecisions   *prometheus.CounterVec
	CircuitOpen      prometheus.Gauge
	StorageFlushes   prometheus.Counter
	IPCRequests      *prometheus.CounterVec
}

// NewMetrics registers and returns the broker's metric collectors against
// the given registerer (cmd/broker passes a dedicated
// prometheus.NewRegistry()).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "sessions_active",
			Help:      "Number of active browser sessions.",
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "workers_active",
			Help:      "Number of active workers across all sessions.",
		}),
		TargetsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "targets_active",
			Help:      "Number of open page targets across all sessions.",
		}),
		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "route_decisions_total",
			Help:      "Routing decisions made by the hybrid router, by backend.",
		}, []string{"backend", "fallback"}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "router_circuit_open",
			Help:      "1 if the hybrid router's circuit breaker is currently open.",
		}),
		StorageFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "storage_state_flushes_total",
			Help:      "Number of storage-state snapshots written to disk.",
		}),
		IPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "ipc_requests_total",
			Help:      "IPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.WorkersActive,
		m.TargetsActive,
		m.RouteDecisions,
		m.CircuitOpen,
		m.StorageFlushes,
		m.IPCRequests,
	)
	return m
}
