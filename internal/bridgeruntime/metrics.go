package bridgeruntime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// runtimeMetrics holds the bridge-local Prometheus series exposed on
// /metrics. A private registry avoids the duplicate-registration panic that
// the global default registry would hit if more than one Runtime is
// constructed in a process (e.g. across tests), mirroring
// internal/httpapi.Server's per-instance registry.
type runtimeMetrics struct {
	registry        *prometheus.Registry
	heartbeatsTotal prometheus.Counter
	runDeltasTotal  prometheus.Counter
	tickFailures    prometheus.Counter
}

func newRuntimeMetrics() *runtimeMetrics {
	reg := prometheus.NewRegistry()
	m := &runtimeMetrics{
		registry: reg,
		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patze_bridge_heartbeats_total",
			Help: "Heartbeats successfully emitted to the sink.",
		}),
		runDeltasTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patze_bridge_run_state_deltas_total",
			Help: "run.state.changed events emitted after a diff against the prior tick.",
		}),
		tickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patze_bridge_tick_failures_total",
			Help: "Heartbeat-loop ticks that failed to emit a heartbeat or collect runs.",
		}),
	}
	reg.MustRegister(m.heartbeatsTotal, m.runDeltasTotal, m.tickFailures)
	return m
}

func (m *runtimeMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
