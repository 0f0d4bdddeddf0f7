package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anteroom/anteroom/internal/bus"
)

type metrics struct {
	turnsTotal     prometheus.Counter
	tokensStreamed prometheus.Counter
	toolDispatches *prometheus.CounterVec
}

var registered *metrics

// newMetrics registers the gateway collectors once per process; later
// servers share the same set.
func newMetrics(eventBus *bus.Bus) *metrics {
	if registered != nil {
		return registered
	}
	m := &metrics{
		turnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anteroom_turns_total",
			Help: "Assistant turns started.",
		}),
		tokensStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anteroom_tokens_streamed_total",
			Help: "Streaming text fragments relayed to clients.",
		}),
		toolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anteroom_tool_dispatches_total",
			Help: "Tool invocations by status.",
		}, []string{"status"}),
	}
	prometheus.MustRegister(m.turnsTotal, m.tokensStreamed, m.toolDispatches)

	if eventBus != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "anteroom_bus_dropped_events",
			Help: "Events dropped on slow local subscribers.",
		}, func() float64 {
			return float64(eventBus.Dropped())
		}))
	}

	registered = m
	return m
}
