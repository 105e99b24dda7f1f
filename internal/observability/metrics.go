package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by convod.
type Metrics struct {
	Turns          *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	RuntimeEvents  *prometheus.CounterVec
	Captures       *prometheus.CounterVec
	DroppedNotices prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	ActiveTurns    prometheus.Gauge
}

// NewMetrics registers collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_turns_total",
			Help: "Turns processed, by outcome",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convo_turn_duration_seconds",
			Help:    "Wall time from turn start to termination",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RuntimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_runtime_events_total",
			Help: "Runtime events consumed, by classification",
		}, []string{"kind"}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_context_captures_total",
			Help: "Tool results captured into the context store, by status",
		}, []string{"status"}),
		DroppedNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convo_broadcast_dropped_total",
			Help: "Notifications a slow subscriber missed",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		ActiveTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convo_active_turns",
			Help: "Turns currently running",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Turns, m.TurnDuration, m.RuntimeEvents, m.Captures, m.DroppedNotices, m.HTTPRequests, m.ActiveTurns)
	}
	return m
}
