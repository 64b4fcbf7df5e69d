package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every agent metric; it is served on the local listener.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CheckIns, OperationsReceived, Results, RequestDuration, PendingResults,
		PanelEventsDropped,
	)
}

// CheckIns counts check-in attempts by outcome.
var CheckIns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvagent_checkins_total",
		Help: "Check-in attempts by outcome.",
	},
	[]string{"outcome"}, // delivered | failed | unroutable | disabled
)

var OperationsReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvagent_operations_received_total",
		Help: "Operations decoded from server messages.",
	},
	[]string{"plugin"},
)

var Results = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvagent_results_total",
		Help: "Result delivery attempts by outcome.",
	},
	[]string{"outcome"}, // delivered | retried | dropped
)

var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rvagent_request_duration_seconds",
		Help:    "HTTP exchange duration with the server.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "delivered"},
)

var PendingResults = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rvagent_pending_results",
		Help: "Results waiting to be sent.",
	},
)

var PanelEventsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rvagent_panel_events_dropped_total",
		Help: "Events not queued to a panel because its send buffer was full.",
	},
)

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
