package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	violationsReceived *prometheus.CounterVec
	relayDeliveries    *prometheus.CounterVec
	wsConnections      *prometheus.GaugeVec
	submissions        *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
)

// RegisterMetrics initialises the proctoring collectors on the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		violationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_received_total",
			Help: "Violation reports accepted by the server.",
		}, []string{"event_type", "severity", "late"})

		relayDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_relay_deliveries_total",
			Help: "Room relay deliveries by path (pubsub, local, duplicate).",
		}, []string{"path"})

		wsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proctor_ws_connections",
			Help: "Open WebSocket connections by role.",
		}, []string{"role"})

		submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_submissions_total",
			Help: "Submit calls by trigger and outcome (submitted, already_submitted, rejected).",
		}, []string{"trigger", "outcome"})

		httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proctor_http_request_duration_seconds",
			Help:    "Latency distribution for HTTP requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(violationsReceived, relayDeliveries, wsConnections, submissions, httpDuration)
	})
}

func ViolationsReceived() *prometheus.CounterVec {
	RegisterMetrics()
	return violationsReceived
}

func RelayDeliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return relayDeliveries
}

func WSConnections() *prometheus.GaugeVec {
	RegisterMetrics()
	return wsConnections
}

func Submissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissions
}
