package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts routed requests by outcome
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "Routed HTTP requests by method, response status and flavour",
		},
		[]string{"method", "status", "qtype", "flavour", "forced"},
	)

	// MessagesPublished counts broker publishes per flavour queue
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_messages_published_total",
			Help: "Messages published to the broker per flavour queue",
		},
		[]string{"queue"},
	)

	// RequestDuration tracks end-to-end buffered request latency
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_request_duration_seconds",
			Help:    "End-to-end latency of buffered requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"qtype", "flavour"},
	)

	// ScheduleValidSeconds exposes the remaining validity of the schedule
	ScheduleValidSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_schedule_valid_seconds",
			Help: "Seconds until the current traffic schedule expires",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ScheduleValidSeconds)
}

// forcedLabel keeps the capitalised literals the dashboards were built on.
func forcedLabel(forced bool) string {
	if forced {
		return "True"
	}
	return "False"
}
