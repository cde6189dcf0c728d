package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ThrottleFactor exposes the last applied throttle factor
	ThrottleFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_processing_throttle_factor",
			Help: "Throttle factor (0-1) currently applied to processing",
		},
		[]string{"scope"},
	)

	// InflightLimit exposes the derived in-flight cap
	InflightLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_processing_inflight_limit",
			Help: "Maximum concurrent forwards admitted by the throttle",
		},
		[]string{"scope"},
	)

	// InflightActive exposes the current in-flight count
	InflightActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_processing_inflight_active",
			Help: "Forwards currently in flight",
		},
		[]string{"scope"},
	)

	// MessagesTotal counts consumed messages per queue and flavour
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Messages consumed from the broker",
		},
		[]string{"queue_type", "flavour"},
	)

	// ForwardDuration tracks target-service forward latency
	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_forward_seconds",
			Help:    "Latency of forwards to the target service, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flavour"},
	)
)

func init() {
	prometheus.MustRegister(ThrottleFactor)
	prometheus.MustRegister(InflightLimit)
	prometheus.MustRegister(InflightActive)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(ForwardDuration)
}
