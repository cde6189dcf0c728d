package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

var (
	// ScheduleFlavourWeight exposes the published integer weight per flavour
	ScheduleFlavourWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_flavour_weight",
			Help: "Published traffic weight (0-100) for a flavour",
		},
		[]string{"namespace", "schedule", "flavour"},
	)

	// ScheduleValidUntil exposes the expiry of the current schedule
	ScheduleValidUntil = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedule_valid_until",
			Help: "Unix timestamp after which the current schedule expires",
		},
		[]string{"namespace", "schedule"},
	)

	// CreditBalance exposes the ledger balance per session
	CreditBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_balance",
			Help: "Current quality credit balance of a scheduler session",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// CreditVelocity exposes the mean credit delta over the ledger window
	CreditVelocity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_credit_velocity",
			Help: "Average credit change per decision over the sliding window",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// AvgPrecision exposes the expected precision of the published mix
	AvgPrecision = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_avg_precision",
			Help: "Weighted average precision of the published schedule",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// ProcessingThrottle exposes the published throttle factor
	ProcessingThrottle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_processing_throttle",
			Help: "Throttle factor (0-1) attached to the published schedule",
		},
		[]string{"namespace", "schedule", "policy"},
	)

	// ReplicaCeiling exposes the effective per-component replica ceiling
	ReplicaCeiling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_effective_replica_ceiling",
			Help: "Replica ceiling derived from the throttle for a component",
		},
		[]string{"namespace", "schedule", "component"},
	)

	// ForecastIntensity exposes the carbon intensity seen at decision time
	ForecastIntensity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_forecast_intensity",
			Help: "Carbon intensity (gCO2eq/kWh) per forecast horizon",
		},
		[]string{"namespace", "schedule", "horizon"},
	)

	// PolicyChoice counts cumulative weight handed to each strategy
	PolicyChoice = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_policy_choice_total",
			Help: "Cumulative published weight per strategy, incremented each evaluation",
		},
		[]string{"namespace", "schedule", "strategy"},
	)
)

func init() {
	prometheus.MustRegister(ScheduleFlavourWeight)
	prometheus.MustRegister(ScheduleValidUntil)
	prometheus.MustRegister(CreditBalance)
	prometheus.MustRegister(CreditVelocity)
	prometheus.MustRegister(AvgPrecision)
	prometheus.MustRegister(ProcessingThrottle)
	prometheus.MustRegister(ReplicaCeiling)
	prometheus.MustRegister(ForecastIntensity)
	prometheus.MustRegister(PolicyChoice)
}

func publishDecisionMetrics(namespace, schedule string, decision model.ScheduleDecision, forecast model.ForecastSnapshot) {
	policyName := decision.Policy.Name

	for flavour, weight := range decision.FlavourWeights {
		ScheduleFlavourWeight.WithLabelValues(namespace, schedule, flavour).Set(float64(weight))
		PolicyChoice.WithLabelValues(namespace, schedule, flavour).Add(float64(weight))
	}
	ScheduleValidUntil.WithLabelValues(namespace, schedule).Set(float64(decision.ValidUntil.Unix()))
	CreditBalance.WithLabelValues(namespace, schedule, policyName).Set(decision.Credits.Balance)
	CreditVelocity.WithLabelValues(namespace, schedule, policyName).Set(decision.Credits.Velocity)
	AvgPrecision.WithLabelValues(namespace, schedule, policyName).Set(decision.AvgPrecision)
	ProcessingThrottle.WithLabelValues(namespace, schedule, policyName).Set(decision.Processing.Throttle)

	for component, ceiling := range decision.Processing.Ceilings {
		ReplicaCeiling.WithLabelValues(namespace, schedule, component).Set(float64(ceiling))
	}
	if forecast.IntensityNow != nil {
		ForecastIntensity.WithLabelValues(namespace, schedule, "now").Set(*forecast.IntensityNow)
	}
	if forecast.IntensityNext != nil {
		ForecastIntensity.WithLabelValues(namespace, schedule, "next").Set(*forecast.IntensityNext)
	}
}

// publishManualMetrics parses whatever the manual payload carries and updates
// the flavour-weight and throttle gauges best-effort.
func publishManualMetrics(namespace, schedule string, payload map[string]any) {
	if weights, ok := payload["flavourWeights"].(map[string]any); ok {
		for flavour, raw := range weights {
			if w, ok := raw.(float64); ok {
				ScheduleFlavourWeight.WithLabelValues(namespace, schedule, flavour).Set(w)
			}
		}
	}
	if processing, ok := payload["processing"].(map[string]any); ok {
		if throttle, ok := processing["throttle"].(float64); ok {
			ProcessingThrottle.WithLabelValues(namespace, schedule, "manual").Set(throttle)
		}
	}
	if throttle, ok := payload["processingThrottle"].(float64); ok {
		ProcessingThrottle.WithLabelValues(namespace, schedule, "manual").Set(throttle)
	}
}
