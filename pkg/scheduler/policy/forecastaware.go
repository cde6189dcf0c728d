package policy

import (
	"math"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// ForecastAware adjusts the credit-greedy distribution for the short-term
// carbon intensity trend.
type ForecastAware struct {
	CreditGreedy
}

// Name implements Policy.
func (p *ForecastAware) Name() string { return ForecastAwareName }

// Evaluate implements Policy.
func (p *ForecastAware) Evaluate(flavours []model.FlavourProfile, forecast *model.ForecastSnapshot) (model.PolicyResult, error) {
	base, err := p.CreditGreedy.Evaluate(flavours, forecast)
	if err != nil {
		return model.PolicyResult{}, err
	}
	if forecast == nil || forecast.IntensityNow == nil || forecast.IntensityNext == nil {
		return base, nil
	}

	trend := *forecast.IntensityNext - *forecast.IntensityNow
	if trend == 0 {
		base.Diagnostics["trend"] = 0
		base.Diagnostics["adjustment"] = 0
		return base, nil
	}

	delta := math.Min(0.3, math.Abs(trend)/math.Max(*forecast.IntensityNow, epsilon)*0.5)
	if trend < 0 {
		delta = -delta
	}

	// Rising intensity shifts weight off the argmax flavour; falling
	// intensity shifts it back on.
	argmax := argmaxWeight(base.Weights)
	weights := make(map[string]float64, len(base.Weights))
	for name, w := range base.Weights {
		if name == argmax {
			weights[name] = clamp(w-delta, 0, 1)
		} else {
			weights[name] = clamp(w+delta, 0, 1)
		}
	}
	normalise(weights)

	active := enabledSorted(flavours)
	diagnostics := make(map[string]float64, len(base.Diagnostics)+2)
	for k, v := range base.Diagnostics {
		diagnostics[k] = v
	}
	diagnostics["trend"] = trend
	diagnostics["adjustment"] = delta

	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics:  diagnostics,
	}, nil
}
