package policy

import (
	"math/rand"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// RoundRobin spreads traffic evenly over all enabled flavours.
type RoundRobin struct{}

// Name implements Policy.
func (p *RoundRobin) Name() string { return RoundRobinName }

// Evaluate implements Policy.
func (p *RoundRobin) Evaluate(flavours []model.FlavourProfile, _ *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}
	weights := make(map[string]float64, len(active))
	for _, f := range active {
		weights[f.Name] = 1 / float64(len(active))
	}
	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics:  map[string]float64{"flavours": float64(len(active))},
	}, nil
}

// Random draws an independent uniform weight per enabled flavour.
type Random struct {
	rng *rand.Rand
}

// Name implements Policy.
func (p *Random) Name() string { return RandomName }

// Evaluate implements Policy.
func (p *Random) Evaluate(flavours []model.FlavourProfile, _ *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}
	weights := make(map[string]float64, len(active))
	for _, f := range active {
		weights[f.Name] = p.float64()
	}
	normalise(weights)
	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics:  map[string]float64{"flavours": float64(len(active))},
	}, nil
}

func (p *Random) float64() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}

// P100 sends all traffic to the highest-precision flavour.
type P100 struct{}

// Name implements Policy.
func (p *P100) Name() string { return P100Name }

// Evaluate implements Policy.
func (p *P100) Evaluate(flavours []model.FlavourProfile, _ *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}
	weights := map[string]float64{active[0].Name: 1}
	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: active[0].Precision,
		Diagnostics:  map[string]float64{"flavours": float64(len(active))},
	}, nil
}
