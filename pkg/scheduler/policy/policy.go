// Package policy implements the scheduling policies that turn ledger and
// forecast state into a flavour weight distribution.
package policy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/ledger"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// Policy names accepted by New.
const (
	CreditGreedyName             = "credit-greedy"
	ForecastAwareName            = "forecast-aware"
	ForecastAwareGlobalName      = "forecast-aware-global"
	ForecastGlobalNoThrottleName = "forecast-aware-global-no-throttle"
	PrecisionTierName            = "precision-tier"
	RoundRobinName               = "round-robin"
	RandomName                   = "random"
	P100Name                     = "p100"
)

// ErrNoFlavours is returned when every input flavour is disabled.
var ErrNoFlavours = errors.New("no flavours enabled")

// Policy produces a flavour distribution for the next scheduling window.
// Implementations must not mutate the flavour inputs.
type Policy interface {
	Name() string
	Evaluate(flavours []model.FlavourProfile, forecast *model.ForecastSnapshot) (model.PolicyResult, error)
}

// Observer is implemented by policies that track per-request state outside
// of Evaluate.
type Observer interface {
	Observe(flavour model.FlavourProfile)
	ResetCounters()
}

// New creates the named policy bound to the given ledger.
func New(name string, l *ledger.CreditLedger) (Policy, error) {
	switch name {
	case CreditGreedyName:
		return &CreditGreedy{ledger: l}, nil
	case ForecastAwareName:
		return &ForecastAware{CreditGreedy{ledger: l}}, nil
	case ForecastAwareGlobalName:
		return &ForecastAwareGlobal{base: CreditGreedy{ledger: l}, name: ForecastAwareGlobalName}, nil
	case ForecastGlobalNoThrottleName:
		return &ForecastAwareGlobal{base: CreditGreedy{ledger: l}, name: ForecastGlobalNoThrottleName}, nil
	case PrecisionTierName:
		return &PrecisionTier{ledger: l}, nil
	case RoundRobinName:
		return &RoundRobin{}, nil
	case RandomName:
		return &Random{}, nil
	case P100Name:
		return &P100{}, nil
	default:
		return nil, fmt.Errorf("unsupported policy: %s", name)
	}
}

// NewRandom creates the random policy with a deterministic source.
func NewRandom(rng *rand.Rand) *Random {
	return &Random{rng: rng}
}

const epsilon = 1e-6

const (
	carbonRatioLow  = 80.0
	carbonRatioHigh = 280.0
)

// enabledSorted filters disabled flavours and orders the rest by
// precision descending, name ascending on ties.
func enabledSorted(flavours []model.FlavourProfile) []model.FlavourProfile {
	out := make([]model.FlavourProfile, 0, len(flavours))
	for _, f := range flavours {
		if f.Enabled {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Precision != out[j].Precision {
			return out[i].Precision > out[j].Precision
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// carbonScore rewards intensity reduction per unit of expected error.
func carbonScore(baseline, f model.FlavourProfile) float64 {
	gain := math.Max(0, baseline.CarbonIntensity-f.CarbonIntensity)
	return math.Max(epsilon, gain/math.Max(epsilon, f.ExpectedError()))
}

func carbonRatio(intensity float64) float64 {
	return clamp((intensity-carbonRatioLow)/(carbonRatioHigh-carbonRatioLow), 0, 1)
}

func normalise(weights map[string]float64) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		uniform := 1.0 / float64(len(weights))
		for name := range weights {
			weights[name] = uniform
		}
		return
	}
	for name := range weights {
		weights[name] /= total
	}
}

func avgPrecision(weights map[string]float64, flavours []model.FlavourProfile) float64 {
	precisionOf := make(map[string]float64, len(flavours))
	for _, f := range flavours {
		precisionOf[f.Name] = f.Precision
	}
	avg := 0.0
	for name, w := range weights {
		p, ok := precisionOf[name]
		if !ok {
			p = 1.0
		}
		avg += w * p
	}
	return avg
}

// argmaxWeight returns the key with the largest weight, ties broken by name.
func argmaxWeight(weights map[string]float64) string {
	best, bestWeight := "", math.Inf(-1)
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if weights[name] > bestWeight {
			best, bestWeight = name, weights[name]
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
