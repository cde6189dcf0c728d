package policy

import (
	"sync"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// Factor weights and the clamp applied to their sum.
const (
	carbonFactorWeight    = 0.35
	demandFactorWeight    = 0.25
	emissionsFactorWeight = 0.25
	lookaheadFactorWeight = 0.15

	totalAdjustmentBound = 0.5

	baselineFloor    = 0.1
	nonBaselineFloor = 0.05

	emissionsWarmupRequests = 10
	lookaheadPoints         = 6
)

// ForecastAwareGlobal layers carbon trend, demand trend, emissions budget
// and extended look-ahead factors on top of the credit-greedy baseline. The
// no-throttle variant produces identical weights under a distinct name so a
// throttleMin of 1.0 can be pinned to it.
type ForecastAwareGlobal struct {
	base CreditGreedy
	name string

	mu sync.Mutex
	// cumulativeCarbon sums the chosen flavour's dimensionless
	// carbonIntensity (relative emission per request), one term per
	// observed request.
	cumulativeCarbon float64
	requestCount     int
}

// Name implements Policy.
func (p *ForecastAwareGlobal) Name() string { return p.name }

// Observe accumulates the emissions of one completed request.
func (p *ForecastAwareGlobal) Observe(flavour model.FlavourProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cumulativeCarbon += flavour.CarbonIntensity
	p.requestCount++
}

// ResetCounters clears the cumulative emissions state.
func (p *ForecastAwareGlobal) ResetCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cumulativeCarbon = 0
	p.requestCount = 0
}

// Evaluate implements Policy.
func (p *ForecastAwareGlobal) Evaluate(flavours []model.FlavourProfile, forecast *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}

	base, err := p.base.Evaluate(active, forecast)
	if err != nil {
		return model.PolicyResult{}, err
	}
	if forecast.Empty() {
		return base, nil
	}

	carbon := carbonTrendAdjustment(forecast)
	demand := demandAdjustment(forecast)
	emissions := p.emissionsBudgetAdjustment(forecast)
	lookahead := lookaheadAdjustment(forecast)

	total := clamp(
		carbonFactorWeight*carbon+
			demandFactorWeight*demand+
			emissionsFactorWeight*emissions+
			lookaheadFactorWeight*lookahead,
		-totalAdjustmentBound, totalAdjustmentBound)

	weights := applyAdjustment(base.Weights, total, active)

	diagnostics := make(map[string]float64, len(base.Diagnostics)+5)
	for k, v := range base.Diagnostics {
		diagnostics[k] = v
	}
	diagnostics["carbon_adjustment"] = carbon
	diagnostics["demand_adjustment"] = demand
	diagnostics["emissions_adjustment"] = emissions
	diagnostics["lookahead_adjustment"] = lookahead
	diagnostics["total_adjustment"] = total

	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics:  diagnostics,
	}, nil
}

// carbonTrendAdjustment steps on the relative short-term trend. A falling
// trend yields a positive adjustment.
func carbonTrendAdjustment(forecast *model.ForecastSnapshot) float64 {
	if forecast.IntensityNow == nil || forecast.IntensityNext == nil || *forecast.IntensityNow <= 0 {
		return 0
	}
	r := (*forecast.IntensityNext - *forecast.IntensityNow) / *forecast.IntensityNow
	switch {
	case r <= -0.20:
		return 0.8
	case r <= -0.05:
		return 0.4
	case r < 0.05:
		return 0
	case r < 0.20:
		return -0.4
	default:
		return -0.8
	}
}

// demandAdjustment conserves credit ahead of demand spikes and spends it
// when demand is about to drop.
func demandAdjustment(forecast *model.ForecastSnapshot) float64 {
	if forecast.DemandNow == nil || forecast.DemandNext == nil || *forecast.DemandNow <= 0 {
		return 0
	}
	q := *forecast.DemandNext / *forecast.DemandNow
	switch {
	case q > 1.5:
		return -0.6
	case q > 1.2:
		return -0.3
	case q < 0.7:
		return 0.4
	case q < 0.85:
		return 0.2
	default:
		return 0
	}
}

func (p *ForecastAwareGlobal) emissionsBudgetAdjustment(forecast *model.ForecastSnapshot) float64 {
	p.mu.Lock()
	count, cumulative := p.requestCount, p.cumulativeCarbon
	p.mu.Unlock()

	if count < emissionsWarmupRequests {
		return 0
	}
	if forecast.IntensityNow == nil || *forecast.IntensityNow <= 0 {
		return 0
	}

	avg := cumulative / float64(count)
	current := *forecast.IntensityNow
	switch {
	case avg > current*1.2:
		return 0.5
	case avg > current*1.05:
		return 0.2
	case avg < current*0.8:
		return -0.3
	default:
		return 0
	}
}

// lookaheadAdjustment inspects the next few schedule points for extreme
// clean or dirty periods, else steps monotonically on the future/current
// mean ratio.
func lookaheadAdjustment(forecast *model.ForecastSnapshot) float64 {
	if forecast.IntensityNow == nil || *forecast.IntensityNow <= 0 || len(forecast.Schedule) == 0 {
		return 0
	}
	current := *forecast.IntensityNow

	points := forecast.Schedule
	if len(points) > lookaheadPoints {
		points = points[:lookaheadPoints]
	}

	sum, n := 0.0, 0
	anyClean, anyDirty := false, false
	for _, pt := range points {
		if pt.Forecast == nil || *pt.Forecast <= 0 {
			continue
		}
		v := *pt.Forecast
		sum += v
		n++
		if v < 0.6*current {
			anyClean = true
		}
		if v > 1.4*current {
			anyDirty = true
		}
	}
	if n == 0 {
		return 0
	}
	if anyClean {
		return -0.5
	}
	if anyDirty {
		return 0.6
	}

	ratio := (sum / float64(n)) / current
	switch {
	case ratio < 0.8:
		return -0.3
	case ratio < 0.95:
		return -0.1
	case ratio > 1.2:
		return 0.3
	case ratio > 1.05:
		return 0.1
	default:
		return 0
	}
}

// applyAdjustment moves mass between the baseline and the greener flavours.
// Positive adjustments shift toward greener flavours, negative ones back to
// the baseline; both respect per-flavour floors and renormalise.
func applyAdjustment(base map[string]float64, adjustment float64, active []model.FlavourProfile) map[string]float64 {
	weights := make(map[string]float64, len(base))
	for name, w := range base {
		weights[name] = w
	}
	if len(active) < 2 || adjustment == 0 {
		normalise(weights)
		return weights
	}

	baseline := active[0]
	if adjustment > 0 {
		current := weights[baseline.Name]
		reduction := current * adjustment * 0.8
		if current-reduction < baselineFloor {
			reduction = current - baselineFloor
		}
		if reduction > 0 {
			weights[baseline.Name] = current - reduction
			greener := active[1:]
			scoreSum := 0.0
			scores := make([]float64, len(greener))
			for i, f := range greener {
				scores[i] = carbonScore(baseline, f)
				scoreSum += scores[i]
			}
			for i, f := range greener {
				weights[f.Name] += reduction * (scores[i] / scoreSum)
			}
		}
	} else {
		reclaimed := 0.0
		for _, f := range active[1:] {
			w := weights[f.Name]
			take := w * (-adjustment) * 0.5
			if w-take < nonBaselineFloor {
				take = w - nonBaselineFloor
			}
			if take > 0 {
				weights[f.Name] = w - take
				reclaimed += take
			}
		}
		weights[baseline.Name] += reclaimed
	}

	normalise(weights)
	return weights
}
