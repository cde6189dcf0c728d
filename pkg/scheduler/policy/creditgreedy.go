package policy

import (
	"math"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/ledger"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// CreditGreedy spends accumulated quality credit on greener flavours while
// keeping the realised error near the target.
type CreditGreedy struct {
	ledger *ledger.CreditLedger
}

// Name implements Policy.
func (p *CreditGreedy) Name() string { return CreditGreedyName }

// Evaluate implements Policy.
func (p *CreditGreedy) Evaluate(flavours []model.FlavourProfile, forecast *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}

	baseline := active[0]
	allowance := p.allowance(forecast)

	weights := make(map[string]float64, len(active))
	weights[baseline.Name] = 1 - allowance

	greener := active[1:]
	if len(greener) > 0 {
		scoreSum := 0.0
		scores := make([]float64, len(greener))
		for i, f := range greener {
			scores[i] = carbonScore(baseline, f)
			scoreSum += scores[i]
		}
		for i, f := range greener {
			weights[f.Name] = allowance * (scores[i] / scoreSum)
		}
	}
	normalise(weights)

	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics: map[string]float64{
			"credit_balance": p.ledger.Balance(),
			"allowance":      allowance,
			"avg_precision":  avgPrecision(weights, active),
		},
	}, nil
}

// allowance is the traffic share handed to non-baseline flavours. It shrinks
// with accumulated debt, is dampened while in surplus, and scales with the
// current grid intensity when a forecast is available.
func (p *CreditGreedy) allowance(forecast *model.ForecastSnapshot) float64 {
	balance := p.ledger.Balance()
	span := math.Max(p.ledger.CreditMax()-p.ledger.CreditMin(), epsilon)
	normalisedCredit := (balance - p.ledger.CreditMin()) / span

	base := clamp(1-normalisedCredit, 0, 1)
	if balance > 0 && p.ledger.CreditMax() > 0 {
		base *= math.Max(0.2, 1-0.5*math.Min(1, balance/p.ledger.CreditMax()))
	}

	multiplier := 1.0
	if forecast != nil && forecast.IntensityNow != nil {
		multiplier = 0.6 + 0.8*carbonRatio(*forecast.IntensityNow)
	}

	return clamp(base*multiplier, 0, 0.95)
}
