package policy

import (
	"math"

	"github.com/samber/lo"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/ledger"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// PrecisionTier splits flavours into three precision bands and allocates a
// share to each band based on the ledger allowance.
type PrecisionTier struct {
	ledger *ledger.CreditLedger
}

// Name implements Policy.
func (p *PrecisionTier) Name() string { return PrecisionTierName }

// Evaluate implements Policy.
func (p *PrecisionTier) Evaluate(flavours []model.FlavourProfile, _ *model.ForecastSnapshot) (model.PolicyResult, error) {
	active := enabledSorted(flavours)
	if len(active) == 0 {
		return model.PolicyResult{}, ErrNoFlavours
	}

	tier1 := lo.Filter(active, func(f model.FlavourProfile, _ int) bool { return f.Precision >= 0.95 })
	tier2 := lo.Filter(active, func(f model.FlavourProfile, _ int) bool { return f.Precision >= 0.8 && f.Precision < 0.95 })
	tier3 := lo.Filter(active, func(f model.FlavourProfile, _ int) bool { return f.Precision < 0.8 })

	allowance := 0.0
	if p.ledger.CreditMax() > 0 {
		allowance = clamp(p.ledger.Balance()/p.ledger.CreditMax(), 0, 1)
	}

	primary := math.Max(0.3, 1-allowance)
	secondary := math.Min(0.5, 0.6*allowance)
	tertiary := math.Max(0, allowance-secondary)

	weights := make(map[string]float64, len(active))
	for _, tier := range []struct {
		members []model.FlavourProfile
		share   float64
	}{
		{tier1, primary},
		{tier2, secondary},
		{tier3, tertiary},
	} {
		for _, f := range tier.members {
			weights[f.Name] = tier.share / float64(len(tier.members))
		}
	}

	if len(weights) == 0 {
		weights[active[0].Name] = 1
	}
	normalise(weights)

	return model.PolicyResult{
		Weights:      weights,
		AvgPrecision: avgPrecision(weights, active),
		Diagnostics: map[string]float64{
			"allowance":    allowance,
			"tier_1_share": primary,
			"tier_2_share": secondary,
			"tier_3_share": tertiary,
		},
	}, nil
}
