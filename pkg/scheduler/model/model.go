// Package model holds the data types shared by the decision engine,
// its policies and the published schedule wire format.
package model

import (
	"math"
	"sort"
	"time"
)

// FlavourProfile describes one precision variant of the target service.
type FlavourProfile struct {
	Name            string            `json:"name"`
	Precision       float64           `json:"precision"`
	CarbonIntensity float64           `json:"carbonIntensity"`
	Enabled         bool              `json:"enabled"`
	Annotations     map[string]string `json:"annotations,omitempty"`
}

// ExpectedError is the error budget a flavour consumes per request.
func (f FlavourProfile) ExpectedError() float64 {
	return math.Max(0, 1-f.Precision)
}

// ForecastPoint is one half-open [Start, End) slot of the carbon forecast.
type ForecastPoint struct {
	Start    time.Time
	End      time.Time
	Forecast *float64
	Index    string
}

// ForecastSnapshot is the carbon and demand picture a policy sees at a
// decision tick. Optional values are nil when the upstream provider could
// not supply them.
type ForecastSnapshot struct {
	IntensityNow  *float64
	IntensityNext *float64
	IndexNow      string
	IndexNext     string
	DemandNow     *float64
	DemandNext    *float64
	Schedule      []ForecastPoint
	GeneratedAt   time.Time
}

// Empty reports whether the snapshot carries no usable signal.
func (s *ForecastSnapshot) Empty() bool {
	return s == nil || (s.IntensityNow == nil && s.IntensityNext == nil && len(s.Schedule) == 0)
}

// PolicyResult is a flavour distribution for the next scheduling window.
type PolicyResult struct {
	Weights      map[string]float64
	AvgPrecision float64
	Diagnostics  map[string]float64
}

// ReplicaBounds limits the replica ceiling computed for one component.
type ReplicaBounds struct {
	Min int `json:"minReplicas"`
	Max int `json:"maxReplicas"`
}

// ScalingDirective carries the throttle factor and per-component replica
// ceilings derived from ledger and forecast state.
type ScalingDirective struct {
	Throttle       float64        `json:"throttle"`
	CreditsRatio   float64        `json:"creditsRatio"`
	IntensityRatio float64        `json:"intensityRatio"`
	Ceilings       map[string]int `json:"ceilings,omitempty"`
}

const (
	intensityFloor   = 150.0
	intensityCeiling = 350.0
)

// NewScalingDirective derives throttle and ceilings from the ledger balance,
// the forecast peak intensity and the configured component bounds.
func NewScalingDirective(balance, creditMin, creditMax, minThrottle float64, forecast *ForecastSnapshot, bounds map[string]ReplicaBounds) ScalingDirective {
	creditsRatio := 1.0
	if span := creditMax - creditMin; span > 0 {
		creditsRatio = clamp((balance-creditMin)/span, 0, 1)
	}

	intensityRatio := 1.0
	if peak, ok := peakIntensity(forecast); ok {
		intensityRatio = clamp((intensityCeiling-peak)/(intensityCeiling-intensityFloor), 0, 1)
	}

	throttle := clamp(math.Min(creditsRatio, intensityRatio), minThrottle, 1)

	var ceilings map[string]int
	if len(bounds) > 0 {
		ceilings = make(map[string]int, len(bounds))
		for component, b := range bounds {
			ceiling := int(math.Round(float64(b.Max) * throttle))
			if ceiling < b.Min {
				ceiling = b.Min
			}
			if ceiling > b.Max {
				ceiling = b.Max
			}
			ceilings[component] = ceiling
		}
	}

	return ScalingDirective{
		Throttle:       throttle,
		CreditsRatio:   creditsRatio,
		IntensityRatio: intensityRatio,
		Ceilings:       ceilings,
	}
}

func peakIntensity(forecast *ForecastSnapshot) (float64, bool) {
	if forecast == nil {
		return 0, false
	}
	peak, ok := 0.0, false
	if forecast.IntensityNow != nil {
		peak, ok = *forecast.IntensityNow, true
	}
	if forecast.IntensityNext != nil && (!ok || *forecast.IntensityNext > peak) {
		peak, ok = *forecast.IntensityNext, true
	}
	return peak, ok
}

// FlavourRule is the routing rule published for one flavour.
type FlavourRule struct {
	FlavourName string `json:"flavourName"`
	Precision   int    `json:"precision"`
	Weight      int    `json:"weight"`
	DeadlineSec int    `json:"deadlineSec,omitempty"`
}

// StrategyInfo mirrors the flavour catalogue entry in the published schedule.
type StrategyInfo struct {
	Name            string  `json:"name"`
	Precision       int     `json:"precision"`
	Weight          int     `json:"weight"`
	CarbonIntensity float64 `json:"carbonIntensity"`
	Enabled         bool    `json:"enabled"`
}

// CreditSnapshot is the ledger state embedded in a published schedule.
type CreditSnapshot struct {
	Balance   float64  `json:"balance"`
	Velocity  float64  `json:"velocity"`
	Target    float64  `json:"target"`
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	Allowance *float64 `json:"allowance,omitempty"`
}

// PolicyInfo names the policy that produced a schedule.
type PolicyInfo struct {
	Name string `json:"name"`
}

// ScheduleDecision is the schedule published by a session.
type ScheduleDecision struct {
	FlavourWeights map[string]int     `json:"flavourWeights"`
	FlavourRules   []FlavourRule      `json:"flavourRules"`
	Strategies     []StrategyInfo     `json:"strategies"`
	ValidUntil     time.Time          `json:"validUntil"`
	Credits        CreditSnapshot     `json:"credits"`
	Policy         PolicyInfo         `json:"policy"`
	Diagnostics    map[string]float64 `json:"diagnostics,omitempty"`
	AvgPrecision   float64            `json:"avgPrecision"`
	Processing     ScalingDirective   `json:"processing"`
}

const defaultDeadlineSec = 60

// NewScheduleDecision converts a policy result into the published schedule.
// Integer weights always sum to exactly 100; the rounding remainder goes to
// the flavour with the largest fractional weight.
func NewScheduleDecision(result PolicyResult, flavours []FlavourProfile, credits CreditSnapshot, policyName string, validFor time.Duration, now time.Time, directive ScalingDirective) ScheduleDecision {
	names := make([]string, 0, len(result.Weights))
	for name := range result.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	intWeights := make(map[string]int, len(names))
	sum := 0
	argmax, argmaxWeight := "", -1.0
	for _, name := range names {
		w := int(math.Round(result.Weights[name] * 100))
		intWeights[name] = w
		sum += w
		if result.Weights[name] > argmaxWeight {
			argmax, argmaxWeight = name, result.Weights[name]
		}
	}
	if argmax != "" && sum != 100 {
		intWeights[argmax] += 100 - sum
	}

	byName := make(map[string]FlavourProfile, len(flavours))
	for _, f := range flavours {
		byName[f.Name] = f
	}

	rules := make([]FlavourRule, 0, len(names))
	for _, name := range names {
		rules = append(rules, FlavourRule{
			FlavourName: name,
			Precision:   int(math.Round(byName[name].Precision * 100)),
			Weight:      intWeights[name],
			DeadlineSec: defaultDeadlineSec,
		})
	}

	strategies := make([]StrategyInfo, 0, len(flavours))
	for _, f := range flavours {
		strategies = append(strategies, StrategyInfo{
			Name:            f.Name,
			Precision:       int(math.Round(f.Precision * 100)),
			Weight:          intWeights[f.Name],
			CarbonIntensity: f.CarbonIntensity,
			Enabled:         f.Enabled,
		})
	}

	return ScheduleDecision{
		FlavourWeights: intWeights,
		FlavourRules:   rules,
		Strategies:     strategies,
		ValidUntil:     now.UTC().Add(validFor).Truncate(time.Second),
		Credits:        credits,
		Policy:         PolicyInfo{Name: policyName},
		Diagnostics:    result.Diagnostics,
		AvgPrecision:   result.AvgPrecision,
		Processing:     directive,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Float is a convenience for building optional forecast values.
func Float(v float64) *float64 { return &v }
