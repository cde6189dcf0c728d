package scheduler

import (
	"context"
	"fmt"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/carbon"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/config"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/demand"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/ledger"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/policy"
)

// Engine turns ledger, forecast and catalogue state into schedule decisions
// for one session. It is rebuilt wholesale on configuration reload.
type Engine struct {
	namespace string
	name      string
	cfg       *config.Config
	ledger    *ledger.CreditLedger
	registry  *FlavourRegistry
	pol       policy.Policy
	carbon    *carbon.Provider
	demand    *demand.Estimator
	bounds    map[string]model.ReplicaBounds
	clock     Clock
}

// NewEngine assembles the evaluation pipeline for one session.
func NewEngine(namespace, name string, cfg *config.Config, registry *FlavourRegistry, bounds map[string]model.ReplicaBounds) (*Engine, error) {
	l := ledger.New(cfg.TargetError, cfg.CreditMin, cfg.CreditMax, cfg.CreditWindow)
	pol, err := policy.New(cfg.PolicyName, l)
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}

	return &Engine{
		namespace: namespace,
		name:      name,
		cfg:       cfg,
		ledger:    l,
		registry:  registry,
		pol:       pol,
		carbon:    carbon.NewProvider(cfg.CarbonAPIURL, cfg.CarbonTarget, cfg.CarbonTimeout, cfg.CarbonCacheTTL),
		demand:    demand.NewEstimator(),
		bounds:    bounds,
		clock:     RealClock{},
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Registry returns the engine's flavour catalogue.
func (e *Engine) Registry() *FlavourRegistry { return e.registry }

// Forecast combines the carbon snapshot with the demand estimate.
func (e *Engine) Forecast(ctx context.Context) model.ForecastSnapshot {
	snapshot := e.carbon.Snapshot(ctx)
	if e.demand.Started() {
		now, next := e.demand.Forecast()
		snapshot.DemandNow = model.Float(now)
		snapshot.DemandNext = model.Float(next)
	}
	return snapshot
}

// Evaluate runs one decision tick: policy evaluation, ledger advance,
// scaling directive and metrics publication.
func (e *Engine) Evaluate(ctx context.Context) (model.ScheduleDecision, error) {
	flavours := e.registry.List()
	forecast := e.Forecast(ctx)

	result, err := e.pol.Evaluate(flavours, &forecast)
	if err != nil {
		return model.ScheduleDecision{}, fmt.Errorf("policy %s: %w", e.pol.Name(), err)
	}

	balance := e.ledger.Update(result.AvgPrecision)

	credits := model.CreditSnapshot{
		Balance:  balance,
		Velocity: e.ledger.Velocity(),
		Target:   e.cfg.TargetError,
		Min:      e.cfg.CreditMin,
		Max:      e.cfg.CreditMax,
	}
	if allowance, ok := result.Diagnostics["allowance"]; ok {
		credits.Allowance = model.Float(allowance)
	}

	directive := model.NewScalingDirective(balance, e.cfg.CreditMin, e.cfg.CreditMax, e.minThrottle(), &forecast, e.bounds)
	decision := model.NewScheduleDecision(result, flavours, credits, e.pol.Name(), e.cfg.ValidFor, e.clock.Now(), directive)

	publishDecisionMetrics(e.namespace, e.name, decision, forecast)
	return decision, nil
}

// minThrottle pins the throttle floor to 1 for the no-throttle policy
// variant, disabling throttling for A/B comparison.
func (e *Engine) minThrottle() float64 {
	if e.pol.Name() == policy.ForecastGlobalNoThrottleName {
		return 1.0
	}
	return e.cfg.ThrottleMin
}

// RecordFeedback folds realised per-flavour request counts into the ledger,
// the demand estimator and any per-request policy counters.
func (e *Engine) RecordFeedback(flavourCounts map[string]float64, windowSeconds float64) {
	total := 0.0
	weighted := 0.0
	for name, count := range flavourCounts {
		if count <= 0 {
			continue
		}
		precision := 1.0
		profile, ok := e.registry.Lookup(name)
		if ok {
			precision = profile.Precision
		}
		total += count
		weighted += count * precision

		if observer, ok := e.pol.(policy.Observer); ok {
			for i := 0; i < int(count); i++ {
				observer.Observe(profile)
			}
		}
	}
	if total <= 0 {
		return
	}

	e.ledger.Update(weighted / total)
	if windowSeconds > 0 {
		e.demand.Update(total, windowSeconds)
	}
}
