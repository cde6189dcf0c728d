// Package schedule consumes the decision-engine schedule on the data-plane
// side: parsing, snapshotting, expiry and weighted flavour choice.
package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DefaultDeadlineSec bounds a request's queue plus reply wait when the
// schedule carries no per-flavour deadline.
const DefaultDeadlineSec = 60

// FlavourRule is one per-flavour routing entry of a published schedule.
type FlavourRule struct {
	FlavourName string  `json:"flavourName"`
	Precision   float64 `json:"precision"`
	Weight      float64 `json:"weight"`
	DeadlineSec int     `json:"deadlineSec"`
}

type processingBlock struct {
	Throttle *float64 `json:"throttle"`
}

// TrafficSchedule is the data-plane view of a ScheduleDecision. Manual
// overrides are echoed verbatim by the engine, so every field is optional.
type TrafficSchedule struct {
	FlavourWeights     map[string]float64 `json:"flavourWeights"`
	FlavourRules       []FlavourRule      `json:"flavourRules"`
	ValidUntil         time.Time          `json:"validUntil"`
	RoutingEvaluator   string             `json:"routingEvaluator"`
	ProcessingThrottle *float64           `json:"processingThrottle"`
	Processing         *processingBlock   `json:"processing"`
}

// Parse decodes a schedule document.
func Parse(data []byte) (*TrafficSchedule, error) {
	var ts TrafficSchedule
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &ts, nil
}

// DefaultSchedule is served while no schedule has been fetched yet or the
// current one has expired: a single catch-all bucket, no throttling.
func DefaultSchedule() *TrafficSchedule {
	return &TrafficSchedule{
		FlavourWeights: map[string]float64{"default": 1},
	}
}

// Expired reports whether the schedule's validity window has passed. A
// schedule without validUntil never expires.
func (ts *TrafficSchedule) Expired(now time.Time) bool {
	return !ts.ValidUntil.IsZero() && now.After(ts.ValidUntil)
}

// ThrottleFactor returns the processing throttle in [0, 1]. The top-level
// processingThrottle key wins over processing.throttle; absent means 1.
func (ts *TrafficSchedule) ThrottleFactor() float64 {
	factor := 1.0
	switch {
	case ts.ProcessingThrottle != nil:
		factor = *ts.ProcessingThrottle
	case ts.Processing != nil && ts.Processing.Throttle != nil:
		factor = *ts.Processing.Throttle
	}
	if factor < 0 {
		return 0
	}
	if factor > 1 {
		return 1
	}
	return factor
}

// Weights returns the positive routing weights. Rules win over the weight
// map; if every weight is zero the known flavours are weighted uniformly,
// and a schedule that names no flavours at all yields the default bucket.
func (ts *TrafficSchedule) Weights() map[string]float64 {
	weights := make(map[string]float64)
	if len(ts.FlavourRules) > 0 {
		for _, rule := range ts.FlavourRules {
			if rule.Weight > 0 {
				weights[rule.FlavourName] = rule.Weight
			}
		}
	} else {
		for flavour, weight := range ts.FlavourWeights {
			if weight > 0 {
				weights[flavour] = weight
			}
		}
	}
	if len(weights) > 0 {
		return weights
	}

	known := ts.Flavours()
	for _, flavour := range known {
		weights[flavour] = 1
	}
	return weights
}

// Flavours returns every flavour the schedule names, sorted; the default
// bucket when it names none.
func (ts *TrafficSchedule) Flavours() []string {
	seen := make(map[string]struct{})
	for _, rule := range ts.FlavourRules {
		if rule.FlavourName != "" {
			seen[rule.FlavourName] = struct{}{}
		}
	}
	for flavour := range ts.FlavourWeights {
		seen[flavour] = struct{}{}
	}
	if len(seen) == 0 {
		return []string{"default"}
	}

	flavours := make([]string, 0, len(seen))
	for flavour := range seen {
		flavours = append(flavours, flavour)
	}
	sort.Strings(flavours)
	return flavours
}

// HasFlavour reports whether the schedule names the given flavour.
func (ts *TrafficSchedule) HasFlavour(name string) bool {
	for _, flavour := range ts.Flavours() {
		if flavour == name {
			return true
		}
	}
	return false
}

// DeadlineSec returns the queue-plus-reply deadline for a flavour.
func (ts *TrafficSchedule) DeadlineSec(flavour string) int {
	for _, rule := range ts.FlavourRules {
		if rule.FlavourName == flavour && rule.DeadlineSec > 0 {
			return rule.DeadlineSec
		}
	}
	return DefaultDeadlineSec
}

// ValidSeconds returns the remaining validity in seconds, zero floored.
// Schedules without validUntil report zero.
func (ts *TrafficSchedule) ValidSeconds(now time.Time) float64 {
	if ts.ValidUntil.IsZero() {
		return 0
	}
	remaining := ts.ValidUntil.Sub(now).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}
