// Package config loads and validates the decision-engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

// Config holds the tunables of one scheduler session.
type Config struct {
	TargetError       float64
	CreditMin         float64
	CreditMax         float64
	CreditWindow      int
	PolicyName        string
	ValidFor          time.Duration
	DiscoveryInterval time.Duration
	CarbonAPIURL      string
	CarbonTarget      string
	CarbonTimeout     time.Duration
	CarbonCacheTTL    time.Duration
	ThrottleMin       float64

	DefaultNamespace string
	DefaultName      string
	MetricsPort      int

	StrategiesJSON string
	StrategiesFile string
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		TargetError:       getFloatOrDefault("TARGET_ERROR", 0.05),
		CreditMin:         getFloatOrDefault("CREDIT_MIN", -1.0),
		CreditMax:         getFloatOrDefault("CREDIT_MAX", 1.0),
		CreditWindow:      getIntOrDefault("CREDIT_WINDOW", 20),
		PolicyName:        getEnvOrDefault("SCHEDULER_POLICY", "credit-greedy"),
		ValidFor:          time.Duration(getIntOrDefault("SCHEDULE_VALID_FOR", 30)) * time.Second,
		DiscoveryInterval: time.Duration(getIntOrDefault("STRATEGY_DISCOVERY_INTERVAL", 60)) * time.Second,
		CarbonAPIURL:      getEnvOrDefault("CARBON_API_URL", "http://carbon-mock:8080"),
		CarbonTarget:      getEnvOrDefault("CARBON_API_TARGET", "national"),
		CarbonTimeout:     time.Duration(getIntOrDefault("CARBON_API_TIMEOUT", 10)) * time.Second,
		CarbonCacheTTL:    time.Duration(getIntOrDefault("CARBON_API_CACHE_TTL", 300)) * time.Second,
		ThrottleMin:       getFloatOrDefault("SCHEDULER_THROTTLE_MIN", 0.0),
		DefaultNamespace:  getEnvOrDefault("DEFAULT_SCHEDULE_NAMESPACE", "default"),
		DefaultName:       getEnvOrDefault("DEFAULT_SCHEDULE_NAME", "default"),
		MetricsPort:       getIntOrDefault("METRICS_PORT", 9090),
		StrategiesJSON:    os.Getenv("SCHEDULER_STRATEGIES"),
		StrategiesFile:    os.Getenv("SCHEDULER_STRATEGIES_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.TargetError < 0 || c.TargetError > 1 {
		return fmt.Errorf("target error %g out of [0, 1]", c.TargetError)
	}
	if c.CreditMin > 0 {
		return fmt.Errorf("credit min %g must not be positive", c.CreditMin)
	}
	if c.CreditMax < 0 {
		return fmt.Errorf("credit max %g must not be negative", c.CreditMax)
	}
	if c.CreditWindow < 1 {
		return fmt.Errorf("credit window %d must be at least 1", c.CreditWindow)
	}
	if c.ValidFor <= 0 {
		return fmt.Errorf("schedule validity %s must be positive", c.ValidFor)
	}
	if c.ThrottleMin < 0 || c.ThrottleMin > 1 {
		return fmt.Errorf("throttle min %g out of [0, 1]", c.ThrottleMin)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	dup := *c
	return &dup
}

// ApplyOverrides returns a new configuration with the camelCase override
// keys of the payload applied, plus any per-component replica bounds found
// under "components". Unknown keys are ignored.
func (c *Config) ApplyOverrides(payload map[string]any) (*Config, map[string]model.ReplicaBounds) {
	next := c.Clone()

	if v, ok := asFloat(payload["targetError"]); ok {
		next.TargetError = v
	}
	if v, ok := asFloat(payload["creditMin"]); ok {
		next.CreditMin = v
	}
	if v, ok := asFloat(payload["creditMax"]); ok {
		next.CreditMax = v
	}
	if v, ok := asFloat(payload["creditWindow"]); ok && v >= 1 {
		next.CreditWindow = int(math.Round(v))
	}
	if v, ok := payload["policy"].(string); ok && v != "" {
		next.PolicyName = v
	}
	if v, ok := asFloat(payload["validFor"]); ok && v > 0 {
		next.ValidFor = time.Duration(v * float64(time.Second))
	}
	if v, ok := asFloat(payload["discoveryInterval"]); ok && v > 0 {
		next.DiscoveryInterval = time.Duration(v * float64(time.Second))
	}
	if v, ok := payload["carbonTarget"].(string); ok && v != "" {
		next.CarbonTarget = v
	}
	if v, ok := asFloat(payload["carbonTimeout"]); ok && v > 0 {
		next.CarbonTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := asFloat(payload["carbonCacheTTL"]); ok && v > 0 {
		next.CarbonCacheTTL = time.Duration(v * float64(time.Second))
	}
	if v, ok := asFloat(payload["throttleMin"]); ok && v >= 0 && v <= 1 {
		next.ThrottleMin = v
	}

	return next, parseComponentBounds(payload["components"])
}

func parseComponentBounds(raw any) map[string]model.ReplicaBounds {
	components, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	bounds := make(map[string]model.ReplicaBounds, len(components))
	for name, rawBounds := range components {
		fields, ok := rawBounds.(map[string]any)
		if !ok {
			continue
		}
		maxReplicas, ok := asFloat(fields["maxReplicas"])
		if !ok {
			continue
		}
		b := model.ReplicaBounds{Max: int(math.Round(maxReplicas))}
		if minReplicas, ok := asFloat(fields["minReplicas"]); ok {
			b.Min = int(math.Round(minReplicas))
		}
		bounds[name] = b
	}
	if len(bounds) == 0 {
		return nil
	}
	return bounds
}

func asFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// DefaultFlavours is the fallback catalogue used until discovery finds a
// real one.
func DefaultFlavours() []model.FlavourProfile {
	return []model.FlavourProfile{
		{Name: "precision-100", Precision: 1.0, CarbonIntensity: 1.0, Enabled: true},
		{Name: "precision-50", Precision: 0.5, CarbonIntensity: 0.5, Enabled: true},
		{Name: "precision-30", Precision: 0.3, CarbonIntensity: 0.3, Enabled: true},
	}
}

type flavourSpec struct {
	Name            string   `json:"name" yaml:"name"`
	Precision       *float64 `json:"precision" yaml:"precision"`
	CarbonIntensity *float64 `json:"carbonIntensity" yaml:"carbonIntensity"`
	Enabled         *bool    `json:"enabled" yaml:"enabled"`
}

// LoadStrategies reads the flavour catalogue: the SCHEDULER_STRATEGIES JSON
// env value wins, then the YAML strategies file. An empty result means the
// caller should keep its fallback catalogue.
func (c *Config) LoadStrategies() ([]model.FlavourProfile, error) {
	if c.StrategiesJSON != "" {
		var specs []flavourSpec
		if err := json.Unmarshal([]byte(c.StrategiesJSON), &specs); err != nil {
			return nil, fmt.Errorf("parse SCHEDULER_STRATEGIES: %w", err)
		}
		return flavoursFromSpecs(specs), nil
	}

	if c.StrategiesFile != "" {
		data, err := os.ReadFile(c.StrategiesFile)
		if err != nil {
			return nil, fmt.Errorf("read strategies file: %w", err)
		}
		var specs []flavourSpec
		if err := yaml.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse strategies file: %w", err)
		}
		return flavoursFromSpecs(specs), nil
	}

	return nil, nil
}

func flavoursFromSpecs(specs []flavourSpec) []model.FlavourProfile {
	flavours := make([]model.FlavourProfile, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			klog.V(2).InfoS("Skipping flavour spec without name")
			continue
		}
		f := model.FlavourProfile{Name: spec.Name, Enabled: true}
		if spec.Precision != nil {
			f.Precision = normalisePrecision(*spec.Precision)
		}
		if spec.CarbonIntensity != nil {
			f.CarbonIntensity = *spec.CarbonIntensity
		}
		if spec.Enabled != nil {
			f.Enabled = *spec.Enabled
		}
		flavours = append(flavours, f)
	}
	return flavours
}

// normalisePrecision accepts both fractional (0.5) and percent (50) forms.
func normalisePrecision(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}
