package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PriorityConfig configures the priority engine.
type PriorityConfig struct {
	Weights FactorWeights `json:"weights"`

	// RescoreThreshold triggers re-insertion when a popped task's fresh
	// score drifts more than this from its stored score.
	RescoreThreshold float64 `json:"rescore_threshold"`

	// RulesPath points to the YAML business-rule tables. Empty means
	// built-in defaults.
	RulesPath string `json:"rules_path"`
}

// FactorWeights are the six scoring weights; they must sum to 1.0.
type FactorWeights struct {
	Urgency      float64 `json:"urgency" yaml:"urgency"`
	Resource     float64 `json:"resource" yaml:"resource"`
	Dependency   float64 `json:"dependency" yaml:"dependency"`
	Performance  float64 `json:"performance" yaml:"performance"`
	Context      float64 `json:"context" yaml:"context"`
	BusinessRule float64 `json:"business_rule" yaml:"business_rule"`
}

// Sum returns the total weight.
func (w FactorWeights) Sum() float64 {
	return w.Urgency + w.Resource + w.Dependency + w.Performance + w.Context + w.BusinessRule
}

// DefaultPriorityConfig returns priority engine defaults.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		Weights: FactorWeights{
			Urgency:      0.25,
			Resource:     0.20,
			Dependency:   0.15,
			Performance:  0.15,
			Context:      0.15,
			BusinessRule: 0.10,
		},
		RescoreThreshold: 10,
	}
}

// Validate checks the weights sum to 1.0 within tolerance.
func (p PriorityConfig) Validate() error {
	if s := p.Weights.Sum(); math.Abs(s-1.0) > 0.001 {
		return fmt.Errorf("priority weights must sum to 1.0, got %.3f", s)
	}
	return nil
}

// BusinessRules holds the keyword tables and calendar adjustments used by
// the business-rule factor.
type BusinessRules struct {
	// Keyword bumps, checked in order of descending value.
	SecurityKeywords   []string `yaml:"security_keywords"`
	FinanceKeywords    []string `yaml:"finance_keywords"`
	UserFacingKeywords []string `yaml:"user_facing_keywords"`

	SecurityBump   float64 `yaml:"security_bump"`
	FinanceBump    float64 `yaml:"finance_bump"`
	UserFacingBump float64 `yaml:"user_facing_bump"`

	BusinessHoursBonus float64 `yaml:"business_hours_bonus"`
	WeekendPenalty     float64 `yaml:"weekend_penalty"`

	BusinessHourStart int `yaml:"business_hour_start"`
	BusinessHourEnd   int `yaml:"business_hour_end"`
}

// DefaultBusinessRules returns the built-in rule tables.
func DefaultBusinessRules() BusinessRules {
	return BusinessRules{
		SecurityKeywords:   []string{"security", "vulnerability", "cve", "auth", "credential", "breach"},
		FinanceKeywords:    []string{"payment", "billing", "invoice", "finance", "refund"},
		UserFacingKeywords: []string{"user", "customer", "ui", "response", "support"},
		SecurityBump:       30,
		FinanceBump:        20,
		UserFacingBump:     10,
		BusinessHoursBonus: 10,
		WeekendPenalty:     15,
		BusinessHourStart:  9,
		BusinessHourEnd:    17,
	}
}

// LoadBusinessRules reads the YAML rule tables, falling back to defaults if
// the file is absent. Unset numeric fields keep their defaults so partial
// rule files stay valid.
func LoadBusinessRules(workspace, path string) (BusinessRules, error) {
	rules := DefaultBusinessRules()

	if path == "" {
		path = filepath.Join(workspace, ".forge", "rules.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return rules, fmt.Errorf("failed to read business rules: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse business rules: %w", err)
	}
	return rules, nil
}
