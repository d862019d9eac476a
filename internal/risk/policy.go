package risk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownRiskLevel is returned when a named risk level does not exist
var ErrUnknownRiskLevel = errors.New("unknown risk level")

// Policy holds the sizing constants applied to every batch
type Policy struct {
	// KellyMultiplier is the fractional Kelly factor k in (0,1]
	KellyMultiplier float64 `json:"kelly_multiplier" yaml:"kelly_multiplier"`

	// MaxBetFraction is the single-bet cap used when a candidate does not set its own
	MaxBetFraction float64 `json:"max_bet_fraction" yaml:"max_bet_fraction"`

	// ConfidenceThreshold is the minimum model probability (inclusive)
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// GroupCeilingMultiple sets the correlation group ceiling as a multiple of MaxBetFraction
	GroupCeilingMultiple float64 `json:"group_ceiling_multiple" yaml:"group_ceiling_multiple"`

	// MaxDailyExposure is the share of bankroll a batch may put at risk before the summary warns
	MaxDailyExposure float64 `json:"max_daily_exposure" yaml:"max_daily_exposure"`

	// StakePlaces is the number of decimal places of the smallest currency unit
	StakePlaces int32 `json:"stake_places" yaml:"stake_places"`

	// RiskLevel names the preset applied on top of the base values, if any
	RiskLevel string `json:"risk_level,omitempty" yaml:"risk_level"`
}

// DefaultPolicy returns the base policy: half Kelly, 5% single-bet cap,
// 0.65 confidence and a group ceiling of 1.5 single-bet caps.
func DefaultPolicy() Policy {
	return Policy{
		KellyMultiplier:      0.5,
		MaxBetFraction:       0.05,
		ConfidenceThreshold:  0.65,
		GroupCeilingMultiple: 1.5,
		MaxDailyExposure:     0.25,
		StakePlaces:          2,
	}
}

// Validate checks the policy constants
func (p Policy) Validate() error {
	if !(p.KellyMultiplier > 0 && p.KellyMultiplier <= 1) {
		return fmt.Errorf("kelly_multiplier must be in (0,1], got %v", p.KellyMultiplier)
	}
	if !(p.MaxBetFraction > 0 && p.MaxBetFraction <= 1) {
		return fmt.Errorf("max_bet_fraction must be in (0,1], got %v", p.MaxBetFraction)
	}
	if !(p.ConfidenceThreshold >= 0 && p.ConfidenceThreshold <= 1) {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %v", p.ConfidenceThreshold)
	}
	if !(p.GroupCeilingMultiple > 0) {
		return fmt.Errorf("group_ceiling_multiple must be positive, got %v", p.GroupCeilingMultiple)
	}
	if !(p.MaxDailyExposure > 0 && p.MaxDailyExposure <= 1) {
		return fmt.Errorf("max_daily_exposure must be in (0,1], got %v", p.MaxDailyExposure)
	}
	if p.StakePlaces < 0 || p.StakePlaces > 8 {
		return fmt.Errorf("stake_places must be in [0,8], got %d", p.StakePlaces)
	}
	return nil
}

// GroupCeiling is the maximum combined fraction of one correlation group
func (p Policy) GroupCeiling() decimal.Decimal {
	return quantizeFraction(p.GroupCeilingMultiple * p.MaxBetFraction)
}

// RiskLevel is a named preset that tightens or loosens the base policy
type RiskLevel struct {
	Name                string  `json:"name" yaml:"name"`
	MaxBetFraction      float64 `json:"max_bet_fraction" yaml:"max_bet_fraction"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxDailyExposure    float64 `json:"max_daily_exposure" yaml:"max_daily_exposure"`
}

// Built-in risk levels
const (
	LevelConservative = "conservative"
	LevelModerate     = "moderate"
	LevelAggressive   = "aggressive"
)

// DefaultRiskLevels returns the built-in presets keyed by name
func DefaultRiskLevels() map[string]RiskLevel {
	return map[string]RiskLevel{
		LevelConservative: {Name: LevelConservative, MaxBetFraction: 0.08, ConfidenceThreshold: 0.75, MaxDailyExposure: 0.15},
		LevelModerate:     {Name: LevelModerate, MaxBetFraction: 0.12, ConfidenceThreshold: 0.70, MaxDailyExposure: 0.20},
		LevelAggressive:   {Name: LevelAggressive, MaxBetFraction: 0.15, ConfidenceThreshold: 0.65, MaxDailyExposure: 0.25},
	}
}

// SortedRiskLevels returns the levels ordered by single-bet cap, most conservative first
func SortedRiskLevels(levels map[string]RiskLevel) []RiskLevel {
	out := make([]RiskLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxBetFraction != out[j].MaxBetFraction {
			return out[i].MaxBetFraction < out[j].MaxBetFraction
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// WithRiskLevel returns a copy of the policy with the named preset applied.
// An empty name returns the policy unchanged.
func (p Policy) WithRiskLevel(name string, levels map[string]RiskLevel) (Policy, error) {
	if name == "" {
		return p, nil
	}
	level, ok := levels[name]
	if !ok {
		return p, fmt.Errorf("%w: %s", ErrUnknownRiskLevel, name)
	}

	p.MaxBetFraction = level.MaxBetFraction
	p.ConfidenceThreshold = level.ConfidenceThreshold
	p.MaxDailyExposure = level.MaxDailyExposure
	p.RiskLevel = level.Name

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("risk level %s: %w", name, err)
	}
	return p, nil
}
