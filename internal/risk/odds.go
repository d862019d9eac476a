package risk

import (
	"fmt"
	"math"
)

// AmericanToDecimal converts American odds to decimal odds
// American +150 → Decimal 2.50
// American -150 → Decimal 1.67
func AmericanToDecimal(american int) (float64, error) {
	if american > -100 && american < 100 {
		return 0, fmt.Errorf("invalid American odds %d: must be <= -100 or >= +100", american)
	}
	if american > 0 {
		return (float64(american) / 100.0) + 1.0, nil
	}
	return (100.0 / float64(-american)) + 1.0, nil
}

// DecimalToAmerican converts decimal odds to American odds
func DecimalToAmerican(decimalOdds float64) (int, error) {
	if !(decimalOdds > 1.0) {
		return 0, fmt.Errorf("invalid decimal odds %v: must be > 1.0", decimalOdds)
	}
	if decimalOdds >= 2.0 {
		return int(math.Round((decimalOdds - 1.0) * 100.0)), nil
	}
	return int(math.Round(-100.0 / (decimalOdds - 1.0))), nil
}

// ImpliedProbability returns the break-even probability priced into decimal odds
func ImpliedProbability(decimalOdds float64) float64 {
	return 1.0 / decimalOdds
}

// KellyFraction is the classical Kelly fraction f* = (p*b - q) / b for a binary bet.
// A result <= 0 means the bet has no edge.
func KellyFraction(probability, decimalOdds float64) float64 {
	b := decimalOdds - 1.0
	p := probability
	q := 1.0 - probability
	return (b*p - q) / b
}

// ExpectedValue is the expected profit per unit staked
func ExpectedValue(probability, decimalOdds float64) float64 {
	return probability*(decimalOdds-1.0) - (1.0 - probability)
}

// EdgePercent is the model's edge relative to the market's implied probability, in percent
func EdgePercent(probability, decimalOdds float64) float64 {
	implied := ImpliedProbability(decimalOdds)
	return (probability - implied) / implied * 100.0
}

// Confidence tiers
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// ConfidenceTier buckets a model probability
func ConfidenceTier(probability float64) string {
	switch {
	case probability >= 0.80:
		return TierHigh
	case probability >= 0.70:
		return TierMedium
	default:
		return TierLow
	}
}

// Reasoning is a one-line human summary of a sized bet
func Reasoning(tier string, edgePct float64) string {
	var lead string
	switch tier {
	case TierHigh:
		lead = "High confidence prediction"
	case TierMedium:
		lead = "Strong prediction"
	default:
		lead = "Moderate confidence prediction"
	}
	return fmt.Sprintf("%s. %.1f%% edge over market.", lead, edgePct)
}

// validProbability reports p ∈ (0,1); NaN fails every comparison
func validProbability(p float64) bool {
	return p > 0 && p < 1
}

// validOdds reports odds > 1.0 and finite
func validOdds(odds float64) bool {
	return odds > 1.0 && !math.IsInf(odds, 1)
}
