package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidState is returned when a bankroll snapshot violates its invariants.
	// It is fatal to the whole batch.
	ErrInvalidState = errors.New("invalid bankroll state")

	// ErrNoCandidates is returned for an empty candidate batch
	ErrNoCandidates = errors.New("no candidate bets")

	// ErrInvalidThreshold is returned for a confidence threshold outside [0,1]
	ErrInvalidThreshold = errors.New("invalid confidence threshold")
)

// Flag explains why a stake was reduced or zeroed
type Flag string

const (
	FlagInvalidInput           Flag = "INVALID_INPUT"
	FlagNegativeEdge           Flag = "NEGATIVE_EDGE"
	FlagBelowConfidence        Flag = "BELOW_CONFIDENCE_THRESHOLD"
	FlagSingleBetCapped        Flag = "SINGLE_BET_CAPPED"
	FlagCorrelationCapped      Flag = "CORRELATION_CAPPED"
	FlagExceedsDailyLossBudget Flag = "EXCEEDS_DAILY_LOSS_BUDGET"
)

// flagOrder is the canonical order flags are emitted in
var flagOrder = []Flag{
	FlagInvalidInput,
	FlagNegativeEdge,
	FlagBelowConfidence,
	FlagSingleBetCapped,
	FlagCorrelationCapped,
	FlagExceedsDailyLossBudget,
}

// BankrollState is an immutable snapshot of the bankroll for one batch.
// The caller reads it once (e.g. inside one transaction) and passes it by value.
type BankrollState struct {
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	MaxDailyLoss    decimal.Decimal `json:"max_daily_loss"`
	DailyLossSoFar  decimal.Decimal `json:"daily_loss_so_far"`
}

// Validate checks the snapshot invariants
func (b BankrollState) Validate() error {
	if b.CurrentBalance.IsNegative() {
		return fmt.Errorf("%w: current balance %s is negative", ErrInvalidState, b.CurrentBalance)
	}
	if b.StartingBalance.IsNegative() {
		return fmt.Errorf("%w: starting balance %s is negative", ErrInvalidState, b.StartingBalance)
	}
	if b.MaxDailyLoss.IsNegative() {
		return fmt.Errorf("%w: max daily loss %s is negative", ErrInvalidState, b.MaxDailyLoss)
	}
	if b.DailyLossSoFar.IsNegative() {
		return fmt.Errorf("%w: daily loss so far %s is negative", ErrInvalidState, b.DailyLossSoFar)
	}
	return nil
}

// DailyLossExhausted reports whether the daily loss budget is used up
func (b BankrollState) DailyLossExhausted() bool {
	return b.DailyLossSoFar.GreaterThanOrEqual(b.MaxDailyLoss)
}

// RemainingDailyLoss returns the unused part of the daily loss budget (never negative)
func (b BankrollState) RemainingDailyLoss() decimal.Decimal {
	remaining := b.MaxDailyLoss.Sub(b.DailyLossSoFar)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// CandidateBet is one bet offered for sizing
type CandidateBet struct {
	ID               string  `json:"id"`
	ModelProbability float64 `json:"model_probability"`
	DecimalOdds      float64 `json:"decimal_odds"`
	CorrelationGroup string  `json:"correlation_group,omitempty"` // empty = ungrouped
	MaxBetFraction   float64 `json:"max_bet_fraction,omitempty"`  // 0 = policy default
}

// StakeRecommendation is the engine output for one candidate
type StakeRecommendation struct {
	ID               string          `json:"id"`
	CorrelationGroup string          `json:"correlation_group,omitempty"`
	RecommendedStake decimal.Decimal `json:"recommended_stake"`
	KellyFraction    float64         `json:"kelly_fraction"`
	AppliedFraction  decimal.Decimal `json:"applied_fraction"`
	ExpectedValue    float64         `json:"expected_value"`
	EdgePercent      float64         `json:"edge_pct"`
	AmericanOdds     int             `json:"american_odds,omitempty"`
	ConfidenceTier   string          `json:"confidence_tier"`
	Reasoning        string          `json:"reasoning,omitempty"`
	Flags            []Flag          `json:"flags"`
}

// Has reports whether the recommendation carries the flag
func (r StakeRecommendation) Has(flag Flag) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// flagSet collects flags for one entry while the pipeline runs
type flagSet map[Flag]bool

func (s flagSet) sorted() []Flag {
	flags := make([]Flag, 0, len(s))
	for _, f := range flagOrder {
		if s[f] {
			flags = append(flags, f)
		}
	}
	return flags
}
