package models

import (
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/risk"
	"github.com/shopspring/decimal"
)

// RecommendationRequest is the request for stake recommendations.
// Either Bankroll is given inline or UserID names a stored bankroll.
type RecommendationRequest struct {
	UserID              string              `json:"user_id,omitempty"`
	Bankroll            *risk.BankrollState `json:"bankroll,omitempty"`
	RiskLevel           string              `json:"risk_level,omitempty"`
	ConfidenceThreshold *float64            `json:"confidence_threshold,omitempty"`
	Candidates          []CandidateInput    `json:"candidates"`
}

// CandidateInput is a candidate bet as sent over the wire.
// Odds may be decimal or American; decimal wins when both are set.
type CandidateInput struct {
	ID               string   `json:"id"`
	ModelProbability float64  `json:"model_probability"`
	DecimalOdds      *float64 `json:"decimal_odds,omitempty"`
	AmericanOdds     *int     `json:"american_odds,omitempty"` // e.g. -110, +150
	CorrelationGroup string   `json:"correlation_group,omitempty"`
	MaxBetFraction   float64  `json:"max_bet_fraction,omitempty"`
}

// ToCandidate converts the wire form. Unusable odds become 0 so the engine
// flags the entry as INVALID_INPUT instead of failing the batch.
func (c CandidateInput) ToCandidate() risk.CandidateBet {
	bet := risk.CandidateBet{
		ID:               c.ID,
		ModelProbability: c.ModelProbability,
		CorrelationGroup: c.CorrelationGroup,
		MaxBetFraction:   c.MaxBetFraction,
	}

	switch {
	case c.DecimalOdds != nil:
		bet.DecimalOdds = *c.DecimalOdds
	case c.AmericanOdds != nil:
		if odds, err := risk.AmericanToDecimal(*c.AmericanOdds); err == nil {
			bet.DecimalOdds = odds
		}
	}

	return bet
}

// Batch is one sized set of recommendations together with its inputs
type Batch struct {
	ID                  string                     `json:"batch_id"`
	UserID              string                     `json:"user_id,omitempty"`
	CreatedAt           time.Time                  `json:"created_at"`
	RiskLevel           string                     `json:"risk_level,omitempty"`
	ConfidenceThreshold float64                    `json:"confidence_threshold"`
	Bankroll            risk.BankrollState         `json:"bankroll"`
	Recommendations     []risk.StakeRecommendation `json:"recommendations"`
	Summary             risk.PortfolioSummary      `json:"summary"`
}

// BatchHeader is the stored summary row of a batch
type BatchHeader struct {
	ID          string          `json:"batch_id"`
	UserID      string          `json:"user_id"`
	CreatedAt   time.Time       `json:"created_at"`
	RiskLevel   string          `json:"risk_level,omitempty"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	StakedCount int             `json:"staked_count"`
	BetCount    int             `json:"bet_count"`
}

// RiskLevelsResponse lists the available presets and the active base policy
type RiskLevelsResponse struct {
	Policy risk.Policy      `json:"policy"`
	Levels []risk.RiskLevel `json:"levels"`
}
