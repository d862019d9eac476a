package risk

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	// concentrationWarnPct flags batches putting more than this share of bankroll at risk
	concentrationWarnPct = 30.0

	// lowConfidenceShare is the share of low-tier staked bets that triggers a warning
	lowConfidenceShare = 0.5
)

// GroupExposure is the combined stake of one correlation group
type GroupExposure struct {
	Group      string          `json:"group"`
	Stake      decimal.Decimal `json:"stake"`
	BetCount   int             `json:"bet_count"`
	CappedBets int             `json:"capped_bets"`
}

// PortfolioSummary describes the risk of a sized batch as a whole
type PortfolioSummary struct {
	TotalStake         decimal.Decimal `json:"total_stake"`
	PercentOfBankroll  float64         `json:"pct_of_bankroll"`
	ExpectedProfit     decimal.Decimal `json:"expected_profit"`
	ProfitToRiskRatio  float64         `json:"profit_to_risk_ratio"`
	MaxPotentialLoss   decimal.Decimal `json:"max_potential_loss"`
	StakedCount        int             `json:"staked_count"`
	ZeroedCount        int             `json:"zeroed_count"`
	FlagCounts         map[Flag]int    `json:"flag_counts"`
	GroupExposure      []GroupExposure `json:"group_exposure"`
	RemainingDailyLoss decimal.Decimal `json:"remaining_daily_loss"`
	ROIPercent         float64         `json:"roi_pct"`
	DrawdownPercent    float64         `json:"drawdown_pct"`
	RiskLevel          string          `json:"risk_level,omitempty"`
	Warnings           []string        `json:"warnings"`
}

// Summarize aggregates recommendations into a portfolio view. It is pure, like
// the engine, and only reads its inputs.
func Summarize(bankroll BankrollState, recs []StakeRecommendation, policy Policy) PortfolioSummary {
	summary := PortfolioSummary{
		TotalStake:         decimal.Zero,
		ExpectedProfit:     decimal.Zero,
		FlagCounts:         make(map[Flag]int),
		GroupExposure:      []GroupExposure{},
		RemainingDailyLoss: bankroll.RemainingDailyLoss(),
		RiskLevel:          policy.RiskLevel,
		Warnings:           []string{},
	}

	groups := make(map[string]*GroupExposure)
	lowConfidence := 0

	for _, rec := range recs {
		for _, f := range rec.Flags {
			summary.FlagCounts[f]++
		}

		if !rec.RecommendedStake.IsPositive() {
			summary.ZeroedCount++
			continue
		}

		summary.StakedCount++
		summary.TotalStake = summary.TotalStake.Add(rec.RecommendedStake)
		summary.ExpectedProfit = summary.ExpectedProfit.Add(
			rec.RecommendedStake.Mul(decimal.NewFromFloat(rec.ExpectedValue)),
		)
		if rec.ConfidenceTier == TierLow {
			lowConfidence++
		}

		if rec.CorrelationGroup != "" {
			g, ok := groups[rec.CorrelationGroup]
			if !ok {
				g = &GroupExposure{Group: rec.CorrelationGroup, Stake: decimal.Zero}
				groups[rec.CorrelationGroup] = g
			}
			g.Stake = g.Stake.Add(rec.RecommendedStake)
			g.BetCount++
			if rec.Has(FlagCorrelationCapped) {
				g.CappedBets++
			}
		}
	}

	summary.ExpectedProfit = summary.ExpectedProfit.Round(policy.StakePlaces)
	summary.MaxPotentialLoss = summary.TotalStake
	if summary.TotalStake.IsPositive() {
		summary.ProfitToRiskRatio = summary.ExpectedProfit.Div(summary.TotalStake).Round(4).InexactFloat64()
	}

	for _, g := range groups {
		summary.GroupExposure = append(summary.GroupExposure, *g)
	}
	sort.Slice(summary.GroupExposure, func(i, j int) bool {
		return summary.GroupExposure[i].Group < summary.GroupExposure[j].Group
	})

	if bankroll.CurrentBalance.IsPositive() {
		summary.PercentOfBankroll = summary.TotalStake.Div(bankroll.CurrentBalance).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	if bankroll.StartingBalance.IsPositive() {
		delta := bankroll.CurrentBalance.Sub(bankroll.StartingBalance)
		summary.ROIPercent = delta.Div(bankroll.StartingBalance).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		if delta.IsNegative() {
			summary.DrawdownPercent = -summary.ROIPercent
		}
	}

	summary.Warnings = portfolioWarnings(bankroll, summary, policy, lowConfidence)
	return summary
}

// portfolioWarnings builds the human-readable risk warnings for a summary
func portfolioWarnings(bankroll BankrollState, summary PortfolioSummary, policy Policy, lowConfidence int) []string {
	warnings := []string{}

	if bankroll.DailyLossExhausted() {
		warnings = append(warnings, "Daily loss budget exhausted - no stakes recommended")
		return warnings
	}

	if summary.PercentOfBankroll > concentrationWarnPct {
		warnings = append(warnings, fmt.Sprintf("HIGH RISK: total stake is %.2f%% of bankroll (over %.0f%%)", summary.PercentOfBankroll, concentrationWarnPct))
	}
	if summary.PercentOfBankroll > policy.MaxDailyExposure*100 {
		warnings = append(warnings, fmt.Sprintf("Total stake exceeds max daily exposure of %.0f%%", policy.MaxDailyExposure*100))
	}
	if summary.TotalStake.GreaterThan(summary.RemainingDailyLoss) {
		warnings = append(warnings, fmt.Sprintf("Total stake $%s exceeds remaining daily loss budget $%s",
			summary.TotalStake.StringFixed(policy.StakePlaces), summary.RemainingDailyLoss.StringFixed(policy.StakePlaces)))
	}
	if summary.StakedCount > 0 && float64(lowConfidence) > float64(summary.StakedCount)*lowConfidenceShare {
		warnings = append(warnings, "MEDIUM RISK: more than 50% of staked bets have low confidence")
	}

	return warnings
}
