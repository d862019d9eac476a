package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// fractionPlaces is the fixed-point precision of bankroll fractions
	fractionPlaces = 12

	// edgeEpsilon absorbs float noise at break-even odds
	edgeEpsilon = 1e-12
)

// Engine sizes stakes for batches of candidate bets. It holds only its policy,
// never bankroll state, so one Engine can serve concurrent batches.
type Engine struct {
	policy Policy
}

// NewEngine creates an engine for a validated policy
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Engine{policy: policy}, nil
}

// Policy returns the engine's policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// sizing is the per-candidate working state of one batch
type sizing struct {
	flags    flagSet
	eligible bool
	uncapped decimal.Decimal // k * f*, before any cap
	cap      decimal.Decimal
	applied  decimal.Decimal
}

// ComputeRecommendations sizes every candidate using the policy's confidence threshold
func (e *Engine) ComputeRecommendations(bankroll BankrollState, candidates []CandidateBet) ([]StakeRecommendation, error) {
	return e.ComputeWithThreshold(bankroll, candidates, e.policy.ConfidenceThreshold)
}

// ComputeWithThreshold sizes every candidate against the bankroll snapshot.
// Recommendations come back in input order. An invalid bankroll fails the whole
// batch; an invalid candidate is zeroed and flagged INVALID_INPUT.
func (e *Engine) ComputeWithThreshold(bankroll BankrollState, candidates []CandidateBet, threshold float64) ([]StakeRecommendation, error) {
	if err := bankroll.Validate(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if !(threshold >= 0 && threshold <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}

	recs := make([]StakeRecommendation, len(candidates))
	sizes := make([]sizing, len(candidates))
	for i, c := range candidates {
		recs[i], sizes[i] = e.sizeCandidate(c, threshold)
	}

	e.applyCorrelationCaps(candidates, sizes)

	// Hard stop: nothing is staked once the daily loss budget is spent
	stopped := bankroll.DailyLossExhausted()

	for i := range recs {
		s := &sizes[i]
		if stopped {
			s.flags[FlagExceedsDailyLossBudget] = true
			s.applied = decimal.Zero
		}
		recs[i].AppliedFraction = s.applied
		recs[i].RecommendedStake = s.applied.Mul(bankroll.CurrentBalance).RoundFloor(e.policy.StakePlaces)
		recs[i].Flags = s.flags.sorted()
	}

	return recs, nil
}

// sizeCandidate runs the per-bet steps: validation, Kelly, edge gate,
// fractional multiplier and single-bet cap
func (e *Engine) sizeCandidate(c CandidateBet, threshold float64) (StakeRecommendation, sizing) {
	rec := StakeRecommendation{ID: c.ID, CorrelationGroup: c.CorrelationGroup}
	s := sizing{flags: flagSet{}, applied: decimal.Zero}

	maxFraction := c.MaxBetFraction
	if maxFraction == 0 {
		maxFraction = e.policy.MaxBetFraction
	}

	if !validProbability(c.ModelProbability) || !validOdds(c.DecimalOdds) || !(maxFraction > 0 && maxFraction <= 1) {
		s.flags[FlagInvalidInput] = true
		return rec, s
	}

	p, odds := c.ModelProbability, c.DecimalOdds
	rec.KellyFraction = KellyFraction(p, odds)
	rec.ExpectedValue = ExpectedValue(p, odds)
	rec.EdgePercent = EdgePercent(p, odds)
	rec.ConfidenceTier = ConfidenceTier(p)
	rec.Reasoning = Reasoning(rec.ConfidenceTier, rec.EdgePercent)
	if american, err := DecimalToAmerican(odds); err == nil {
		rec.AmericanOdds = american
	}

	if rec.KellyFraction <= edgeEpsilon {
		s.flags[FlagNegativeEdge] = true
	}
	if p < threshold {
		s.flags[FlagBelowConfidence] = true
	}
	if len(s.flags) > 0 {
		return rec, s
	}

	s.eligible = true
	s.uncapped = quantizeFraction(e.policy.KellyMultiplier * rec.KellyFraction)
	s.cap = quantizeFraction(maxFraction)
	s.applied = s.uncapped
	if s.uncapped.GreaterThan(s.cap) {
		s.applied = s.cap
		s.flags[FlagSingleBetCapped] = true
	}

	return rec, s
}

// applyCorrelationCaps scales correlated members so each group's combined
// uncapped fraction fits under the group ceiling. The scale factor depends only
// on the exact group sum, so member order does not matter.
func (e *Engine) applyCorrelationCaps(candidates []CandidateBet, sizes []sizing) {
	ceiling := e.policy.GroupCeiling()

	totals := make(map[string]decimal.Decimal)
	for i, c := range candidates {
		if c.CorrelationGroup == "" || !sizes[i].eligible {
			continue
		}
		totals[c.CorrelationGroup] = totals[c.CorrelationGroup].Add(sizes[i].uncapped)
	}

	for i, c := range candidates {
		s := &sizes[i]
		if c.CorrelationGroup == "" || !s.eligible {
			continue
		}
		total := totals[c.CorrelationGroup]
		if !total.GreaterThan(ceiling) {
			continue
		}

		// floor(uncapped * ceiling / total) keeps the group sum at or under the ceiling
		scaled, _ := s.uncapped.Mul(ceiling).QuoRem(total, fractionPlaces)

		if scaled.LessThan(s.cap) {
			s.applied = scaled
			s.flags[FlagCorrelationCapped] = true
			delete(s.flags, FlagSingleBetCapped)
		} else {
			s.applied = s.cap
		}
	}
}

// quantizeFraction converts a float fraction to fixed point, dropping float noise
func quantizeFraction(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(fractionPlaces)
}
