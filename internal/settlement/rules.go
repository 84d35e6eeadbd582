// Package settlement decides whether a bet won against a competition's final
// result and how much it pays. Everything here is pure: no I/O, no clocks.
//
// All monetary values use shopspring/decimal, never float64.
package settlement

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
)

// Team predictions accepted by the WIN and LOSS bet types, and the DRAW
// prediction accepted by the DRAW bet type.
const (
	PredictTeam1 = "TEAM1"
	PredictTeam2 = "TEAM2"
	PredictDraw  = "DRAW"
)

// Result is the decided state of a competition as seen by the rules.
type Result struct {
	Outcome model.Outcome
	Score1  *int
	Score2  *int
}

// ResultOf extracts the rule inputs from a competition.
func ResultOf(c *model.Competition) Result {
	return Result{Outcome: c.Result, Score1: c.Score1, Score2: c.Score2}
}

// Wins reports whether a prediction of the given bet type wins against r.
// Unknown bet types never win, and neither does anything while a score is
// missing.
func Wins(betType model.BetTypeName, predicted string, r Result) bool {
	if r.Score1 == nil || r.Score2 == nil {
		return false
	}

	switch betType {
	case model.BetTypeWin:
		return (r.Outcome == model.OutcomeWinTeam1 && predicted == PredictTeam1) ||
			(r.Outcome == model.OutcomeWinTeam2 && predicted == PredictTeam2)
	case model.BetTypeDraw:
		return r.Outcome == model.OutcomeDraw && predicted == PredictDraw
	case model.BetTypeLoss:
		// The predicted team is the one expected to lose.
		return (r.Outcome == model.OutcomeWinTeam2 && predicted == PredictTeam1) ||
			(r.Outcome == model.OutcomeWinTeam1 && predicted == PredictTeam2)
	case model.BetTypeExactScore:
		return predicted == FormatScore(*r.Score1, *r.Score2)
	default:
		return false
	}
}

// Payout is stake × multiplier, exact.
func Payout(stake, multiplier decimal.Decimal) decimal.Decimal {
	return stake.Mul(multiplier)
}

// EffectiveMultiplier picks the competition override when one exists.
func EffectiveMultiplier(defaultMult decimal.Decimal, override *decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	return defaultMult
}

// FormatScore renders scores the way EXACT_SCORE predictions are written.
func FormatScore(score1, score2 int) string {
	return strconv.Itoa(score1) + ":" + strconv.Itoa(score2)
}
