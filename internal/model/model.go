// Package model defines the core ledger types shared across the wagering engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	BetPending   BetStatus = "PENDING"
	BetWon       BetStatus = "WON"
	BetLost      BetStatus = "LOST"
	BetCancelled BetStatus = "CANCELLED"
)

// Terminal reports whether no further transition is defined out of s.
func (s BetStatus) Terminal() bool {
	return s == BetWon || s == BetLost || s == BetCancelled
}

// BetTypeName is one of the fixed bet kinds an operator can price.
type BetTypeName string

const (
	BetTypeWin        BetTypeName = "WIN"
	BetTypeDraw       BetTypeName = "DRAW"
	BetTypeLoss       BetTypeName = "LOSS"
	BetTypeExactScore BetTypeName = "EXACT_SCORE"
	BetTypeTotalOver  BetTypeName = "TOTAL_OVER"
	BetTypeTotalUnder BetTypeName = "TOTAL_UNDER"
)

// BetTypeNames lists every known bet type in display order.
var BetTypeNames = []BetTypeName{
	BetTypeWin, BetTypeDraw, BetTypeLoss,
	BetTypeExactScore, BetTypeTotalOver, BetTypeTotalUnder,
}

// Valid reports whether n is one of the enumerated bet types.
func (n BetTypeName) Valid() bool {
	for _, known := range BetTypeNames {
		if n == known {
			return true
		}
	}
	return false
}

// CompetitionStatus is the lifecycle state of a competition.
type CompetitionStatus string

const (
	CompetitionScheduled  CompetitionStatus = "SCHEDULED"
	CompetitionInProgress CompetitionStatus = "IN_PROGRESS"
	CompetitionFinished   CompetitionStatus = "FINISHED"
	CompetitionCancelled  CompetitionStatus = "CANCELLED"
)

// Outcome describes who won a finished competition.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeWinTeam1 Outcome = "WIN_TEAM1"
	OutcomeWinTeam2 Outcome = "WIN_TEAM2"
	OutcomeDraw     Outcome = "DRAW"
)

// OutcomeForScores derives the outcome descriptor from final scores.
func OutcomeForScores(score1, score2 int) Outcome {
	switch {
	case score1 > score2:
		return OutcomeWinTeam1
	case score2 > score1:
		return OutcomeWinTeam2
	default:
		return OutcomeDraw
	}
}

// Bet is a user's stake on one competition outcome.
// Payout is set if and only if Status is WON.
type Bet struct {
	ID             int64            `json:"id" db:"id"`
	UserID         int64            `json:"user_id" db:"user_id"`
	CompetitionID  int64            `json:"competition_id" db:"competition_id"`
	BetTypeID      int64            `json:"bet_type_id" db:"bet_type_id"`
	BetTypeName    BetTypeName      `json:"bet_type_name" db:"bet_type_name"`
	Multiplier     decimal.Decimal  `json:"multiplier" db:"multiplier"` // bet type default, joined on load
	Amount         decimal.Decimal  `json:"amount" db:"amount"`
	PredictedValue string           `json:"predicted_value" db:"predicted_value"`
	Status         BetStatus        `json:"status" db:"status"`
	Payout         *decimal.Decimal `json:"win_amount,omitempty" db:"win_amount"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// BetType is a priced bet kind. Multiplier is the default odds, which a
// competition may override.
type BetType struct {
	ID         int64           `json:"id" db:"id"`
	Name       BetTypeName     `json:"name" db:"name"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
}

// Competition is a scheduled match between two teams.
// Scores are present only once the competition is FINISHED.
type Competition struct {
	ID        int64             `json:"id" db:"id"`
	Title     string            `json:"title" db:"title"`
	Team1     string            `json:"team1" db:"team1"`
	Team2     string            `json:"team2" db:"team2"`
	Status    CompetitionStatus `json:"status" db:"status"`
	Result    Outcome           `json:"result,omitempty" db:"result"`
	Score1    *int              `json:"score1,omitempty" db:"score1"`
	Score2    *int              `json:"score2,omitempty" db:"score2"`
	StartsAt  time.Time         `json:"starts_at" db:"starts_at"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Decided reports whether the competition finished with both scores recorded.
func (c *Competition) Decided() bool {
	return c.Status == CompetitionFinished && c.Score1 != nil && c.Score2 != nil
}

// User is the balance-holding account. Balance is never negative.
type User struct {
	ID      int64           `json:"id" db:"id"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// OddsOverride is an operator-set multiplier for one bet type on one competition.
type OddsOverride struct {
	CompetitionID int64           `json:"competition_id" db:"competition_id"`
	BetTypeID     int64           `json:"bet_type_id" db:"bet_type_id"`
	Multiplier    decimal.Decimal `json:"multiplier" db:"multiplier"`
}
