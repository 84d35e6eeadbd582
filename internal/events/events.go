// Package events publishes ledger state changes after they commit.
// Delivery is best-effort: a failed publish is logged by the caller and never
// rolls back the ledger.
package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names a ledger event.
type Type string

const (
	BetPlaced          Type = "bet_placed"
	BetCancelled       Type = "bet_cancelled"
	BetWon             Type = "bet_won"
	BetLost            Type = "bet_lost"
	CompetitionSettled Type = "competition_settled"
	OddsChanged        Type = "odds_changed"
)

// LedgerEvent is one committed change. Amount carries the stake for bet
// events and the new multiplier for odds changes; Payout is set for bet_won.
type LedgerEvent struct {
	ID            string           `json:"id"`
	Type          Type             `json:"type"`
	BetID         int64            `json:"bet_id,omitempty"`
	UserID        int64            `json:"user_id,omitempty"`
	CompetitionID int64            `json:"competition_id"`
	BetType       string           `json:"bet_type,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Payout        *decimal.Decimal `json:"payout,omitempty"`
	Status        string           `json:"status,omitempty"`
	Count         int              `json:"count,omitempty"`
	At            time.Time        `json:"at"`
}

// Stamp fills in ID and At when they are unset.
func (e *LedgerEvent) Stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
}

// Key is the partition key: events of one competition stay ordered.
func (e *LedgerEvent) Key() string {
	return strconv.FormatInt(e.CompetitionID, 10)
}

// Publisher delivers ledger events.
type Publisher interface {
	Publish(ctx context.Context, e LedgerEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, LedgerEvent) error { return nil }

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e LedgerEvent) error {
	e.Stamp()
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
