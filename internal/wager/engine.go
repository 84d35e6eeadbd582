// Package wager is the ledger core: it places, cancels and settles bets and
// runs the operator's competition lifecycle. Every mutation runs in one
// store transaction with the affected user row locked, so balances move
// exactly once even under concurrent requests.
//
// All monetary values use shopspring/decimal, never float64.
package wager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/events"
	"github.com/totalizator/wager-engine/internal/metrics"
	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/settlement"
	"github.com/totalizator/wager-engine/internal/store"
)

// publishTimeout bounds event delivery after a commit.
const publishTimeout = 2 * time.Second

// Engine orchestrates the bet lifecycle against a Store.
type Engine struct {
	store store.Store
	pub   events.Publisher
}

// NewEngine creates an engine. A nil publisher discards events.
func NewEngine(st store.Store, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{store: st, pub: pub}
}

// PlaceBetRequest carries the inputs of a placement.
type PlaceBetRequest struct {
	UserID         int64           `json:"user_id"`
	CompetitionID  int64           `json:"competition_id"`
	BetTypeID      int64           `json:"bet_type_id"`
	Stake          decimal.Decimal `json:"amount"`
	PredictedValue string          `json:"predicted_value"`
}

// PlaceBet debits the stake and records a PENDING bet in one transaction.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, error) {
	if !req.Stake.IsPositive() {
		return nil, e.fail("place bet", ErrInvalidStake.withf("stake must be positive, got %s", req.Stake))
	}
	if strings.TrimSpace(req.PredictedValue) == "" {
		return nil, e.fail("place bet", ErrEmptyPrediction)
	}

	var placed *model.Bet
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		comp, err := tx.ShareCompetition(ctx, req.CompetitionID)
		if err != nil {
			return lookupErr(err, ErrUnknownCompetition.withf("competition %d", req.CompetitionID))
		}
		if _, err := tx.GetBetType(ctx, req.BetTypeID); err != nil {
			return lookupErr(err, ErrUnknownBetType.withf("bet type %d", req.BetTypeID))
		}
		balance, err := tx.LockUserBalance(ctx, req.UserID)
		if err != nil {
			return lookupErr(err, ErrUnknownUser.withf("user %d", req.UserID))
		}

		if comp.Status != model.CompetitionScheduled {
			return ErrBettingClosed.withf("competition %d is %s", comp.ID, comp.Status)
		}
		if balance.LessThan(req.Stake) {
			return ErrInsufficientBalance.withf("balance %s, stake %s", balance, req.Stake)
		}

		if err := tx.SaveUserBalance(ctx, req.UserID, balance.Sub(req.Stake)); err != nil {
			return storageFailure("debit stake", err)
		}
		placed, err = tx.InsertBet(ctx, &model.Bet{
			UserID:         req.UserID,
			CompetitionID:  req.CompetitionID,
			BetTypeID:      req.BetTypeID,
			Amount:         req.Stake,
			PredictedValue: req.PredictedValue,
			Status:         model.BetPending,
		})
		if err != nil {
			return storageFailure("insert bet", err)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("place bet", err)
	}

	metrics.BetsPlaced.Inc()
	slog.Info("bet placed",
		"bet_id", placed.ID,
		"user_id", placed.UserID,
		"competition_id", placed.CompetitionID,
		"bet_type", placed.BetTypeName,
		"amount", placed.Amount.String(),
	)
	e.publish(ctx, betEvent(events.BetPlaced, placed))
	return placed, nil
}

// CancelBet refunds a PENDING bet while its competition is still SCHEDULED.
// A bet that has already left PENDING is rejected with ErrBetNotCancellable
// and the balance is untouched.
func (e *Engine) CancelBet(ctx context.Context, betID int64) (bool, error) {
	var cancelled *model.Bet
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		// Locks go competition, bet, user. The unlocked read only finds the
		// competition; a bet never changes competition.
		peek, err := tx.LoadBet(ctx, betID)
		if err != nil {
			return lookupErr(err, ErrBetNotFound.withf("bet %d", betID))
		}
		comp, err := tx.ShareCompetition(ctx, peek.CompetitionID)
		if err != nil {
			return lookupErr(err, ErrUnknownCompetition.withf("competition %d", peek.CompetitionID))
		}

		bet, err := tx.LockBet(ctx, betID)
		if err != nil {
			return lookupErr(err, ErrBetNotFound.withf("bet %d", betID))
		}
		if bet.Status != model.BetPending {
			return ErrBetNotCancellable.withf("bet %d is %s", bet.ID, bet.Status)
		}
		if comp.Status != model.CompetitionScheduled {
			return ErrBetNotCancellable.withf("betting closed for competition %d", comp.ID)
		}

		if err := refund(ctx, tx, bet); err != nil {
			return err
		}
		cancelled = bet
		return nil
	})
	if err != nil {
		return false, e.fail("cancel bet", err)
	}

	metrics.BetsCancelled.Inc()
	slog.Info("bet cancelled",
		"bet_id", cancelled.ID,
		"user_id", cancelled.UserID,
		"competition_id", cancelled.CompetitionID,
		"amount", cancelled.Amount.String(),
	)
	e.publish(ctx, betEvent(events.BetCancelled, cancelled))
	return true, nil
}

// refund credits the stake back and marks bet CANCELLED. bet must have been
// read under lock in tx.
func refund(ctx context.Context, tx store.Ledger, bet *model.Bet) error {
	balance, err := tx.LockUserBalance(ctx, bet.UserID)
	if err != nil {
		return lookupErr(err, ErrUnknownUser.withf("user %d", bet.UserID))
	}
	if err := tx.SaveUserBalance(ctx, bet.UserID, balance.Add(bet.Amount)); err != nil {
		return storageFailure("refund stake", err)
	}

	bet.Status = model.BetCancelled
	bet.Payout = nil
	ok, err := tx.UpdateBet(ctx, bet)
	if err != nil {
		return storageFailure("update bet", err)
	}
	if !ok {
		return ErrBetNotFound.withf("bet %d", bet.ID)
	}
	return nil
}

// SettleCompetition settles every PENDING bet of a FINISHED competition, one
// transaction per bet, and returns how many bets it transitioned. Bets
// already settled are skipped, so a second run transitions zero. On a
// storage failure the bets settled so far stay settled and the count is
// returned with the error; re-running completes the rest.
func (e *Engine) SettleCompetition(ctx context.Context, competitionID int64) (int, error) {
	start := time.Now()
	runID := uuid.NewString()

	comp, err := e.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return 0, e.fail("settle competition", lookupErr(err, ErrCompetitionNotFound.withf("competition %d", competitionID)))
	}
	if comp.Status != model.CompetitionFinished {
		return 0, e.fail("settle competition", ErrCompetitionNotFinished.withf("competition %d is %s", comp.ID, comp.Status))
	}
	if !comp.Decided() {
		return 0, e.fail("settle competition", ErrCompetitionNotFinished.withf("competition %d has no final score", comp.ID))
	}

	bets, err := e.store.LoadBetsForCompetition(ctx, competitionID)
	if err != nil {
		return 0, e.fail("settle competition", storageFailure("load bets", err))
	}

	result := settlement.ResultOf(comp)
	settled := 0
	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		bet, err := e.settleBet(ctx, b.ID, result)
		if err != nil {
			slog.Error("settlement interrupted",
				"run_id", runID,
				"competition_id", competitionID,
				"bet_id", b.ID,
				"settled", settled,
				"err", err,
			)
			return settled, e.fail("settle competition", err)
		}
		if bet == nil {
			continue
		}
		settled++

		if bet.Status == model.BetWon {
			metrics.BetsSettled.WithLabelValues("won").Inc()
			metrics.PayoutTotal.Add(bet.Payout.InexactFloat64())
			e.publish(ctx, betEvent(events.BetWon, bet))
		} else {
			metrics.BetsSettled.WithLabelValues("lost").Inc()
			e.publish(ctx, betEvent(events.BetLost, bet))
		}
	}

	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	slog.Info("competition settled",
		"run_id", runID,
		"competition_id", competitionID,
		"result", comp.Result,
		"settled", settled,
		"duration", time.Since(start),
	)
	e.publish(ctx, events.LedgerEvent{
		Type:          events.CompetitionSettled,
		CompetitionID: competitionID,
		Status:        string(comp.Result),
		Count:         settled,
	})
	return settled, nil
}

// settleBet applies the verdict to one bet. It returns nil when the bet
// left PENDING before the lock was taken.
func (e *Engine) settleBet(ctx context.Context, betID int64, result settlement.Result) (*model.Bet, error) {
	var settled *model.Bet
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		bet, err := tx.LockBet(ctx, betID)
		if err != nil {
			return lookupErr(err, ErrBetNotFound.withf("bet %d", betID))
		}
		if bet.Status != model.BetPending {
			return nil
		}

		if settlement.Wins(bet.BetTypeName, bet.PredictedValue, result) {
			override, err := tx.GetOddsOverride(ctx, bet.CompetitionID, bet.BetTypeID)
			if err != nil {
				return storageFailure("load odds", err)
			}
			payout := settlement.Payout(bet.Amount, settlement.EffectiveMultiplier(bet.Multiplier, override))

			balance, err := tx.LockUserBalance(ctx, bet.UserID)
			if err != nil {
				return lookupErr(err, ErrUnknownUser.withf("user %d", bet.UserID))
			}
			if err := tx.SaveUserBalance(ctx, bet.UserID, balance.Add(payout)); err != nil {
				return storageFailure("credit payout", err)
			}
			bet.Status = model.BetWon
			bet.Payout = &payout
		} else {
			bet.Status = model.BetLost
			bet.Payout = nil
		}

		ok, err := tx.UpdateBet(ctx, bet)
		if err != nil {
			return storageFailure("update bet", err)
		}
		if !ok {
			return ErrBetNotFound.withf("bet %d", bet.ID)
		}
		settled = bet
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		attrs := []any{"bet_id", settled.ID, "user_id", settled.UserID, "status", settled.Status}
		if settled.Payout != nil {
			attrs = append(attrs, "payout", settled.Payout.String())
		}
		slog.Info("bet settled", attrs...)
	}
	return settled, nil
}

// ListBetsForUser returns the user's bets, newest first.
func (e *Engine) ListBetsForUser(ctx context.Context, userID int64) ([]model.Bet, error) {
	bets, err := e.store.LoadBetsForUser(ctx, userID)
	if err != nil {
		return nil, e.fail("list bets", storageFailure("load bets for user", err))
	}
	return bets, nil
}

// ListBetsForCompetition returns the competition's bets, newest first.
func (e *Engine) ListBetsForCompetition(ctx context.Context, competitionID int64) ([]model.Bet, error) {
	bets, err := e.store.LoadBetsForCompetition(ctx, competitionID)
	if err != nil {
		return nil, e.fail("list bets", storageFailure("load bets for competition", err))
	}
	return bets, nil
}

// GetBet returns one bet.
func (e *Engine) GetBet(ctx context.Context, betID int64) (*model.Bet, error) {
	bet, err := e.store.LoadBet(ctx, betID)
	if err != nil {
		return nil, e.fail("get bet", lookupErr(err, ErrBetNotFound.withf("bet %d", betID)))
	}
	return bet, nil
}

// lookupErr maps a missing row to notFound. Any other store error is a
// storage failure, never a not-found.
func lookupErr(err error, notFound *Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return storageFailure(notFound.Msg, err)
}

// fail classifies err, records it and returns the engine error.
func (e *Engine) fail(op string, err error) error {
	var we *Error
	if !errors.As(err, &we) {
		we = storageFailure(op, err)
	}

	metrics.Rejections.WithLabelValues(string(we.Code)).Inc()
	if we.Kind == KindStorage {
		slog.Error(op+" failed", "code", we.Code, "err", we)
	} else {
		slog.Warn(op+" rejected", "code", we.Code, "reason", we.Msg)
	}
	return we
}

func (e *Engine) publish(ctx context.Context, ev events.LedgerEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish ledger event failed", "type", ev.Type, "competition_id", ev.CompetitionID, "err", err)
	}
}

func betEvent(t events.Type, b *model.Bet) events.LedgerEvent {
	amount := b.Amount
	return events.LedgerEvent{
		Type:          t,
		BetID:         b.ID,
		UserID:        b.UserID,
		CompetitionID: b.CompetitionID,
		BetType:       string(b.BetTypeName),
		Amount:        &amount,
		Payout:        b.Payout,
		Status:        string(b.Status),
	}
}
