package wager

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/events"
	"github.com/totalizator/wager-engine/internal/metrics"
	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/store"
)

// NewCompetition carries the inputs of CreateCompetition.
type NewCompetition struct {
	Title    string    `json:"title"`
	Team1    string    `json:"team1"`
	Team2    string    `json:"team2"`
	StartsAt time.Time `json:"starts_at"`
}

// CreateCompetition schedules a new competition.
func (e *Engine) CreateCompetition(ctx context.Context, req NewCompetition) (*model.Competition, error) {
	team1, team2 := strings.TrimSpace(req.Team1), strings.TrimSpace(req.Team2)
	if team1 == "" || team2 == "" {
		return nil, e.fail("create competition", ErrInvalidCompetition.withf("both teams are required"))
	}
	if strings.EqualFold(team1, team2) {
		return nil, e.fail("create competition", ErrInvalidCompetition.withf("a team cannot play itself"))
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = team1 + " vs " + team2
	}
	comp, err := e.store.CreateCompetition(ctx, &model.Competition{
		Title:    title,
		Team1:    team1,
		Team2:    team2,
		Status:   model.CompetitionScheduled,
		StartsAt: req.StartsAt,
	})
	if err != nil {
		return nil, e.fail("create competition", storageFailure("insert competition", err))
	}

	slog.Info("competition created", "competition_id", comp.ID, "title", comp.Title)
	return comp, nil
}

// GetCompetition returns one competition.
func (e *Engine) GetCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	comp, err := e.store.GetCompetition(ctx, id)
	if err != nil {
		return nil, e.fail("get competition", lookupErr(err, ErrCompetitionNotFound.withf("competition %d", id)))
	}
	return comp, nil
}

// ListCompetitions returns competitions in the given status, or all of them
// when status is empty.
func (e *Engine) ListCompetitions(ctx context.Context, status model.CompetitionStatus) ([]model.Competition, error) {
	switch status {
	case "", model.CompetitionScheduled, model.CompetitionInProgress,
		model.CompetitionFinished, model.CompetitionCancelled:
	default:
		return nil, e.fail("list competitions", ErrInvalidStatus.withf("unknown status %q", status))
	}

	comps, err := e.store.ListCompetitions(ctx, status)
	if err != nil {
		return nil, e.fail("list competitions", storageFailure("list competitions", err))
	}
	return comps, nil
}

// StartCompetition closes the betting window: SCHEDULED → IN_PROGRESS.
func (e *Engine) StartCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	comp, err := e.transition(ctx, id, func(c *model.Competition) error {
		if c.Status != model.CompetitionScheduled {
			return ErrInvalidTransition.withf("competition %d is %s", c.ID, c.Status)
		}
		c.Status = model.CompetitionInProgress
		return nil
	})
	if err != nil {
		return nil, e.fail("start competition", err)
	}

	slog.Info("competition started", "competition_id", comp.ID)
	return comp, nil
}

// FinishCompetition records the final score and derives the outcome. Allowed
// from SCHEDULED or IN_PROGRESS. Settlement is a separate call.
func (e *Engine) FinishCompetition(ctx context.Context, id int64, score1, score2 int) (*model.Competition, error) {
	if score1 < 0 || score2 < 0 {
		return nil, e.fail("finish competition", ErrInvalidScore.withf("scores must be non-negative, got %d:%d", score1, score2))
	}

	comp, err := e.transition(ctx, id, func(c *model.Competition) error {
		if c.Status != model.CompetitionScheduled && c.Status != model.CompetitionInProgress {
			return ErrInvalidTransition.withf("competition %d is %s", c.ID, c.Status)
		}
		c.Status = model.CompetitionFinished
		c.Result = model.OutcomeForScores(score1, score2)
		c.Score1, c.Score2 = &score1, &score2
		return nil
	})
	if err != nil {
		return nil, e.fail("finish competition", err)
	}

	slog.Info("competition finished",
		"competition_id", comp.ID,
		"result", comp.Result,
		"score1", score1,
		"score2", score2,
	)
	return comp, nil
}

// CancelCompetition calls a competition off and refunds every PENDING bet,
// one transaction per bet. It returns the number of bets refunded. Calling
// it again on a CANCELLED competition retries refunds left over from an
// interrupted run.
func (e *Engine) CancelCompetition(ctx context.Context, id int64) (int, error) {
	_, err := e.transition(ctx, id, func(c *model.Competition) error {
		switch c.Status {
		case model.CompetitionScheduled, model.CompetitionInProgress, model.CompetitionCancelled:
		default:
			return ErrInvalidTransition.withf("competition %d is %s", c.ID, c.Status)
		}
		c.Status = model.CompetitionCancelled
		return nil
	})
	if err != nil {
		return 0, e.fail("cancel competition", err)
	}

	bets, err := e.store.LoadBetsForCompetition(ctx, id)
	if err != nil {
		return 0, e.fail("cancel competition", storageFailure("load bets", err))
	}

	refunded := 0
	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		var bet *model.Bet
		err := e.store.InTx(ctx, func(tx store.Ledger) error {
			locked, err := tx.LockBet(ctx, b.ID)
			if err != nil {
				return lookupErr(err, ErrBetNotFound.withf("bet %d", b.ID))
			}
			if locked.Status != model.BetPending {
				return nil
			}
			if err := refund(ctx, tx, locked); err != nil {
				return err
			}
			bet = locked
			return nil
		})
		if err != nil {
			return refunded, e.fail("cancel competition", err)
		}
		if bet == nil {
			continue
		}
		refunded++
		metrics.BetsCancelled.Inc()
		e.publish(ctx, betEvent(events.BetCancelled, bet))
	}

	slog.Info("competition cancelled", "competition_id", id, "refunded", refunded)
	return refunded, nil
}

// transition applies mutate to the competition under an exclusive lock.
func (e *Engine) transition(ctx context.Context, id int64, mutate func(*model.Competition) error) (*model.Competition, error) {
	var comp *model.Competition
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		c, err := tx.LockCompetition(ctx, id)
		if err != nil {
			return lookupErr(err, ErrCompetitionNotFound.withf("competition %d", id))
		}
		if err := mutate(c); err != nil {
			return err
		}
		ok, err := tx.UpdateCompetition(ctx, c)
		if err != nil {
			return storageFailure("update competition", err)
		}
		if !ok {
			return ErrCompetitionNotFound.withf("competition %d", id)
		}
		comp = c
		return nil
	})
	return comp, err
}

// SetOdds upserts per-competition multipliers by bet type name. Odds can
// only change while betting is open.
func (e *Engine) SetOdds(ctx context.Context, competitionID int64, odds map[model.BetTypeName]decimal.Decimal) ([]model.OddsOverride, error) {
	if len(odds) == 0 {
		return nil, e.fail("set odds", ErrInvalidOdds.withf("no multipliers given"))
	}
	names := make([]model.BetTypeName, 0, len(odds))
	for name, m := range odds {
		if !name.Valid() {
			return nil, e.fail("set odds", ErrUnknownBetType.withf("bet type %q", name))
		}
		if m.IsNegative() {
			return nil, e.fail("set odds", ErrInvalidOdds.withf("%s multiplier %s is negative", name, m))
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var overrides []model.OddsOverride
	byID := make(map[int64]model.BetTypeName, len(names))
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		comp, err := tx.LockCompetition(ctx, competitionID)
		if err != nil {
			return lookupErr(err, ErrCompetitionNotFound.withf("competition %d", competitionID))
		}
		if comp.Status != model.CompetitionScheduled {
			return ErrBettingClosed.withf("competition %d is %s", comp.ID, comp.Status)
		}

		types, err := tx.ListBetTypes(ctx)
		if err != nil {
			return storageFailure("list bet types", err)
		}
		ids := make(map[model.BetTypeName]int64, len(types))
		for _, bt := range types {
			ids[bt.Name] = bt.ID
			byID[bt.ID] = bt.Name
		}

		for _, name := range names {
			id, ok := ids[name]
			if !ok {
				return ErrUnknownBetType.withf("bet type %q is not configured", name)
			}
			if err := tx.SetOddsOverride(ctx, model.OddsOverride{
				CompetitionID: competitionID,
				BetTypeID:     id,
				Multiplier:    odds[name],
			}); err != nil {
				return storageFailure("set odds", err)
			}
		}

		overrides, err = tx.ListOddsOverrides(ctx, competitionID)
		if err != nil {
			return storageFailure("list odds", err)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("set odds", err)
	}

	slog.Info("odds updated", "competition_id", competitionID, "count", len(names))
	for _, o := range overrides {
		m := o.Multiplier
		e.publish(ctx, events.LedgerEvent{
			Type:          events.OddsChanged,
			CompetitionID: competitionID,
			BetType:       string(byID[o.BetTypeID]),
			Amount:        &m,
		})
	}
	return overrides, nil
}

// GetOdds lists the overrides set for a competition.
func (e *Engine) GetOdds(ctx context.Context, competitionID int64) ([]model.OddsOverride, error) {
	if _, err := e.store.GetCompetition(ctx, competitionID); err != nil {
		return nil, e.fail("get odds", lookupErr(err, ErrCompetitionNotFound.withf("competition %d", competitionID)))
	}
	overrides, err := e.store.ListOddsOverrides(ctx, competitionID)
	if err != nil {
		return nil, e.fail("get odds", storageFailure("list odds", err))
	}
	return overrides, nil
}

// ListBetTypes returns every bet type with its default multiplier.
func (e *Engine) ListBetTypes(ctx context.Context) ([]model.BetType, error) {
	types, err := e.store.ListBetTypes(ctx)
	if err != nil {
		return nil, e.fail("list bet types", storageFailure("list bet types", err))
	}
	return types, nil
}

// GetBalance returns a user's balance.
func (e *Engine) GetBalance(ctx context.Context, userID int64) (*model.User, error) {
	bal, err := e.store.LoadUserBalance(ctx, userID)
	if err != nil {
		return nil, e.fail("get balance", lookupErr(err, ErrUserNotFound.withf("user %d", userID)))
	}
	return &model.User{ID: userID, Balance: bal}, nil
}

// Deposit credits amount to a user's balance and returns the new balance.
func (e *Engine) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*model.User, error) {
	if !amount.IsPositive() {
		return nil, e.fail("deposit", ErrInvalidAmount.withf("amount must be positive, got %s", amount))
	}

	var balance decimal.Decimal
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		current, err := tx.LockUserBalance(ctx, userID)
		if err != nil {
			return lookupErr(err, ErrUserNotFound.withf("user %d", userID))
		}
		balance = current.Add(amount)
		if err := tx.SaveUserBalance(ctx, userID, balance); err != nil {
			return storageFailure("save balance", err)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("deposit", err)
	}

	slog.Info("deposit", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	return &model.User{ID: userID, Balance: balance}, nil
}
