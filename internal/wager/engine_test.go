package wager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totalizator/wager-engine/internal/events"
	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/store"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func assertMoney(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %v, got %s %v", want, got, msgAndArgs)
}

type recorder struct {
	mu     sync.Mutex
	events []events.LedgerEvent
}

func (r *recorder) Publish(_ context.Context, e events.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	eng   *Engine
	st    *store.MemoryStore
	pub   *recorder
	user  int64
	comp  int64
	types map[model.BetTypeName]int64
}

// newFixture seeds one user, one SCHEDULED competition and every bet type at
// a default multiplier of 2.5.
func newFixture(t *testing.T, balance float64) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	pub := &recorder{}
	f := &fixture{
		eng:   NewEngine(st, pub),
		st:    st,
		pub:   pub,
		user:  st.AddUser(d(balance)),
		types: make(map[model.BetTypeName]int64),
	}
	for _, name := range model.BetTypeNames {
		f.types[name] = st.AddBetType(name, d(2.5))
	}
	comp, err := f.eng.CreateCompetition(context.Background(), NewCompetition{Team1: "Lions", Team2: "Tigers"})
	require.NoError(t, err)
	f.comp = comp.ID
	return f
}

func (f *fixture) place(t *testing.T, stake float64, bt model.BetTypeName, prediction string) *model.Bet {
	t.Helper()
	bet, err := f.eng.PlaceBet(context.Background(), PlaceBetRequest{
		UserID:         f.user,
		CompetitionID:  f.comp,
		BetTypeID:      f.types[bt],
		Stake:          d(stake),
		PredictedValue: prediction,
	})
	require.NoError(t, err)
	return bet
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	u, err := f.eng.GetBalance(context.Background(), f.user)
	require.NoError(t, err)
	return u.Balance
}

func (f *fixture) finish(t *testing.T, s1, s2 int) {
	t.Helper()
	_, err := f.eng.FinishCompetition(context.Background(), f.comp, s1, s2)
	require.NoError(t, err)
}

func requireCode(t *testing.T, err error, want *Error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, want)
	assert.Equal(t, want.Kind, AsError(err).Kind)
}

// --- PlaceBet ---

func TestPlaceBet_DebitsStake(t *testing.T) {
	f := newFixture(t, 500)

	bet := f.place(t, 100, model.BetTypeWin, "TEAM1")

	assert.NotZero(t, bet.ID)
	assert.Equal(t, model.BetPending, bet.Status)
	assert.Nil(t, bet.Payout)
	assert.Equal(t, model.BetTypeWin, bet.BetTypeName)
	assertMoney(t, 400, f.balance(t))
	assert.Equal(t, []events.Type{events.BetPlaced}, f.pub.types())
}

func TestPlaceBet_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, req *PlaceBetRequest)
		want   *Error
	}{
		{"zero stake", func(_ *fixture, r *PlaceBetRequest) { r.Stake = decimal.Zero }, ErrInvalidStake},
		{"negative stake", func(_ *fixture, r *PlaceBetRequest) { r.Stake = d(-5) }, ErrInvalidStake},
		{"empty prediction", func(_ *fixture, r *PlaceBetRequest) { r.PredictedValue = "" }, ErrEmptyPrediction},
		{"blank prediction", func(_ *fixture, r *PlaceBetRequest) { r.PredictedValue = " \t " }, ErrEmptyPrediction},
		{"unknown user", func(_ *fixture, r *PlaceBetRequest) { r.UserID = 9999 }, ErrUnknownUser},
		{"unknown competition", func(_ *fixture, r *PlaceBetRequest) { r.CompetitionID = 9999 }, ErrUnknownCompetition},
		{"unknown bet type", func(_ *fixture, r *PlaceBetRequest) { r.BetTypeID = 9999 }, ErrUnknownBetType},
		{"insufficient balance", func(_ *fixture, r *PlaceBetRequest) { r.Stake = d(100.01) }, ErrInsufficientBalance},
		{"betting closed", func(f *fixture, _ *PlaceBetRequest) {
			_, err := f.eng.StartCompetition(context.Background(), f.comp)
			if err != nil {
				panic(err)
			}
		}, ErrBettingClosed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 100)
			req := PlaceBetRequest{
				UserID:         f.user,
				CompetitionID:  f.comp,
				BetTypeID:      f.types[model.BetTypeWin],
				Stake:          d(10),
				PredictedValue: "TEAM1",
			}
			tt.mutate(f, &req)

			bet, err := f.eng.PlaceBet(context.Background(), req)
			assert.Nil(t, bet)
			requireCode(t, err, tt.want)

			assertMoney(t, 100, f.balance(t), "no state mutated")
			bets, err := f.eng.ListBetsForUser(context.Background(), f.user)
			require.NoError(t, err)
			assert.Empty(t, bets)
		})
	}
}

func TestPlaceBet_ExactBalanceAllowed(t *testing.T) {
	f := newFixture(t, 100)
	f.place(t, 100, model.BetTypeDraw, "DRAW")
	assertMoney(t, 0, f.balance(t))
}

func TestPlaceBet_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.PlaceBet(ctx, PlaceBetRequest{
				UserID:         f.user,
				CompetitionID:  f.comp,
				BetTypeID:      f.types[model.BetTypeWin],
				Stake:          d(10),
				PredictedValue: "TEAM1",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, ErrInsufficientBalance) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	assert.Equal(t, 30, rejected)
	assertMoney(t, 0, f.balance(t))
}

// --- CancelBet ---

func TestCancelBet_Refunds(t *testing.T) {
	f := newFixture(t, 200)
	bet := f.place(t, 75, model.BetTypeWin, "TEAM2")

	ok, err := f.eng.CancelBet(context.Background(), bet.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assertMoney(t, 200, f.balance(t))

	got, err := f.eng.GetBet(context.Background(), bet.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BetCancelled, got.Status)
	assert.Nil(t, got.Payout)
}

func TestCancelBet_NonPendingRejected(t *testing.T) {
	f := newFixture(t, 200)
	bet := f.place(t, 50, model.BetTypeWin, "TEAM1")

	_, err := f.eng.CancelBet(context.Background(), bet.ID)
	require.NoError(t, err)
	before := f.balance(t)

	ok, err := f.eng.CancelBet(context.Background(), bet.ID)
	assert.False(t, ok)
	requireCode(t, err, ErrBetNotCancellable)
	assert.True(t, f.balance(t).Equal(before), "balance unchanged")
}

func TestCancelBet_AfterBettingClosed(t *testing.T) {
	f := newFixture(t, 200)
	bet := f.place(t, 50, model.BetTypeWin, "TEAM1")
	_, err := f.eng.StartCompetition(context.Background(), f.comp)
	require.NoError(t, err)

	ok, err := f.eng.CancelBet(context.Background(), bet.ID)
	assert.False(t, ok)
	requireCode(t, err, ErrBetNotCancellable)
	assertMoney(t, 150, f.balance(t))
}

func TestCancelBet_NotFound(t *testing.T) {
	f := newFixture(t, 10)
	ok, err := f.eng.CancelBet(context.Background(), 4242)
	assert.False(t, ok)
	requireCode(t, err, ErrBetNotFound)
}

// --- SettleCompetition ---

func TestSettle_Scenarios(t *testing.T) {
	tests := []struct {
		name        string
		betType     model.BetTypeName
		prediction  string
		s1, s2      int
		wantStatus  model.BetStatus
		wantPayout  float64
		wantBalance float64
	}{
		{"win team1 pays stake times multiplier", model.BetTypeWin, "TEAM1", 2, 0, model.BetWon, 250, 1150},
		{"win team1 against team2 victory", model.BetTypeWin, "TEAM1", 0, 2, model.BetLost, 0, 900},
		{"exact score hit", model.BetTypeExactScore, "2:1", 2, 1, model.BetWon, 250, 1150},
		{"exact score reversed", model.BetTypeExactScore, "2:1", 1, 2, model.BetLost, 0, 900},
		{"draw", model.BetTypeDraw, "DRAW", 1, 1, model.BetWon, 250, 1150},
		{"loss on team1 losing", model.BetTypeLoss, "TEAM1", 0, 3, model.BetWon, 250, 1150},
		{"total over never wins", model.BetTypeTotalOver, "2.5", 4, 3, model.BetLost, 0, 900},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 1000)
			bet := f.place(t, 100, tt.betType, tt.prediction)
			f.finish(t, tt.s1, tt.s2)

			n, err := f.eng.SettleCompetition(context.Background(), f.comp)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := f.eng.GetBet(context.Background(), bet.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantStatus == model.BetWon {
				require.NotNil(t, got.Payout)
				assertMoney(t, tt.wantPayout, *got.Payout)
			} else {
				assert.Nil(t, got.Payout)
			}
			assertMoney(t, tt.wantBalance, f.balance(t))
		})
	}
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t, 1000)
	f.place(t, 100, model.BetTypeWin, "TEAM1")
	f.place(t, 50, model.BetTypeWin, "TEAM2")
	f.place(t, 10, model.BetTypeDraw, "DRAW")
	f.finish(t, 3, 1)

	n, err := f.eng.SettleCompetition(context.Background(), f.comp)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	after := f.balance(t)
	assertMoney(t, 1000-160+250, after)

	n, err = f.eng.SettleCompetition(context.Background(), f.comp)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.balance(t).Equal(after), "second run leaves balances unchanged")
}

func TestSettle_SkipsCancelledBets(t *testing.T) {
	f := newFixture(t, 1000)
	cancelled := f.place(t, 100, model.BetTypeWin, "TEAM1")
	_, err := f.eng.CancelBet(context.Background(), cancelled.ID)
	require.NoError(t, err)
	f.place(t, 100, model.BetTypeWin, "TEAM1")
	f.finish(t, 1, 0)

	n, err := f.eng.SettleCompetition(context.Background(), f.comp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.eng.GetBet(context.Background(), cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BetCancelled, got.Status)
}

func TestSettle_RequiresFinished(t *testing.T) {
	f := newFixture(t, 100)
	f.place(t, 10, model.BetTypeWin, "TEAM1")

	n, err := f.eng.SettleCompetition(context.Background(), f.comp)
	assert.Zero(t, n)
	requireCode(t, err, ErrCompetitionNotFinished)

	_, err = f.eng.SettleCompetition(context.Background(), 9999)
	requireCode(t, err, ErrCompetitionNotFound)
}

func TestSettle_UsesOddsOverride(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.eng.SetOdds(context.Background(), f.comp, map[model.BetTypeName]decimal.Decimal{
		model.BetTypeWin: d(1.75),
	})
	require.NoError(t, err)
	bet := f.place(t, 100, model.BetTypeWin, "TEAM2")
	f.finish(t, 0, 1)

	_, err = f.eng.SettleCompetition(context.Background(), f.comp)
	require.NoError(t, err)

	got, err := f.eng.GetBet(context.Background(), bet.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Payout)
	assertMoney(t, 175, *got.Payout)
	assertMoney(t, 1075, f.balance(t))
}

func TestSettle_PublishesEvents(t *testing.T) {
	f := newFixture(t, 1000)
	f.place(t, 100, model.BetTypeWin, "TEAM1")
	f.place(t, 100, model.BetTypeWin, "TEAM2")
	f.finish(t, 2, 0)

	_, err := f.eng.SettleCompetition(context.Background(), f.comp)
	require.NoError(t, err)

	types := f.pub.types()
	assert.Contains(t, types, events.BetWon)
	assert.Contains(t, types, events.BetLost)
	assert.Equal(t, events.CompetitionSettled, types[len(types)-1])
}

// Money conservation: balances plus escrowed stakes only grow by payouts.
func TestMoneyConservation(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	other := f.st.AddUser(d(1000))

	total := func() decimal.Decimal {
		sum := decimal.Zero
		for _, uid := range []int64{f.user, other} {
			u, err := f.eng.GetBalance(ctx, uid)
			require.NoError(t, err)
			sum = sum.Add(u.Balance)
			bets, err := f.eng.ListBetsForUser(ctx, uid)
			require.NoError(t, err)
			for _, b := range bets {
				if b.Status == model.BetPending {
					sum = sum.Add(b.Amount)
				}
			}
		}
		return sum
	}

	start := total()
	a := f.place(t, 120, model.BetTypeWin, "TEAM1")
	_, err := f.eng.PlaceBet(ctx, PlaceBetRequest{
		UserID: other, CompetitionID: f.comp, BetTypeID: f.types[model.BetTypeDraw],
		Stake: d(80), PredictedValue: "DRAW",
	})
	require.NoError(t, err)
	f.place(t, 40, model.BetTypeExactScore, "1:0")
	assert.True(t, total().Equal(start), "placement conserves money")

	_, err = f.eng.CancelBet(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, total().Equal(start), "cancellation conserves money")

	f.finish(t, 1, 0)
	_, err = f.eng.SettleCompetition(ctx, f.comp)
	require.NoError(t, err)

	// Only the 40 EXACT_SCORE bet won: 40 × 2.5 credited, 40 + 80 stakes consumed.
	want := start.Add(d(100)).Sub(d(120))
	assert.True(t, total().Equal(want), "want %s, got %s", want, total())
}

// --- Operator operations ---

func TestFinishCompetition(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.eng.FinishCompetition(ctx, f.comp, -1, 0)
	requireCode(t, err, ErrInvalidScore)

	comp, err := f.eng.FinishCompetition(ctx, f.comp, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, model.CompetitionFinished, comp.Status)
	assert.Equal(t, model.OutcomeWinTeam2, comp.Result)
	require.NotNil(t, comp.Score1)
	assert.Equal(t, 1, *comp.Score1)

	_, err = f.eng.FinishCompetition(ctx, f.comp, 2, 2)
	requireCode(t, err, ErrInvalidTransition)

	_, err = f.eng.StartCompetition(ctx, f.comp)
	requireCode(t, err, ErrInvalidTransition)
}

func TestCancelCompetition_RefundsPending(t *testing.T) {
	f := newFixture(t, 300)
	ctx := context.Background()
	f.place(t, 100, model.BetTypeWin, "TEAM1")
	f.place(t, 50, model.BetTypeDraw, "DRAW")
	_, err := f.eng.StartCompetition(ctx, f.comp)
	require.NoError(t, err)

	n, err := f.eng.CancelCompetition(ctx, f.comp)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertMoney(t, 300, f.balance(t))

	n, err = f.eng.CancelCompetition(ctx, f.comp)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to refund")

	comp, err := f.eng.GetCompetition(ctx, f.comp)
	require.NoError(t, err)
	assert.Equal(t, model.CompetitionCancelled, comp.Status)
}

func TestCancelCompetition_FinishedRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.finish(t, 0, 0)
	_, err := f.eng.CancelCompetition(context.Background(), f.comp)
	requireCode(t, err, ErrInvalidTransition)
}

func TestSetOdds(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.eng.SetOdds(ctx, f.comp, nil)
	requireCode(t, err, ErrInvalidOdds)

	_, err = f.eng.SetOdds(ctx, f.comp, map[model.BetTypeName]decimal.Decimal{model.BetTypeWin: d(-1)})
	requireCode(t, err, ErrInvalidOdds)

	_, err = f.eng.SetOdds(ctx, f.comp, map[model.BetTypeName]decimal.Decimal{"PARLAY": d(3)})
	requireCode(t, err, ErrUnknownBetType)

	_, err = f.eng.SetOdds(ctx, 9999, map[model.BetTypeName]decimal.Decimal{model.BetTypeWin: d(3)})
	requireCode(t, err, ErrCompetitionNotFound)

	got, err := f.eng.SetOdds(ctx, f.comp, map[model.BetTypeName]decimal.Decimal{
		model.BetTypeWin:  d(1.9),
		model.BetTypeDraw: d(3.2),
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	listed, err := f.eng.GetOdds(ctx, f.comp)
	require.NoError(t, err)
	assert.Equal(t, got, listed)

	_, err = f.eng.StartCompetition(ctx, f.comp)
	require.NoError(t, err)
	_, err = f.eng.SetOdds(ctx, f.comp, map[model.BetTypeName]decimal.Decimal{model.BetTypeWin: d(5)})
	requireCode(t, err, ErrBettingClosed)
}

func TestCreateCompetition_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.eng.CreateCompetition(ctx, NewCompetition{Team1: "Lions"})
	requireCode(t, err, ErrInvalidCompetition)

	_, err = f.eng.CreateCompetition(ctx, NewCompetition{Team1: "Lions", Team2: "lions"})
	requireCode(t, err, ErrInvalidCompetition)

	comp, err := f.eng.CreateCompetition(ctx, NewCompetition{Team1: "Bears", Team2: "Wolves"})
	require.NoError(t, err)
	assert.Equal(t, "Bears vs Wolves", comp.Title)
	assert.Equal(t, model.CompetitionScheduled, comp.Status)

	scheduled, err := f.eng.ListCompetitions(ctx, model.CompetitionScheduled)
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)

	_, err = f.eng.ListCompetitions(ctx, "POSTPONED")
	requireCode(t, err, ErrInvalidStatus)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	u, err := f.eng.Deposit(ctx, f.user, d(15.5))
	require.NoError(t, err)
	assertMoney(t, 25.5, u.Balance)

	_, err = f.eng.Deposit(ctx, f.user, decimal.Zero)
	requireCode(t, err, ErrInvalidAmount)

	_, err = f.eng.Deposit(ctx, 9999, d(1))
	requireCode(t, err, ErrUserNotFound)
}

// --- Storage failures ---

var errConnReset = fmt.Errorf("%w: connection reset", store.ErrStorage)

type brokenStore struct{ store.Store }

func (brokenStore) LoadBet(context.Context, int64) (*model.Bet, error) { return nil, errConnReset }

func (b brokenStore) InTx(ctx context.Context, fn func(store.Ledger) error) error {
	return b.Store.InTx(ctx, func(tx store.Ledger) error { return fn(brokenLedger{tx}) })
}

type brokenLedger struct{ store.Ledger }

func (brokenLedger) LockBet(context.Context, int64) (*model.Bet, error) { return nil, errConnReset }

func TestStorageFailure_NeverMaskedAsNotFound(t *testing.T) {
	f := newFixture(t, 100)
	bet := f.place(t, 10, model.BetTypeWin, "TEAM1")
	eng := NewEngine(brokenStore{f.st}, nil)
	ctx := context.Background()

	_, err := eng.GetBet(ctx, bet.ID)
	requireCode(t, err, ErrStorage)
	assert.ErrorIs(t, err, store.ErrStorage)

	ok, err := eng.CancelBet(ctx, bet.ID)
	assert.False(t, ok)
	requireCode(t, err, ErrStorage)
	assertMoney(t, 90, f.balance(t))
}

// lockTrace records the row locks a transaction takes, in order.
type lockTrace struct {
	store.Store
	mu    sync.Mutex
	locks []string
}

func (l *lockTrace) InTx(ctx context.Context, fn func(store.Ledger) error) error {
	return l.Store.InTx(ctx, func(tx store.Ledger) error { return fn(tracedLedger{tx, l}) })
}

func (l *lockTrace) add(row string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = append(l.locks, row)
}

type tracedLedger struct {
	store.Ledger
	trace *lockTrace
}

func (t tracedLedger) ShareCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	t.trace.add("competition")
	return t.Ledger.ShareCompetition(ctx, id)
}

func (t tracedLedger) LockCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	t.trace.add("competition")
	return t.Ledger.LockCompetition(ctx, id)
}

func (t tracedLedger) LockBet(ctx context.Context, id int64) (*model.Bet, error) {
	t.trace.add("bet")
	return t.Ledger.LockBet(ctx, id)
}

func (t tracedLedger) LockUserBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	t.trace.add("user")
	return t.Ledger.LockUserBalance(ctx, id)
}

func TestCancelBet_LocksCompetitionBeforeBet(t *testing.T) {
	f := newFixture(t, 100)
	bet := f.place(t, 10, model.BetTypeWin, "TEAM1")
	trace := &lockTrace{Store: f.st}

	ok, err := NewEngine(trace, nil).CancelBet(context.Background(), bet.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"competition", "bet", "user"}, trace.locks)
	assertMoney(t, 100, f.balance(t))
}

func TestAsError_Unclassified(t *testing.T) {
	e := AsError(errors.New("boom"))
	assert.Equal(t, KindStorage, e.Kind)
	assert.Equal(t, CodeStorageFailure, e.Code)
}
