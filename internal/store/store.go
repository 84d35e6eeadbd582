// Package store defines the persistence interface for the wagering ledger.
// Implementations include PostgreSQL (source of truth, over the bounded
// connection pool), Redis (read-through cache for reference data), and
// in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist. It is
	// never used for a failed query.
	ErrNotFound = errors.New("store: not found")

	// ErrStorage wraps every persistence failure: pool exhaustion or
	// cancellation, driver errors, constraint violations.
	ErrStorage = errors.New("store: storage failure")
)

// Ledger is the set of row operations available both directly on a Store and
// inside a transaction. Lock* variants take row locks when run inside InTx and
// behave like plain reads otherwise.
type Ledger interface {
	// --- Bets ---

	// LoadBet fetches one bet joined with its bet type.
	LoadBet(ctx context.Context, id int64) (*model.Bet, error)

	// LockBet is LoadBet holding an exclusive row lock.
	LockBet(ctx context.Context, id int64) (*model.Bet, error)

	// LoadBetsForUser returns a user's bets, newest first.
	LoadBetsForUser(ctx context.Context, userID int64) ([]model.Bet, error)

	// LoadBetsForCompetition returns a competition's bets, newest first.
	LoadBetsForCompetition(ctx context.Context, competitionID int64) ([]model.Bet, error)

	// InsertBet persists a new bet and returns it with its assigned ID.
	InsertBet(ctx context.Context, bet *model.Bet) (*model.Bet, error)

	// UpdateBet writes status, payout and updated_at. Reports false when no
	// row matched.
	UpdateBet(ctx context.Context, bet *model.Bet) (bool, error)

	// --- Balances ---

	// LoadUserBalance reads a user's balance without locking.
	LoadUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error)

	// LockUserBalance reads a user's balance holding an exclusive row lock.
	LockUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error)

	// SaveUserBalance overwrites a user's balance.
	SaveUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error

	// --- Competitions ---

	GetCompetition(ctx context.Context, id int64) (*model.Competition, error)

	// ShareCompetition reads a competition holding a shared lock, so its
	// status cannot change until the transaction ends.
	ShareCompetition(ctx context.Context, id int64) (*model.Competition, error)

	// LockCompetition reads a competition holding an exclusive lock.
	LockCompetition(ctx context.Context, id int64) (*model.Competition, error)

	// ListCompetitions returns competitions with the given status, or all
	// when status is empty.
	ListCompetitions(ctx context.Context, status model.CompetitionStatus) ([]model.Competition, error)

	CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error)

	// UpdateCompetition writes status, result and scores.
	UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error)

	// --- Bet types and odds ---

	GetBetType(ctx context.Context, id int64) (*model.BetType, error)
	ListBetTypes(ctx context.Context) ([]model.BetType, error)

	// GetOddsOverride returns the competition-specific multiplier, or nil
	// when the bet type's default applies.
	GetOddsOverride(ctx context.Context, competitionID, betTypeID int64) (*decimal.Decimal, error)

	ListOddsOverrides(ctx context.Context, competitionID int64) ([]model.OddsOverride, error)

	// SetOddsOverride inserts or replaces a competition multiplier.
	SetOddsOverride(ctx context.Context, o model.OddsOverride) error
}

// Store is a Ledger that can also run a unit of work atomically.
type Store interface {
	Ledger

	// InTx runs fn against a transactional Ledger on a single connection.
	// The transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Ledger) error) error
}
