package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/pool"
)

// querier is the subset of pgx shared by *pgx.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewConnPool opens size PostgreSQL connections up front and bounds their
// use. Each connection attempt gets its own timeout.
func NewConnPool(ctx context.Context, dsn string, size int, connectTimeout time.Duration) (*pool.Pool[*pgx.Conn], error) {
	open := func(ctx context.Context) (*pgx.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return pgx.Connect(ctx, dsn)
	}
	closeConn := func(c *pgx.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			slog.Warn("close postgres connection", "err", err)
		}
	}
	// pgx closes a connection whose query was interrupted by its context, so
	// those are dropped on release and redialled.
	return pool.New[*pgx.Conn](ctx, size, open, closeConn,
		pool.DiscardIf(func(c *pgx.Conn) bool { return c.IsClosed() }))
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every call outside a transaction borrows one connection from the pool for
// its duration. All monetary values are stored as NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pgLedger
	pool *pool.Pool[*pgx.Conn]
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(p *pool.Pool[*pgx.Conn]) *PostgresStore {
	s := &PostgresStore{pool: p}
	s.pgLedger = pgLedger{with: s.withConn}
	return s
}

func (s *PostgresStore) withConn(ctx context.Context, fn func(querier) error) error {
	err := s.pool.With(ctx, func(c *pgx.Conn) error { return fn(c) })
	if errors.Is(err, pool.ErrAcquire) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer c.Release()

	tx, err := c.Value().Begin(ctx)
	if err != nil {
		return storageErr("begin tx", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Warn("rollback failed, dropping connection", "err", err)
			c.Destroy()
		}
	}()

	ledger := pgLedger{with: func(_ context.Context, f func(querier) error) error { return f(tx) }}
	if err := fn(ledger); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit tx", err)
	}
	committed = true
	return nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// notFoundOr maps pgx.ErrNoRows to ErrNotFound and everything else to a
// storage failure.
func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return storageErr(op, err)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: parse %s %q: %w", ErrStorage, field, s, err)
	}
	return d, nil
}

// pgLedger runs every query through with, which either borrows a pooled
// connection or reuses an open transaction.
type pgLedger struct {
	with func(ctx context.Context, fn func(querier) error) error
}

// --- Bets ---

const betColumns = `
	SELECT b.id, b.user_id, b.competition_id, b.bet_type_id,
	       bt.name, bt.multiplier::TEXT,
	       b.amount::TEXT, b.predicted_value, b.status, b.win_amount::TEXT,
	       b.created_at, b.updated_at
	FROM bets b
	JOIN bet_types bt ON bt.id = b.bet_type_id`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var multiplier, amount string
	var payout *string

	if err := row.Scan(&b.ID, &b.UserID, &b.CompetitionID, &b.BetTypeID,
		&b.BetTypeName, &multiplier,
		&amount, &b.PredictedValue, &b.Status, &payout,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if b.Multiplier, err = parseDecimal("multiplier", multiplier); err != nil {
		return nil, err
	}
	if b.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if payout != nil {
		p, err := parseDecimal("win_amount", *payout)
		if err != nil {
			return nil, err
		}
		b.Payout = &p
	}
	return &b, nil
}

func (l pgLedger) loadBet(ctx context.Context, id int64, suffix string) (*model.Bet, error) {
	var bet *model.Bet
	err := l.with(ctx, func(q querier) error {
		b, err := scanBet(q.QueryRow(ctx, betColumns+` WHERE b.id = $1`+suffix, id))
		if err != nil {
			return notFoundOr(fmt.Sprintf("load bet %d", id), err)
		}
		bet = b
		return nil
	})
	return bet, err
}

func (l pgLedger) LoadBet(ctx context.Context, id int64) (*model.Bet, error) {
	return l.loadBet(ctx, id, "")
}

func (l pgLedger) LockBet(ctx context.Context, id int64) (*model.Bet, error) {
	return l.loadBet(ctx, id, ` FOR UPDATE OF b`)
}

func (l pgLedger) queryBets(ctx context.Context, op, where string, arg any) ([]model.Bet, error) {
	var bets []model.Bet
	err := l.with(ctx, func(q querier) error {
		rows, err := q.Query(ctx, betColumns+` WHERE `+where+` ORDER BY b.created_at DESC, b.id DESC`, arg)
		if err != nil {
			return storageErr(op, err)
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBet(rows)
			if err != nil {
				return storageErr(op, err)
			}
			bets = append(bets, *b)
		}
		if err := rows.Err(); err != nil {
			return storageErr(op, err)
		}
		return nil
	})
	return bets, err
}

func (l pgLedger) LoadBetsForUser(ctx context.Context, userID int64) ([]model.Bet, error) {
	return l.queryBets(ctx, fmt.Sprintf("load bets for user %d", userID), `b.user_id = $1`, userID)
}

func (l pgLedger) LoadBetsForCompetition(ctx context.Context, competitionID int64) ([]model.Bet, error) {
	return l.queryBets(ctx, fmt.Sprintf("load bets for competition %d", competitionID), `b.competition_id = $1`, competitionID)
}

func (l pgLedger) InsertBet(ctx context.Context, bet *model.Bet) (*model.Bet, error) {
	var payout *string
	if bet.Payout != nil {
		s := bet.Payout.String()
		payout = &s
	}

	var id int64
	err := l.with(ctx, func(q querier) error {
		err := q.QueryRow(ctx,
			`INSERT INTO bets (user_id, competition_id, bet_type_id, amount, predicted_value, status, win_amount)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::NUMERIC)
			 RETURNING id`,
			bet.UserID, bet.CompetitionID, bet.BetTypeID,
			bet.Amount.String(), bet.PredictedValue, bet.Status, payout,
		).Scan(&id)
		if err != nil {
			return storageErr("insert bet", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.LoadBet(ctx, id)
}

func (l pgLedger) UpdateBet(ctx context.Context, bet *model.Bet) (bool, error) {
	var payout *string
	if bet.Payout != nil {
		s := bet.Payout.String()
		payout = &s
	}

	var updated bool
	err := l.with(ctx, func(q querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE bets SET status = $2, win_amount = $3::NUMERIC, updated_at = NOW()
			 WHERE id = $1`,
			bet.ID, bet.Status, payout)
		if err != nil {
			return storageErr(fmt.Sprintf("update bet %d", bet.ID), err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// --- Balances ---

func (l pgLedger) loadBalance(ctx context.Context, userID int64, suffix string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := l.with(ctx, func(q querier) error {
		var s string
		err := q.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1`+suffix, userID).Scan(&s)
		if err != nil {
			return notFoundOr(fmt.Sprintf("load balance for user %d", userID), err)
		}
		bal, err = parseDecimal("balance", s)
		return err
	})
	return bal, err
}

func (l pgLedger) LoadUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.loadBalance(ctx, userID, "")
}

func (l pgLedger) LockUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return l.loadBalance(ctx, userID, ` FOR UPDATE`)
}

func (l pgLedger) SaveUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	return l.with(ctx, func(q querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
			userID, balance.String())
		if err != nil {
			return storageErr(fmt.Sprintf("save balance for user %d", userID), err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Competitions ---

const competitionColumns = `
	SELECT id, title, team1, team2, status, result, score1, score2, starts_at, created_at
	FROM competitions`

func scanCompetition(row pgx.Row) (*model.Competition, error) {
	var c model.Competition
	var result *string
	if err := row.Scan(&c.ID, &c.Title, &c.Team1, &c.Team2, &c.Status,
		&result, &c.Score1, &c.Score2, &c.StartsAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	if result != nil {
		c.Result = model.Outcome(*result)
	}
	return &c, nil
}

func (l pgLedger) loadCompetition(ctx context.Context, id int64, suffix string) (*model.Competition, error) {
	var comp *model.Competition
	err := l.with(ctx, func(q querier) error {
		c, err := scanCompetition(q.QueryRow(ctx, competitionColumns+` WHERE id = $1`+suffix, id))
		if err != nil {
			return notFoundOr(fmt.Sprintf("get competition %d", id), err)
		}
		comp = c
		return nil
	})
	return comp, err
}

func (l pgLedger) GetCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	return l.loadCompetition(ctx, id, "")
}

func (l pgLedger) ShareCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	return l.loadCompetition(ctx, id, ` FOR SHARE`)
}

func (l pgLedger) LockCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	return l.loadCompetition(ctx, id, ` FOR UPDATE`)
}

func (l pgLedger) ListCompetitions(ctx context.Context, status model.CompetitionStatus) ([]model.Competition, error) {
	var comps []model.Competition
	err := l.with(ctx, func(q querier) error {
		rows, err := q.Query(ctx,
			competitionColumns+` WHERE ($1::TEXT = '' OR status = $1::TEXT) ORDER BY id`, string(status))
		if err != nil {
			return storageErr("list competitions", err)
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCompetition(rows)
			if err != nil {
				return storageErr("list competitions", err)
			}
			comps = append(comps, *c)
		}
		if err := rows.Err(); err != nil {
			return storageErr("list competitions", err)
		}
		return nil
	})
	return comps, err
}

func nullableOutcome(o model.Outcome) *string {
	if o == model.OutcomeNone {
		return nil
	}
	s := string(o)
	return &s
}

func (l pgLedger) CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error) {
	out := *c
	err := l.with(ctx, func(q querier) error {
		startsAt := c.StartsAt
		if startsAt.IsZero() {
			startsAt = time.Now().UTC()
		}
		err := q.QueryRow(ctx,
			`INSERT INTO competitions (title, team1, team2, status, result, score1, score2, starts_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, starts_at, created_at`,
			c.Title, c.Team1, c.Team2, c.Status, nullableOutcome(c.Result), c.Score1, c.Score2, startsAt,
		).Scan(&out.ID, &out.StartsAt, &out.CreatedAt)
		if err != nil {
			return storageErr("create competition", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (l pgLedger) UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error) {
	var updated bool
	err := l.with(ctx, func(q querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE competitions SET status = $2, result = $3, score1 = $4, score2 = $5
			 WHERE id = $1`,
			c.ID, c.Status, nullableOutcome(c.Result), c.Score1, c.Score2)
		if err != nil {
			return storageErr(fmt.Sprintf("update competition %d", c.ID), err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// --- Bet types and odds ---

func scanBetType(row pgx.Row) (*model.BetType, error) {
	var bt model.BetType
	var multiplier string
	if err := row.Scan(&bt.ID, &bt.Name, &multiplier); err != nil {
		return nil, err
	}
	m, err := parseDecimal("multiplier", multiplier)
	if err != nil {
		return nil, err
	}
	bt.Multiplier = m
	return &bt, nil
}

func (l pgLedger) GetBetType(ctx context.Context, id int64) (*model.BetType, error) {
	var bt *model.BetType
	err := l.with(ctx, func(q querier) error {
		row := q.QueryRow(ctx, `SELECT id, name, multiplier::TEXT FROM bet_types WHERE id = $1`, id)
		b, err := scanBetType(row)
		if err != nil {
			return notFoundOr(fmt.Sprintf("get bet type %d", id), err)
		}
		bt = b
		return nil
	})
	return bt, err
}

func (l pgLedger) ListBetTypes(ctx context.Context) ([]model.BetType, error) {
	var types []model.BetType
	err := l.with(ctx, func(q querier) error {
		rows, err := q.Query(ctx, `SELECT id, name, multiplier::TEXT FROM bet_types ORDER BY id`)
		if err != nil {
			return storageErr("list bet types", err)
		}
		defer rows.Close()

		for rows.Next() {
			bt, err := scanBetType(rows)
			if err != nil {
				return storageErr("list bet types", err)
			}
			types = append(types, *bt)
		}
		if err := rows.Err(); err != nil {
			return storageErr("list bet types", err)
		}
		return nil
	})
	return types, err
}

func (l pgLedger) GetOddsOverride(ctx context.Context, competitionID, betTypeID int64) (*decimal.Decimal, error) {
	var override *decimal.Decimal
	err := l.with(ctx, func(q querier) error {
		var s string
		err := q.QueryRow(ctx,
			`SELECT multiplier::TEXT FROM competition_bet_types
			 WHERE competition_id = $1 AND bet_type_id = $2`,
			competitionID, betTypeID).Scan(&s)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storageErr("get odds override", err)
		}
		m, err := parseDecimal("multiplier", s)
		if err != nil {
			return err
		}
		override = &m
		return nil
	})
	return override, err
}

func (l pgLedger) ListOddsOverrides(ctx context.Context, competitionID int64) ([]model.OddsOverride, error) {
	var overrides []model.OddsOverride
	err := l.with(ctx, func(q querier) error {
		rows, err := q.Query(ctx,
			`SELECT competition_id, bet_type_id, multiplier::TEXT FROM competition_bet_types
			 WHERE competition_id = $1 ORDER BY bet_type_id`, competitionID)
		if err != nil {
			return storageErr("list odds overrides", err)
		}
		defer rows.Close()

		for rows.Next() {
			var o model.OddsOverride
			var s string
			if err := rows.Scan(&o.CompetitionID, &o.BetTypeID, &s); err != nil {
				return storageErr("list odds overrides", err)
			}
			if o.Multiplier, err = parseDecimal("multiplier", s); err != nil {
				return err
			}
			overrides = append(overrides, o)
		}
		if err := rows.Err(); err != nil {
			return storageErr("list odds overrides", err)
		}
		return nil
	})
	return overrides, err
}

// foreignKeyViolation is the SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

func (l pgLedger) SetOddsOverride(ctx context.Context, o model.OddsOverride) error {
	return l.with(ctx, func(q querier) error {
		_, err := q.Exec(ctx,
			`INSERT INTO competition_bet_types (competition_id, bet_type_id, multiplier)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (competition_id, bet_type_id) DO UPDATE SET multiplier = EXCLUDED.multiplier`,
			o.CompetitionID, o.BetTypeID, o.Multiplier.String())
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return ErrNotFound
		}
		if err != nil {
			return storageErr("set odds override", err)
		}
		return nil
	})
}
