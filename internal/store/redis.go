package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for reference data: competitions, bet types and odds overrides.
// Bets and balances always go to the primary. Writes invalidate the cache;
// writes made inside InTx are invalidated once the transaction ends.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// noOverride marks a cached miss on competition_bet_types.
const noOverride = "-"

func competitionKey(id int64) string { return fmt.Sprintf("competition:%d", id) }
func betTypeKey(id int64) string     { return fmt.Sprintf("bet_type:%d", id) }
func oddsKeyFor(competitionID, betTypeID int64) string {
	return fmt.Sprintf("odds:%d:%d", competitionID, betTypeID)
}

const betTypesKey = "bet_types"

// --- Transactions ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	tracker := &invalidatingLedger{}
	err := s.Store.InTx(ctx, func(tx Ledger) error {
		tracker.Ledger = tx
		return fn(tracker)
	})
	s.invalidate(ctx, tracker.dirty...)
	return err
}

// invalidatingLedger records the cache keys a transaction touches.
type invalidatingLedger struct {
	Ledger
	dirty []string
}

func (l *invalidatingLedger) UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error) {
	l.dirty = append(l.dirty, competitionKey(c.ID))
	return l.Ledger.UpdateCompetition(ctx, c)
}

func (l *invalidatingLedger) SetOddsOverride(ctx context.Context, o model.OddsOverride) error {
	l.dirty = append(l.dirty, oddsKeyFor(o.CompetitionID, o.BetTypeID))
	return l.Ledger.SetOddsOverride(ctx, o)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error) {
	ok, err := s.Store.UpdateCompetition(ctx, c)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, competitionKey(c.ID))
	return ok, nil
}

func (s *CachedStore) SetOddsOverride(ctx context.Context, o model.OddsOverride) error {
	if err := s.Store.SetOddsOverride(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, oddsKeyFor(o.CompetitionID, o.BetTypeID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	var c model.Competition
	if s.getJSON(ctx, competitionKey(id), &c) {
		return &c, nil
	}

	comp, err := s.Store.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, competitionKey(id), comp)
	return comp, nil
}

func (s *CachedStore) GetBetType(ctx context.Context, id int64) (*model.BetType, error) {
	var bt model.BetType
	if s.getJSON(ctx, betTypeKey(id), &bt) {
		return &bt, nil
	}

	betType, err := s.Store.GetBetType(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, betTypeKey(id), betType)
	return betType, nil
}

func (s *CachedStore) ListBetTypes(ctx context.Context) ([]model.BetType, error) {
	var types []model.BetType
	if s.getJSON(ctx, betTypesKey, &types) {
		return types, nil
	}

	types, err := s.Store.ListBetTypes(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, betTypesKey, types)
	return types, nil
}

func (s *CachedStore) GetOddsOverride(ctx context.Context, competitionID, betTypeID int64) (*decimal.Decimal, error) {
	key := oddsKeyFor(competitionID, betTypeID)
	if cached, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if cached == noOverride {
			return nil, nil
		}
		if m, err := decimal.NewFromString(cached); err == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetOddsOverride(ctx, competitionID, betTypeID)
	if err != nil {
		return nil, err
	}
	val := noOverride
	if m != nil {
		val = m.String()
	}
	s.rdb.Set(ctx, key, val, s.ttl)
	return m, nil
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}
