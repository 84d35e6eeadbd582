package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Writes are serialised by txMu, held for the whole of a transaction and for
// each write made outside one, so a failed transaction can restore the
// snapshot taken when it began without losing anyone else's writes.
type MemoryStore struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	users        map[int64]decimal.Decimal
	bets         map[int64]model.Bet
	competitions map[int64]model.Competition
	betTypes     map[int64]model.BetType
	odds         map[oddsKey]decimal.Decimal
	nextID       int64
}

type oddsKey struct {
	competitionID int64
	betTypeID     int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]decimal.Decimal),
		bets:         make(map[int64]model.Bet),
		competitions: make(map[int64]model.Competition),
		betTypes:     make(map[int64]model.BetType),
		odds:         make(map[oddsKey]decimal.Decimal),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// AddUser creates a user with the given opening balance.
func (s *MemoryStore) AddUser(balance decimal.Decimal) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	s.users[id] = balance
	return id
}

// AddBetType registers a bet type with its default multiplier.
func (s *MemoryStore) AddBetType(name model.BetTypeName, multiplier decimal.Decimal) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	s.betTypes[id] = model.BetType{ID: id, Name: name, Multiplier: multiplier}
	return id
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memoryTx is the Ledger handed to InTx callbacks. Its writes run under the
// txMu already held by InTx.
type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) InsertBet(ctx context.Context, bet *model.Bet) (*model.Bet, error) {
	return t.insertBet(ctx, bet)
}

func (t memoryTx) UpdateBet(ctx context.Context, bet *model.Bet) (bool, error) {
	return t.updateBet(ctx, bet)
}

func (t memoryTx) SaveUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	return t.saveUserBalance(ctx, userID, balance)
}

func (t memoryTx) CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error) {
	return t.createCompetition(ctx, c)
}

func (t memoryTx) UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error) {
	return t.updateCompetition(ctx, c)
}

func (t memoryTx) SetOddsOverride(ctx context.Context, o model.OddsOverride) error {
	return t.setOddsOverride(ctx, o)
}

type memorySnapshot struct {
	users        map[int64]decimal.Decimal
	bets         map[int64]model.Bet
	competitions map[int64]model.Competition
	odds         map[oddsKey]decimal.Decimal
	nextID       int64
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		users:        make(map[int64]decimal.Decimal, len(s.users)),
		bets:         make(map[int64]model.Bet, len(s.bets)),
		competitions: make(map[int64]model.Competition, len(s.competitions)),
		odds:         make(map[oddsKey]decimal.Decimal, len(s.odds)),
		nextID:       s.nextID,
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.bets {
		snap.bets[k] = v
	}
	for k, v := range s.competitions {
		snap.competitions[k] = v
	}
	for k, v := range s.odds {
		snap.odds[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = snap.users
	s.bets = snap.bets
	s.competitions = snap.competitions
	s.odds = snap.odds
	s.nextID = snap.nextID
}

// --- Bets ---

func (s *MemoryStore) LoadBet(_ context.Context, id int64) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.joinBetType(&b)
	return &b, nil
}

func (s *MemoryStore) LockBet(ctx context.Context, id int64) (*model.Bet, error) {
	return s.LoadBet(ctx, id)
}

func (s *MemoryStore) LoadBetsForUser(_ context.Context, userID int64) ([]model.Bet, error) {
	return s.filterBets(func(b model.Bet) bool { return b.UserID == userID }), nil
}

func (s *MemoryStore) LoadBetsForCompetition(_ context.Context, competitionID int64) ([]model.Bet, error) {
	return s.filterBets(func(b model.Bet) bool { return b.CompetitionID == competitionID }), nil
}

func (s *MemoryStore) filterBets(keep func(model.Bet) bool) []model.Bet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if keep(b) {
			s.joinBetType(&b)
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

// joinBetType mirrors the bets ⋈ bet_types join. Caller holds mu.
func (s *MemoryStore) joinBetType(b *model.Bet) {
	if bt, ok := s.betTypes[b.BetTypeID]; ok {
		b.BetTypeName = bt.Name
		b.Multiplier = bt.Multiplier
	}
}

func (s *MemoryStore) InsertBet(ctx context.Context, bet *model.Bet) (*model.Bet, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.insertBet(ctx, bet)
}

func (s *MemoryStore) insertBet(_ context.Context, bet *model.Bet) (*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[bet.UserID]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.competitions[bet.CompetitionID]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.betTypes[bet.BetTypeID]; !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	stored := *bet
	stored.ID = s.id()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.bets[stored.ID] = stored

	s.joinBetType(&stored)
	return &stored, nil
}

func (s *MemoryStore) UpdateBet(ctx context.Context, bet *model.Bet) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateBet(ctx, bet)
}

func (s *MemoryStore) updateBet(_ context.Context, bet *model.Bet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bets[bet.ID]
	if !ok {
		return false, nil
	}
	existing.Status = bet.Status
	existing.Payout = bet.Payout
	existing.UpdatedAt = time.Now().UTC()
	s.bets[bet.ID] = existing
	return true, nil
}

// --- Balances ---

func (s *MemoryStore) LoadUserBalance(_ context.Context, userID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return bal, nil
}

func (s *MemoryStore) LockUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.LoadUserBalance(ctx, userID)
}

func (s *MemoryStore) SaveUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.saveUserBalance(ctx, userID, balance)
}

func (s *MemoryStore) saveUserBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	s.users[userID] = balance
	return nil
}

// --- Competitions ---

func (s *MemoryStore) GetCompetition(_ context.Context, id int64) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.competitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ShareCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	return s.GetCompetition(ctx, id)
}

func (s *MemoryStore) LockCompetition(ctx context.Context, id int64) (*model.Competition, error) {
	return s.GetCompetition(ctx, id)
}

func (s *MemoryStore) ListCompetitions(_ context.Context, status model.CompetitionStatus) ([]model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Competition
	for _, c := range s.competitions {
		if status == "" || c.Status == status {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.createCompetition(ctx, c)
}

func (s *MemoryStore) createCompetition(_ context.Context, c *model.Competition) (*model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	stored.ID = s.id()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.competitions[stored.ID] = stored

	out := stored
	return &out, nil
}

func (s *MemoryStore) UpdateCompetition(ctx context.Context, c *model.Competition) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateCompetition(ctx, c)
}

func (s *MemoryStore) updateCompetition(_ context.Context, c *model.Competition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.competitions[c.ID]
	if !ok {
		return false, nil
	}
	existing.Status = c.Status
	existing.Result = c.Result
	existing.Score1 = c.Score1
	existing.Score2 = c.Score2
	s.competitions[c.ID] = existing
	return true, nil
}

// --- Bet types and odds ---

func (s *MemoryStore) GetBetType(_ context.Context, id int64) (*model.BetType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bt, ok := s.betTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &bt, nil
}

func (s *MemoryStore) ListBetTypes(_ context.Context) ([]model.BetType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]model.BetType, 0, len(s.betTypes))
	for _, bt := range s.betTypes {
		types = append(types, bt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types, nil
}

func (s *MemoryStore) GetOddsOverride(_ context.Context, competitionID, betTypeID int64) (*decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.odds[oddsKey{competitionID, betTypeID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) ListOddsOverrides(_ context.Context, competitionID int64) ([]model.OddsOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OddsOverride
	for k, m := range s.odds {
		if k.competitionID == competitionID {
			result = append(result, model.OddsOverride{
				CompetitionID: k.competitionID,
				BetTypeID:     k.betTypeID,
				Multiplier:    m,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BetTypeID < result[j].BetTypeID })
	return result, nil
}

func (s *MemoryStore) SetOddsOverride(ctx context.Context, o model.OddsOverride) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.setOddsOverride(ctx, o)
}

func (s *MemoryStore) setOddsOverride(_ context.Context, o model.OddsOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.competitions[o.CompetitionID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.betTypes[o.BetTypeID]; !ok {
		return ErrNotFound
	}
	s.odds[oddsKey{o.CompetitionID, o.BetTypeID}] = o.Multiplier
	return nil
}
