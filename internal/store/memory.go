package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by txMu and rolled back by replaying an
// undo log. Reads and writes outside a transaction take mu only, so a
// conditional debit stays atomic even when it races a transaction.
// Wallet undo applies the inverse delta, so balance changes made outside
// the transaction survive a rollback. Round, bet and intent undo restore
// the prior row; those rows only change through status-conditional
// updates, which cannot interleave with an open transaction's write.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	nextRoundID int64
	rounds      map[int64]*model.Round
	bets        map[string]*model.Bet
	betSeq      map[string]int64
	seq         int64
	wallets     map[string]*model.Wallet
	intents     map[int64]*model.SettlementIntent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[int64]*model.Round),
		bets:    make(map[string]*model.Bet),
		betSeq:  make(map[string]int64),
		wallets: make(map[string]*model.Wallet),
		intents: make(map[int64]*model.SettlementIntent),
	}
}

// WithTx runs fn against a transactional view of the store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Rounds ---

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.createRound(r)
	return nil
}

func (s *MemoryStore) createRound(r *model.Round) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRoundID++
	r.ID = s.nextRoundID
	s.rounds[r.ID] = r.Clone()
	id := r.ID
	return func() {
		s.mu.Lock()
		delete(s.rounds, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) GetRound(_ context.Context, id int64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) LockRound(_ context.Context, id int64, lockedPrice *decimal.Decimal, slots []model.BonusSlot, factor decimal.Decimal) error {
	_, err := s.lockRound(id, lockedPrice, slots, factor)
	return err
}

func (s *MemoryStore) lockRound(id int64, lockedPrice *decimal.Decimal, slots []model.BonusSlot, factor decimal.Decimal) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	if r.Status != model.StatusBetting {
		return nil, fmt.Errorf("lock round %d from %s: %w", id, r.Status, ErrStaleStatus)
	}
	prev := r.Clone()
	next := r.Clone()
	next.Status = model.StatusResultPending
	if lockedPrice != nil {
		v := *lockedPrice
		next.LockedPrice = &v
	}
	next.BonusSlots = append([]model.BonusSlot(nil), slots...)
	next.BonusFactor = factor
	s.rounds[id] = next
	return func() { s.restoreRound(prev) }, nil
}

func (s *MemoryStore) CompleteRound(_ context.Context, r *model.Round) error {
	_, err := s.completeRound(r)
	return err
}

func (s *MemoryStore) completeRound(r *model.Round) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rounds[r.ID]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", r.ID, ErrNotFound)
	}
	if cur.Status != model.StatusResultPending {
		return nil, fmt.Errorf("complete round %d from %s: %w", r.ID, cur.Status, ErrStaleStatus)
	}
	prev := cur.Clone()
	next := cur.Clone()
	next.Status = model.StatusCompleted
	done := r.Clone()
	next.FinalPrice = done.FinalPrice
	next.WinningSide = done.WinningSide
	next.DigitResult = done.DigitResult
	next.DigitSum = done.DigitSum
	next.SettledAt = done.SettledAt
	s.rounds[r.ID] = next
	return func() { s.restoreRound(prev) }, nil
}

func (s *MemoryStore) restoreRound(r *model.Round) {
	s.mu.Lock()
	s.rounds[r.ID] = r
	s.mu.Unlock()
}

func (s *MemoryStore) LatestActiveRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Round
	for _, r := range s.rounds {
		if r.Status.Active() && (latest == nil || r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("active round: %w", ErrNotFound)
	}
	return latest.Clone(), nil
}

// --- Bets ---

func (s *MemoryStore) InsertBet(_ context.Context, b *model.Bet) error {
	_, err := s.insertBet(b)
	return err
}

func (s *MemoryStore) insertBet(b *model.Bet) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[b.RoundID]; !ok {
		return nil, fmt.Errorf("round %d: %w", b.RoundID, ErrNotFound)
	}
	if _, exists := s.bets[b.ID]; exists {
		return nil, fmt.Errorf("bet %s already exists", b.ID)
	}
	c := cloneBet(b)
	s.bets[b.ID] = &c
	s.seq++
	s.betSeq[b.ID] = s.seq
	id := b.ID
	return func() {
		s.mu.Lock()
		delete(s.bets, id)
		delete(s.betSeq, id)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) ListBetsByRound(_ context.Context, roundID int64) ([]model.Bet, error) {
	return s.filterBets(func(b *model.Bet) bool { return b.RoundID == roundID }), nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string, roundID int64) ([]model.Bet, error) {
	return s.filterBets(func(b *model.Bet) bool { return b.UserID == userID && b.RoundID == roundID }), nil
}

func (s *MemoryStore) filterBets(keep func(*model.Bet) bool) []model.Bet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if keep(b) {
			result = append(result, cloneBet(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.betSeq[result[i].ID] < s.betSeq[result[j].ID]
	})
	return result
}

func (s *MemoryStore) SettleBet(_ context.Context, betID string, result model.BetResult, payout, odds decimal.Decimal, at time.Time) (bool, error) {
	_, ok, err := s.settleBet(betID, result, payout, odds, at)
	return ok, err
}

func (s *MemoryStore) settleBet(betID string, result model.BetResult, payout, odds decimal.Decimal, at time.Time) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[betID]
	if !ok {
		return nil, false, fmt.Errorf("bet %s: %w", betID, ErrNotFound)
	}
	if b.Result != model.ResultPending {
		return nil, false, nil
	}
	prev := cloneBet(b)
	b.Result = result
	b.Payout = payout
	b.Odds = odds
	settled := at
	b.SettledAt = &settled
	return func() {
		s.mu.Lock()
		s.bets[betID] = &prev
		s.mu.Unlock()
	}, true, nil
}

func cloneBet(b *model.Bet) model.Bet {
	c := *b
	if b.Side != nil {
		v := *b.Side
		c.Side = &v
	}
	if b.DigitType != nil {
		v := *b.DigitType
		c.DigitType = &v
	}
	if b.Selection != nil {
		v := *b.Selection
		c.Selection = &v
	}
	if b.SettledAt != nil {
		v := *b.SettledAt
		c.SettledAt = &v
	}
	if b.TierOdds != nil {
		c.TierOdds = append([]decimal.Decimal(nil), b.TierOdds...)
	}
	return c
}

// --- Wallets ---

func (s *MemoryStore) GetOrCreateWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	w, _ := s.getOrCreateWallet(userID, currency)
	return w, nil
}

func (s *MemoryStore) getOrCreateWallet(userID, currency string) (*model.Wallet, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		c := *w
		return &c, func() {}
	}
	now := time.Now().UTC()
	w := &model.Wallet{UserID: userID, Balance: decimal.Zero, Currency: currency, CreatedAt: now, UpdatedAt: now}
	s.wallets[userID] = w
	c := *w
	return &c, func() { s.reverseWallet(userID, decimal.Zero, true) }
}

func (s *MemoryStore) CreditWallet(_ context.Context, userID, currency string, amount decimal.Decimal) (*model.Wallet, error) {
	w, _ := s.creditWallet(userID, currency, amount)
	return w, nil
}

func (s *MemoryStore) creditWallet(userID, currency string, amount decimal.Decimal) (*model.Wallet, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, existed := s.wallets[userID]
	if !existed {
		now := time.Now().UTC()
		w = &model.Wallet{UserID: userID, Balance: decimal.Zero, Currency: currency, CreatedAt: now}
		s.wallets[userID] = w
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	c := *w
	return &c, func() { s.reverseWallet(userID, amount.Neg(), !existed) }
}

func (s *MemoryStore) DebitWallet(_ context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	w, _, err := s.debitWallet(userID, amount)
	return w, err
}

func (s *MemoryStore) debitWallet(userID string, amount decimal.Decimal) (*model.Wallet, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok || w.Balance.LessThan(amount) {
		return nil, nil, ErrInsufficientBalance
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	c := *w
	return &c, func() { s.reverseWallet(userID, amount, false) }, nil
}

// reverseWallet undoes a wallet mutation by applying delta to the current
// balance, so credits made outside the transaction survive the rollback.
// A wallet the transaction created is dropped only if nothing else has
// moved its balance since.
func (s *MemoryStore) reverseWallet(userID string, delta decimal.Decimal, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return
	}
	w.Balance = w.Balance.Add(delta)
	w.UpdatedAt = time.Now().UTC()
	if created && w.Balance.IsZero() {
		delete(s.wallets, userID)
	}
}

// --- Settlement intents ---

func (s *MemoryStore) CreateSettlementIntent(_ context.Context, in *model.SettlementIntent) error {
	s.createSettlementIntent(in)
	return nil
}

func (s *MemoryStore) createSettlementIntent(in *model.SettlementIntent) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[in.RoundID]; exists {
		return func() {}
	}
	c := cloneIntent(in)
	s.intents[in.RoundID] = &c
	id := in.RoundID
	return func() {
		s.mu.Lock()
		delete(s.intents, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) GetSettlementIntent(_ context.Context, roundID int64) (*model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[roundID]
	if !ok {
		return nil, fmt.Errorf("settlement intent %d: %w", roundID, ErrNotFound)
	}
	c := cloneIntent(in)
	return &c, nil
}

func (s *MemoryStore) ListOpenSettlementIntents(_ context.Context) ([]model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementIntent
	for _, in := range s.intents {
		if in.CompletedAt == nil {
			result = append(result, cloneIntent(in))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoundID < result[j].RoundID })
	return result, nil
}

func (s *MemoryStore) CompleteSettlementIntent(_ context.Context, roundID int64, at time.Time) error {
	_, err := s.completeSettlementIntent(roundID, at)
	return err
}

func (s *MemoryStore) completeSettlementIntent(roundID int64, at time.Time) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[roundID]
	if !ok {
		return nil, fmt.Errorf("settlement intent %d: %w", roundID, ErrNotFound)
	}
	prev := in.CompletedAt
	done := at
	in.CompletedAt = &done
	return func() {
		s.mu.Lock()
		in.CompletedAt = prev
		s.mu.Unlock()
	}, nil
}

func cloneIntent(in *model.SettlementIntent) model.SettlementIntent {
	c := *in
	if in.LockedPrice != nil {
		v := *in.LockedPrice
		c.LockedPrice = &v
	}
	if in.FinalPrice != nil {
		v := *in.FinalPrice
		c.FinalPrice = &v
	}
	if in.WinningSide != nil {
		v := *in.WinningSide
		c.WinningSide = &v
	}
	if in.DigitResult != nil {
		v := *in.DigitResult
		c.DigitResult = &v
	}
	if in.DigitSum != nil {
		v := *in.DigitSum
		c.DigitSum = &v
	}
	if in.CompletedAt != nil {
		v := *in.CompletedAt
		c.CompletedAt = &v
	}
	if in.BonusSlots != nil {
		c.BonusSlots = append([]model.BonusSlot(nil), in.BonusSlots...)
	}
	return c
}

// memoryTx records an undo step for every mutation so WithTx can roll
// back when the transaction function fails.
type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memoryTx) record(fn func()) {
	if fn != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) CreateRound(_ context.Context, r *model.Round) error {
	t.record(t.s.createRound(r))
	return nil
}

func (t *memoryTx) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	return t.s.GetRound(ctx, id)
}

func (t *memoryTx) LockRound(_ context.Context, id int64, lockedPrice *decimal.Decimal, slots []model.BonusSlot, factor decimal.Decimal) error {
	undo, err := t.s.lockRound(id, lockedPrice, slots, factor)
	t.record(undo)
	return err
}

func (t *memoryTx) CompleteRound(_ context.Context, r *model.Round) error {
	undo, err := t.s.completeRound(r)
	t.record(undo)
	return err
}

func (t *memoryTx) LatestActiveRound(ctx context.Context) (*model.Round, error) {
	return t.s.LatestActiveRound(ctx)
}

func (t *memoryTx) InsertBet(_ context.Context, b *model.Bet) error {
	undo, err := t.s.insertBet(b)
	t.record(undo)
	return err
}

func (t *memoryTx) ListBetsByRound(ctx context.Context, roundID int64) ([]model.Bet, error) {
	return t.s.ListBetsByRound(ctx, roundID)
}

func (t *memoryTx) ListBetsByUser(ctx context.Context, userID string, roundID int64) ([]model.Bet, error) {
	return t.s.ListBetsByUser(ctx, userID, roundID)
}

func (t *memoryTx) SettleBet(_ context.Context, betID string, result model.BetResult, payout, odds decimal.Decimal, at time.Time) (bool, error) {
	undo, ok, err := t.s.settleBet(betID, result, payout, odds, at)
	t.record(undo)
	return ok, err
}

func (t *memoryTx) GetOrCreateWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	w, undo := t.s.getOrCreateWallet(userID, currency)
	t.record(undo)
	return w, nil
}

func (t *memoryTx) CreditWallet(_ context.Context, userID, currency string, amount decimal.Decimal) (*model.Wallet, error) {
	w, undo := t.s.creditWallet(userID, currency, amount)
	t.record(undo)
	return w, nil
}

func (t *memoryTx) DebitWallet(_ context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	w, undo, err := t.s.debitWallet(userID, amount)
	t.record(undo)
	return w, err
}

func (t *memoryTx) CreateSettlementIntent(_ context.Context, in *model.SettlementIntent) error {
	t.record(t.s.createSettlementIntent(in))
	return nil
}

func (t *memoryTx) GetSettlementIntent(ctx context.Context, roundID int64) (*model.SettlementIntent, error) {
	return t.s.GetSettlementIntent(ctx, roundID)
}

func (t *memoryTx) ListOpenSettlementIntents(ctx context.Context) ([]model.SettlementIntent, error) {
	return t.s.ListOpenSettlementIntents(ctx)
}

func (t *memoryTx) CompleteSettlementIntent(_ context.Context, roundID int64, at time.Time) error {
	undo, err := t.s.completeSettlementIntent(roundID, at)
	t.record(undo)
	return err
}
