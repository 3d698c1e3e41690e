package round_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hilo-engine/internal/bet"
	"github.com/atmx/hilo-engine/internal/events"
	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/payout"
	"github.com/atmx/hilo-engine/internal/pricefeed"
	"github.com/atmx/hilo-engine/internal/round"
	"github.com/atmx/hilo-engine/internal/settlement"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// MockFeed is a testify mock of pricefeed.Feed.
type MockFeed struct {
	mock.Mock
}

func (m *MockFeed) Latest() (pricefeed.Quote, bool) {
	args := m.Called()
	return args.Get(0).(pricefeed.Quote), args.Bool(1)
}

func quote(p string) pricefeed.Quote {
	return pricefeed.Quote{Price: d(p), Timestamp: time.Now()}
}

// failingSettles makes every SettleBet inside a transaction fail while on.
type failingSettles struct {
	store.Store
	on atomic.Bool
}

type failingTx struct{ store.Tx }

func (failingTx) SettleBet(context.Context, string, model.BetResult, decimal.Decimal, decimal.Decimal, time.Time) (bool, error) {
	return false, errors.New("disk full")
}

func (f *failingSettles) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if !f.on.Load() {
		return f.Store.WithTx(ctx, fn)
	}
	return f.Store.WithTx(ctx, func(tx store.Tx) error { return fn(failingTx{tx}) })
}

type harness struct {
	store   store.Store
	cache   *store.MemoryRoundCache
	feed    *MockFeed
	bus     *events.Bus
	wallets *wallet.Ledger
	payouts *payout.Provider
	bets    *bet.Ledger
	engine  *round.Engine
}

func fastConfig() round.Config {
	return round.Config{
		BettingDuration:       150 * time.Millisecond,
		ResultDuration:        100 * time.Millisecond,
		ResultDisplayDuration: time.Hour,
		RecoveryGrace:         time.Second,
	}
}

func newHarness(t *testing.T, st store.Store, cfg round.Config, opts ...func(*round.Deps)) *harness {
	t.Helper()
	payouts, err := payout.NewProvider(nil)
	require.NoError(t, err)
	wallets := wallet.NewLedger(st, "USDT")
	bus := events.NewBus()
	cache := store.NewMemoryRoundCache()
	feed := new(MockFeed)

	deps := round.Deps{
		Store:   st,
		Cache:   cache,
		Feed:    feed,
		Payouts: payouts,
		Settler: settlement.NewEngine(st, wallets),
		Wallets: wallets,
		Bus:     bus,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &harness{
		store:   st,
		cache:   cache,
		feed:    feed,
		bus:     bus,
		wallets: wallets,
		payouts: payouts,
		bets:    bet.NewLedger(st, wallets, payouts, bus, bet.Limits{Min: d("1"), Max: d("1000")}),
		engine:  round.NewEngine(cfg, deps),
	}
}

// fixedPicker always draws the same bonus slots and factor.
type fixedPicker struct {
	slots  []model.BonusSlot
	factor decimal.Decimal

	mu    sync.Mutex
	calls int
}

func (p *fixedPicker) Pick(*payout.Table) ([]model.BonusSlot, decimal.Decimal) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.slots, p.factor
}

func (p *fixedPicker) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// run starts the engine and stops it when the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func (h *harness) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := h.wallets.Adjust(context.Background(), userID, d(amount))
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := h.wallets.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (h *harness) waitForStatus(t *testing.T, id int64, status model.RoundStatus) *model.Round {
	t.Helper()
	var got *model.Round
	require.Eventually(t, func() bool {
		r, err := h.store.GetRound(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.Status == status
	}, 3*time.Second, 5*time.Millisecond, "round %d never reached %s", id, status)
	return got
}

func (h *harness) waitForCurrent(t *testing.T) *model.Round {
	t.Helper()
	var got *model.Round
	require.Eventually(t, func() bool {
		got = h.engine.Current()
		return got != nil
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

var statusOrder = map[model.RoundStatus]int{
	model.StatusBetting:       1,
	model.StatusResultPending: 2,
	model.StatusCompleted:     3,
}

func TestEngine_FullCycleHiLoWin(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), fastConfig())
	h.feed.On("Latest").Return(quote("100.00"), true).Once()
	h.feed.On("Latest").Return(quote("101.23"), true)
	h.fund(t, "alice", "10")

	ch, cancel := h.bus.Subscribe("test", 64)
	defer cancel()
	h.run(t)

	r := h.waitForCurrent(t)
	assert.Equal(t, model.StatusBetting, r.Status)
	assert.Equal(t, 150*time.Millisecond, r.LockTime.Sub(r.StartTime))
	assert.Equal(t, 100*time.Millisecond, r.EndTime.Sub(r.LockTime))
	assert.True(t, d("1.95").Equal(r.OddsUp))

	side := model.SideUp
	placed, err := h.bets.PlaceBet(context.Background(), "alice", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeHiLo, Side: &side, Amount: d("10"),
	})
	require.NoError(t, err)
	assert.True(t, placed.Balance.IsZero())

	// Sample statuses while the round runs; they must never go backwards.
	var seen []model.RoundStatus
	require.Eventually(t, func() bool {
		cur, err := h.store.GetRound(context.Background(), r.ID)
		if err != nil {
			return false
		}
		if len(seen) == 0 || seen[len(seen)-1] != cur.Status {
			seen = append(seen, cur.Status)
		}
		return cur.Status == model.StatusCompleted
	}, 3*time.Second, time.Millisecond)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, statusOrder[seen[i]], statusOrder[seen[i-1]], "statuses %v", seen)
	}

	done, err := h.store.GetRound(context.Background(), r.ID)
	require.NoError(t, err)
	require.NotNil(t, done.LockedPrice)
	require.NotNil(t, done.FinalPrice)
	assert.True(t, d("100").Equal(*done.LockedPrice))
	assert.True(t, d("101.23").Equal(*done.FinalPrice))
	require.NotNil(t, done.WinningSide)
	assert.Equal(t, model.SideUp, *done.WinningSide)
	assert.Equal(t, "123", *done.DigitResult)
	assert.Equal(t, 6, *done.DigitSum)
	assert.NotNil(t, done.SettledAt)

	bets, err := h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, model.ResultWin, bets[0].Result)
	assert.True(t, d("19.5").Equal(bets[0].Payout))
	assert.True(t, d("19.5").Equal(h.balance(t, "alice")), "credited 19.50 on top of the debited stake")

	cached, err := h.cache.LoadActive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cached, "active round mirror is cleared on completion")

	open, err := h.store.ListOpenSettlementIntents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	var types []string
	var result events.RoundResult
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.UserID == "" {
					types = append(types, ev.Type)
				}
				if ev.Type == events.TypeRoundResult {
					result = ev.Data.(events.RoundResult)
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.TypeRoundStart, events.TypeRoundLocked, events.TypeRoundResult}, types)
	assert.Equal(t, 1, result.Stats.TotalBets)
	assert.Equal(t, 1, result.Stats.Participants)

	// Private notifications follow the public result.
	var private []events.Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-ch:
			private = append(private, ev)
		default:
		}
		return len(private) == 2
	}, time.Second, 5*time.Millisecond)
	for _, ev := range private {
		assert.Equal(t, "alice", ev.UserID)
	}
	assert.Equal(t, events.TypeBalanceUpdate, private[0].Type)
	assert.True(t, d("19.5").Equal(private[0].Data.(events.BalanceUpdate).Balance))
	assert.Equal(t, events.TypeUserSettlement, private[1].Type)

	h.feed.AssertNumberOfCalls(t, "Latest", 2)
}

func TestEngine_PriceUnavailableRefunds(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), fastConfig())
	h.feed.On("Latest").Return(pricefeed.Quote{}, false)
	h.fund(t, "bob", "20")
	h.run(t)

	r := h.waitForCurrent(t)
	side := model.SideDown
	_, err := h.bets.PlaceBet(context.Background(), "bob", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeHiLo, Side: &side, Amount: d("10"),
	})
	require.NoError(t, err)
	dt := model.DigitBig
	_, err = h.bets.PlaceBet(context.Background(), "bob", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeDigit, DigitType: &dt, Amount: d("10"),
	})
	require.NoError(t, err)

	done := h.waitForStatus(t, r.ID, model.StatusCompleted)
	assert.Nil(t, done.LockedPrice)
	assert.Nil(t, done.FinalPrice)
	assert.Nil(t, done.WinningSide)
	assert.Nil(t, done.DigitResult)

	bets, err := h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	for _, b := range bets {
		assert.Equal(t, model.ResultRefund, b.Result)
	}
	assert.True(t, d("20").Equal(h.balance(t, "bob")))
}

func TestEngine_SettlementFailureStillCompletes(t *testing.T) {
	st := &failingSettles{Store: store.NewMemoryStore()}
	cfg := fastConfig()
	cfg.ResultDisplayDuration = 100 * time.Millisecond
	h := newHarness(t, st, cfg)
	h.feed.On("Latest").Return(quote("100.00"), true).Once()
	h.feed.On("Latest").Return(quote("100.50"), true)
	h.fund(t, "carol", "10")
	h.run(t)

	r := h.waitForCurrent(t)
	side := model.SideUp
	_, err := h.bets.PlaceBet(context.Background(), "carol", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeHiLo, Side: &side, Amount: d("10"),
	})
	require.NoError(t, err)
	st.on.Store(true)

	h.waitForStatus(t, r.ID, model.StatusCompleted)
	open, err := h.store.ListOpenSettlementIntents(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1, "intent stays open until settlement succeeds")
	bets, err := h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultPending, bets[0].Result)

	// The next round start retries the open intent.
	st.on.Store(false)
	require.Eventually(t, func() bool {
		open, err := h.store.ListOpenSettlementIntents(context.Background())
		return err == nil && len(open) == 0
	}, 3*time.Second, 10*time.Millisecond)

	bets, err = h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultWin, bets[0].Result)
	assert.True(t, d("19.5").Equal(h.balance(t, "carol")))
}

func TestEngine_RecoversBettingRound(t *testing.T) {
	ms := store.NewMemoryStore()
	h := newHarness(t, ms, fastConfig())
	h.feed.On("Latest").Return(quote("50.00"), true)

	now := time.Now().UTC()
	r := &model.Round{
		Status:      model.StatusBetting,
		StartTime:   now.Add(-time.Second),
		LockTime:    now.Add(300 * time.Millisecond),
		EndTime:     now.Add(400 * time.Millisecond),
		OddsUp:      d("1.95"),
		OddsDown:    d("1.95"),
		BonusFactor: decimal.NewFromInt(1),
		CreatedAt:   now.Add(-time.Second),
	}
	require.NoError(t, ms.CreateRound(context.Background(), r))
	require.NoError(t, h.cache.SaveActive(context.Background(), r))

	ch, cancel := h.bus.Subscribe("test", 16)
	defer cancel()
	h.run(t)

	cur := h.waitForCurrent(t)
	assert.Equal(t, r.ID, cur.ID, "the same round is resumed")

	var lockedAt time.Time
	require.Eventually(t, func() bool {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeRoundLocked {
				lockedAt = time.Now()
				return true
			}
			assert.NotEqual(t, events.TypeRoundStart, ev.Type, "no new round while one is active")
		default:
		}
		return false
	}, 2*time.Second, time.Millisecond)

	assert.False(t, lockedAt.Before(r.LockTime), "locked early: %s before %s", lockedAt, r.LockTime)
	assert.Less(t, lockedAt.Sub(r.LockTime), 250*time.Millisecond)
	h.waitForStatus(t, r.ID, model.StatusCompleted)
}

func TestEngine_CacheLosesToDurableRow(t *testing.T) {
	ms := store.NewMemoryStore()
	h := newHarness(t, ms, fastConfig())
	h.feed.On("Latest").Return(quote("50.00"), true)

	now := time.Now().UTC()
	stale := &model.Round{
		Status: model.StatusBetting, StartTime: now, LockTime: now.Add(time.Minute), EndTime: now.Add(2 * time.Minute),
		OddsUp: d("1.95"), OddsDown: d("1.95"), BonusFactor: decimal.NewFromInt(1), CreatedAt: now,
	}
	require.NoError(t, ms.CreateRound(context.Background(), stale))
	require.NoError(t, h.cache.SaveActive(context.Background(), stale))
	// The durable row has already moved past the cached copy.
	require.NoError(t, ms.LockRound(context.Background(), stale.ID, nil, nil, decimal.NewFromInt(1)))

	h.run(t)
	cur := h.waitForCurrent(t)
	assert.Equal(t, stale.ID, cur.ID)
	assert.Equal(t, model.StatusResultPending, cur.Status)
}

func TestEngine_LateLockedRoundFinishesWithoutPrice(t *testing.T) {
	ms := store.NewMemoryStore()
	h := newHarness(t, ms, fastConfig())
	ctx := context.Background()

	now := time.Now().UTC()
	r := &model.Round{
		Status: model.StatusBetting, StartTime: now.Add(-time.Minute), LockTime: now.Add(-50 * time.Second),
		EndTime: now.Add(-40 * time.Second), OddsUp: d("1.95"), OddsDown: d("1.95"),
		BonusFactor: decimal.NewFromInt(1), CreatedAt: now.Add(-time.Minute),
	}
	require.NoError(t, ms.CreateRound(ctx, r))
	up := model.SideUp
	b := &model.Bet{
		ID: "late-bet", UserID: "dave", RoundID: r.ID, BetType: model.BetTypeHiLo, Side: &up,
		Amount: d("10"), Odds: d("1.95"), Result: model.ResultPending, Payout: decimal.Zero, CreatedAt: now,
	}
	require.NoError(t, ms.InsertBet(ctx, b))
	locked := d("100")
	require.NoError(t, ms.LockRound(ctx, r.ID, &locked, nil, decimal.NewFromInt(1)))

	h.run(t)
	done := h.waitForStatus(t, r.ID, model.StatusCompleted)
	assert.Nil(t, done.FinalPrice)
	assert.Nil(t, done.WinningSide)

	bets, err := ms.ListBetsByRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultRefund, bets[0].Result)
	assert.True(t, d("10").Equal(h.balance(t, "dave")))
	h.feed.AssertNotCalled(t, "Latest")
}

func TestEngine_ResumesOpenIntentWithRecordedOutcome(t *testing.T) {
	ms := store.NewMemoryStore()
	h := newHarness(t, ms, fastConfig())
	// A live read would flip the outcome; the recorded intent must win.
	h.feed.On("Latest").Return(quote("1.00"), true)
	ctx := context.Background()

	now := time.Now().UTC()
	r := &model.Round{
		Status: model.StatusBetting, StartTime: now, LockTime: now.Add(time.Second), EndTime: now.Add(2 * time.Second),
		OddsUp: d("1.95"), OddsDown: d("1.95"), BonusFactor: decimal.NewFromInt(1), CreatedAt: now,
	}
	require.NoError(t, ms.CreateRound(ctx, r))
	h.fund(t, "erin", "10")
	side := model.SideUp
	_, err := h.bets.PlaceBet(ctx, "erin", bet.PlaceRequest{RoundID: r.ID, BetType: model.BetTypeHiLo, Side: &side, Amount: d("10")})
	require.NoError(t, err)

	locked, final := d("100"), d("101")
	require.NoError(t, ms.LockRound(ctx, r.ID, &locked, nil, decimal.NewFromInt(1)))
	require.NoError(t, ms.CreateSettlementIntent(ctx, &model.SettlementIntent{
		RoundID: r.ID, LockedPrice: &locked, FinalPrice: &final, WinningSide: &side,
		BonusFactor: decimal.NewFromInt(1), CreatedAt: now,
	}))

	h.run(t)
	done := h.waitForStatus(t, r.ID, model.StatusCompleted)
	require.NotNil(t, done.FinalPrice)
	assert.True(t, final.Equal(*done.FinalPrice))
	assert.Equal(t, model.SideUp, *done.WinningSide)
	assert.True(t, d("19.5").Equal(h.balance(t, "erin")))

	in, err := ms.GetSettlementIntent(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, in.CompletedAt)
}

func TestEngine_RunTwice(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), fastConfig())
	h.feed.On("Latest").Return(quote("10"), true)
	h.run(t)
	h.waitForCurrent(t)

	err := h.engine.Run(context.Background())
	assert.ErrorIs(t, err, round.ErrEngineRunning)
}

func TestEngine_SingleRoundAtATime(t *testing.T) {
	cfg := round.Config{
		BettingDuration:       30 * time.Millisecond,
		ResultDuration:        20 * time.Millisecond,
		ResultDisplayDuration: 10 * time.Millisecond,
		RecoveryGrace:         time.Second,
	}
	h := newHarness(t, store.NewMemoryStore(), cfg)
	h.feed.On("Latest").Return(quote("42.42"), true)

	ch, cancel := h.bus.Subscribe("test", 256)
	defer cancel()
	h.run(t)

	var mu sync.Mutex
	var order []string
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				mu.Lock()
				order = append(order, ev.Type)
				mu.Unlock()
			default:
				mu.Lock()
				defer mu.Unlock()
				return len(order) >= 9
			}
		}
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	cycle := []string{events.TypeRoundStart, events.TypeRoundLocked, events.TypeRoundResult}
	for i := 0; i < 9; i++ {
		assert.Equal(t, cycle[i%3], order[i], "event %d of %v", i, order)
	}
}

func TestEngine_BonusSlotsFromLockReachSettlement(t *testing.T) {
	picker := &fixedPicker{
		slots:  []model.BonusSlot{{DigitType: model.DigitSum, Selection: "6"}},
		factor: d("3"),
	}
	h := newHarness(t, store.NewMemoryStore(), fastConfig(), func(deps *round.Deps) { deps.Picker = picker })
	h.feed.On("Latest").Return(quote("100.00"), true).Once()
	h.feed.On("Latest").Return(quote("101.23"), true) // 123, sum 6
	h.fund(t, "nora", "10")
	h.run(t)

	r := h.waitForCurrent(t)
	sum, sel := model.DigitSum, "6"
	placed, err := h.bets.PlaceBet(context.Background(), "nora", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeDigit, DigitType: &sum, Selection: &sel, Amount: d("2"),
	})
	require.NoError(t, err)
	base := placed.Bet.Odds
	require.True(t, d("33").Equal(base))

	locked := h.waitForStatus(t, r.ID, model.StatusResultPending)
	assert.Equal(t, picker.slots, locked.BonusSlots)
	assert.True(t, d("3").Equal(locked.BonusFactor))

	done := h.waitForStatus(t, r.ID, model.StatusCompleted)
	assert.Equal(t, picker.slots, done.BonusSlots)
	assert.Equal(t, 1, picker.Calls())

	intent, err := h.store.GetSettlementIntent(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, picker.slots, intent.BonusSlots)
	assert.True(t, d("3").Equal(intent.BonusFactor))
	assert.NotNil(t, intent.CompletedAt)

	bets, err := h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, model.ResultWin, bets[0].Result)
	assert.True(t, base.Mul(d("3")).Equal(bets[0].Odds), "odds %s", bets[0].Odds)
	assert.True(t, d("198").Equal(bets[0].Payout))
	assert.True(t, d("206").Equal(h.balance(t, "nora")))
}

func TestEngine_PayoutReloadDoesNotMoveOpenRoundRanges(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), fastConfig())
	h.feed.On("Latest").Return(quote("100.00"), true).Once()
	h.feed.On("Latest").Return(quote("101.23"), true) // 123, sum 6
	h.fund(t, "olga", "10")
	h.run(t)

	r := h.waitForCurrent(t)
	assert.Equal(t, model.SumRange{Min: 0, Max: 13}, r.SmallRange)
	assert.Equal(t, model.SumRange{Min: 14, Max: 27}, r.BigRange)

	small := model.DigitSmall
	placed, err := h.bets.PlaceBet(context.Background(), "olga", bet.PlaceRequest{
		RoundID: r.ID, BetType: model.BetTypeDigit, DigitType: &small, Amount: d("10"),
	})
	require.NoError(t, err)

	// Reload mid-round: sum 6 would now be BIG.
	narrowed := h.payouts.Current().Clone()
	narrowed.SmallRange = payout.Range{Min: 0, Max: 5}
	narrowed.BigRange = payout.Range{Min: 6, Max: 27}
	require.NoError(t, h.payouts.Set(narrowed))

	h.waitForStatus(t, r.ID, model.StatusCompleted)
	bets, err := h.store.ListBetsByRound(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, placed.Bet.ID, bets[0].ID)
	assert.Equal(t, model.ResultWin, bets[0].Result)
	assert.True(t, d("19.5").Equal(h.balance(t, "olga")))
}
