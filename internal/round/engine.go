// Package round runs the round lifecycle: BETTING, RESULT_PENDING,
// COMPLETED, then a fresh round. All transitions happen on one goroutine
// driven by a single timer; at most one trigger is ever armed.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/digit"
	"github.com/atmx/hilo-engine/internal/events"
	"github.com/atmx/hilo-engine/internal/metrics"
	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/payout"
	"github.com/atmx/hilo-engine/internal/pricefeed"
	"github.com/atmx/hilo-engine/internal/settlement"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

// ErrEngineRunning is returned by Run when the engine is already running.
var ErrEngineRunning = errors.New("round: engine already running")

const retryDelay = time.Second

// Config holds the round timing.
type Config struct {
	BettingDuration       time.Duration
	ResultDuration        time.Duration
	ResultDisplayDuration time.Duration

	// RecoveryGrace is how late a RESULT_PENDING round may be found on
	// restart and still read the live price as its final price.
	RecoveryGrace time.Duration
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store   store.Store
	Cache   store.ActiveRoundCache
	Feed    pricefeed.Feed
	Payouts *payout.Provider
	Picker  payout.SlotPicker
	Settler *settlement.Engine
	Wallets *wallet.Ledger
	Bus     events.Publisher
}

type step int

const (
	stepRecover step = iota + 1
	stepStart
	stepLock
	stepFinish
	stepExpire // finish without a final price
)

func (s step) String() string {
	switch s {
	case stepRecover:
		return "recover"
	case stepStart:
		return "start"
	case stepLock:
		return "lock"
	case stepFinish:
		return "finish"
	case stepExpire:
		return "expire"
	}
	return "unknown"
}

// trigger is the message the control loop acts on when its timer fires.
type trigger struct {
	step    step
	roundID int64
}

// Engine owns the active round.
type Engine struct {
	cfg Config
	Deps
	now func() time.Time

	running atomic.Bool

	mu      sync.RWMutex
	current *model.Round

	// Owned by the Run goroutine.
	timer *time.Timer
	next  trigger
}

// NewEngine creates a round engine. Call Run to start cycling.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Picker == nil {
		deps.Picker = payout.NewPicker(nil)
	}
	return &Engine{cfg: cfg, Deps: deps, now: time.Now}
}

// Current returns a copy of the round the engine is driving, or nil
// before the first round is known.
func (e *Engine) Current() *model.Round {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Clone()
}

func (e *Engine) setCurrent(r *model.Round) {
	e.mu.Lock()
	e.current = r.Clone()
	e.mu.Unlock()
}

// Run recovers any unfinished work and then cycles rounds until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	e.arm(0, trigger{step: stepRecover})
	defer e.disarm()

	for {
		select {
		case <-ctx.Done():
			slog.Info("round engine stopped")
			return nil
		case <-e.timer.C:
			tr := e.next
			e.handle(ctx, tr)
		}
	}
}

// arm replaces the armed trigger. The previous timer is stopped first so
// it can never fire after its successor is armed.
func (e *Engine) arm(after time.Duration, tr trigger) {
	e.disarm()
	if after < 0 {
		after = 0
	}
	e.next = tr
	e.timer = time.NewTimer(after)
}

func (e *Engine) disarm() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *Engine) handle(ctx context.Context, tr trigger) {
	var err error
	switch tr.step {
	case stepRecover:
		err = e.recoverRound(ctx)
	case stepStart:
		err = e.start(ctx)
	case stepLock:
		err = e.lock(ctx, tr.roundID)
	case stepFinish:
		err = e.finish(ctx, tr.roundID, true)
	case stepExpire:
		err = e.finish(ctx, tr.roundID, false)
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, store.ErrStaleStatus) {
		// The durable row moved on without us; rebuild from it.
		slog.Warn("round transition out of date, recovering", "step", tr.step.String(), "round_id", tr.roundID, "err", err)
		e.arm(0, trigger{step: stepRecover})
		return
	}
	slog.Error("round transition failed, retrying", "step", tr.step.String(), "round_id", tr.roundID, "err", err)
	e.arm(retryDelay, tr)
}

// recoverRound resumes open settlement intents, then picks up the active round
// from the cache or the store. The durable row always wins over the cache.
func (e *Engine) recoverRound(ctx context.Context) error {
	if err := e.resumeIntents(ctx); err != nil {
		return err
	}

	r, err := e.loadActive(ctx)
	if err != nil {
		return err
	}
	if r == nil {
		slog.Info("no active round to recover")
		e.arm(0, trigger{step: stepStart})
		return nil
	}
	e.setCurrent(r)

	now := e.now()
	switch r.Status {
	case model.StatusBetting:
		slog.Info("recovered betting round", "round_id", r.ID, "lock_time", r.LockTime)
		e.arm(r.LockTime.Sub(now), trigger{step: stepLock, roundID: r.ID})
	case model.StatusResultPending:
		if now.After(r.EndTime.Add(e.cfg.RecoveryGrace)) {
			slog.Warn("recovered round is past its end time, finishing without final price",
				"round_id", r.ID, "end_time", r.EndTime)
			e.arm(0, trigger{step: stepExpire, roundID: r.ID})
			return nil
		}
		slog.Info("recovered locked round", "round_id", r.ID, "end_time", r.EndTime)
		e.arm(r.EndTime.Sub(now), trigger{step: stepFinish, roundID: r.ID})
	}
	return nil
}

func (e *Engine) loadActive(ctx context.Context) (*model.Round, error) {
	cached, err := e.Cache.LoadActive(ctx)
	if err != nil {
		slog.Warn("active round cache unavailable", "err", err)
	}
	if cached != nil {
		r, err := e.Store.GetRound(ctx, cached.ID)
		switch {
		case err == nil && r.Status.Active():
			return r, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		// Stale mirror: fall through to the store.
	}

	r, err := e.Store.LatestActiveRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active round: %w", err)
	}
	return r, nil
}

// resumeIntents re-applies every settlement that was started but never
// marked complete.
func (e *Engine) resumeIntents(ctx context.Context) error {
	open, err := e.Store.ListOpenSettlementIntents(ctx)
	if err != nil {
		return fmt.Errorf("list open settlement intents: %w", err)
	}
	for i := range open {
		in := open[i]
		r, err := e.Store.GetRound(ctx, in.RoundID)
		if err != nil {
			return fmt.Errorf("resume settlement of round %d: %w", in.RoundID, err)
		}
		slog.Info("resuming settlement", "round_id", in.RoundID, "status", r.Status)
		if _, err := e.settle(ctx, r, &in); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	// Best effort: a failed retry leaves the intent open for next time.
	if err := e.resumeIntents(ctx); err != nil {
		slog.Error("settlement retry failed", "err", err)
	}

	now := e.now().UTC()
	table := e.Payouts.Current()
	lock := now.Add(e.cfg.BettingDuration)
	r := &model.Round{
		Status:      model.StatusBetting,
		StartTime:   now,
		LockTime:    lock,
		EndTime:     lock.Add(e.cfg.ResultDuration),
		OddsUp:      table.OddsUp,
		OddsDown:    table.OddsDown,
		BonusFactor: decimal.NewFromInt(1),
		SmallRange:  table.SmallRange,
		BigRange:    table.BigRange,
		CreatedAt:   now,
	}
	if err := e.Store.CreateRound(ctx, r); err != nil {
		return fmt.Errorf("create round: %w", err)
	}
	e.setCurrent(r)
	e.mirror(ctx, r)
	metrics.RoundTransitions.WithLabelValues(string(model.StatusBetting)).Inc()

	slog.Info("round started",
		"round_id", r.ID,
		"lock_time", r.LockTime,
		"end_time", r.EndTime,
		"odds_up", r.OddsUp.String(),
		"odds_down", r.OddsDown.String(),
	)
	e.publish(events.Event{Type: events.TypeRoundStart, Data: r.Clone()})
	e.arm(r.LockTime.Sub(e.now()), trigger{step: stepLock, roundID: r.ID})
	return nil
}

func (e *Engine) lock(ctx context.Context, id int64) error {
	price := e.latestPrice("lock", id)
	slots, factor := e.Picker.Pick(e.Payouts.Current())

	if err := e.Store.LockRound(ctx, id, price, slots, factor); err != nil {
		return fmt.Errorf("lock round %d: %w", id, err)
	}
	r, err := e.Store.GetRound(ctx, id)
	if err != nil {
		return fmt.Errorf("reload round %d: %w", id, err)
	}
	e.setCurrent(r)
	e.mirror(ctx, r)
	metrics.RoundTransitions.WithLabelValues(string(model.StatusResultPending)).Inc()

	slog.Info("round locked", "round_id", id, "locked_price", decString(price), "bonus_slots", len(slots))
	e.publish(events.Event{
		Type: events.TypeRoundLocked,
		Data: events.RoundLocked{
			RoundID:     id,
			LockedPrice: r.LockedPrice,
			BonusSlots:  r.BonusSlots,
			BonusFactor: r.BonusFactor,
		},
	})
	e.arm(r.EndTime.Sub(e.now()), trigger{step: stepFinish, roundID: id})
	return nil
}

// finish reads the final price (unless withPrice is false), settles and
// completes the round, then arms the next one.
func (e *Engine) finish(ctx context.Context, id int64, withPrice bool) error {
	r, err := e.Store.GetRound(ctx, id)
	if err != nil {
		return fmt.Errorf("load round %d: %w", id, err)
	}
	if r.Status != model.StatusResultPending {
		return fmt.Errorf("finish round %d from %s: %w", id, r.Status, store.ErrStaleStatus)
	}

	var final *decimal.Decimal
	if withPrice {
		final = e.latestPrice("finish", id)
	}
	if _, err := e.settle(ctx, r, newIntent(r, final, e.now().UTC())); err != nil {
		return err
	}

	e.arm(e.cfg.ResultDisplayDuration, trigger{step: stepStart})
	return nil
}

// newIntent derives the outcome of r from its locked price and final.
func newIntent(r *model.Round, final *decimal.Decimal, now time.Time) *model.SettlementIntent {
	in := &model.SettlementIntent{
		RoundID:     r.ID,
		LockedPrice: r.LockedPrice,
		FinalPrice:  final,
		WinningSide: winningSide(r.LockedPrice, final),
		BonusSlots:  r.BonusSlots,
		BonusFactor: r.BonusFactor,
		CreatedAt:   now,
	}
	if final != nil {
		o := digit.Resolve(*final)
		in.DigitResult = &o.Digits
		in.DigitSum = &o.Sum
	}
	return in
}

// winningSide is nil (a push) when either price is missing or they match.
func winningSide(locked, final *decimal.Decimal) *model.Side {
	if locked == nil || final == nil {
		return nil
	}
	var s model.Side
	switch final.Cmp(*locked) {
	case 1:
		s = model.SideUp
	case -1:
		s = model.SideDown
	default:
		return nil
	}
	return &s
}

// settle records the intent, settles every bet and completes the round.
// A settlement failure is logged and leaves the intent open; the round is
// completed regardless so the cycle keeps moving. It returns the
// completed round.
func (e *Engine) settle(ctx context.Context, r *model.Round, in *model.SettlementIntent) (*model.Round, error) {
	if err := e.Store.CreateSettlementIntent(ctx, in); err != nil {
		return nil, fmt.Errorf("record settlement intent for round %d: %w", r.ID, err)
	}
	// An intent written by an earlier attempt wins over the one we built.
	in, err := e.Store.GetSettlementIntent(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("load settlement intent for round %d: %w", r.ID, err)
	}

	out := settlement.OutcomeFor(r)
	out.WinningSide = in.WinningSide
	out.BonusSlots = in.BonusSlots
	out.BonusFactor = in.BonusFactor
	if in.FinalPrice != nil {
		o := digit.Resolve(*in.FinalPrice)
		out.Digits = &o
	}
	stats, settleErr := e.Settler.Settle(ctx, out)
	if settleErr != nil {
		metrics.SettlementFailures.Inc()
		slog.Error("settlement incomplete, will retry", "round_id", r.ID, "err", settleErr)
	}

	now := e.now().UTC()
	transition := r.Status == model.StatusResultPending
	done := r.Clone()
	if transition {
		done.Status = model.StatusCompleted
		done.FinalPrice = in.FinalPrice
		done.WinningSide = in.WinningSide
		done.DigitResult = in.DigitResult
		done.DigitSum = in.DigitSum
		done.SettledAt = &now
	}
	err = e.Store.WithTx(ctx, func(tx store.Tx) error {
		if transition {
			if err := tx.CompleteRound(ctx, done); err != nil {
				return err
			}
		}
		if settleErr == nil {
			return tx.CompleteSettlementIntent(ctx, r.ID, now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete round %d: %w", r.ID, err)
	}

	if transition {
		e.completed(ctx, done, stats, settleErr)
	}
	e.notifyParticipants(r.ID, stats)
	return done, nil
}

// completed publishes the result of a round that just reached COMPLETED.
func (e *Engine) completed(ctx context.Context, r *model.Round, stats *model.SettlementStats, settleErr error) {
	e.setCurrent(r)
	if err := e.Cache.ClearActive(ctx); err != nil {
		slog.Warn("clear active round cache", "round_id", r.ID, "err", err)
	}

	outcome := "PUSH"
	if r.WinningSide != nil {
		outcome = string(*r.WinningSide)
	}
	metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	metrics.RoundTransitions.WithLabelValues(string(model.StatusCompleted)).Inc()

	public := stats.Public()
	if settleErr != nil {
		public = (*model.SettlementStats)(nil).Public()
	}
	slog.Info("round completed",
		"round_id", r.ID,
		"outcome", outcome,
		"final_price", decString(r.FinalPrice),
		"bets", public.TotalBets,
	)
	e.publish(events.Event{
		Type: events.TypeRoundResult,
		Data: events.RoundResult{
			RoundID:     r.ID,
			LockedPrice: r.LockedPrice,
			FinalPrice:  r.FinalPrice,
			DigitResult: r.DigitResult,
			DigitSum:    r.DigitSum,
			WinningSide: r.WinningSide,
			Stats:       public,
		},
	})
}

// notifyParticipants routes each user's balance and settlement summary to
// that user only.
func (e *Engine) notifyParticipants(roundID int64, stats *model.SettlementStats) {
	if stats == nil {
		return
	}
	balances := make(map[string]decimal.Decimal, len(stats.Balances))
	for _, b := range stats.Balances {
		balances[b.UserID] = b.Balance
	}
	for _, userID := range stats.Participants {
		if bal, ok := balances[userID]; ok {
			e.publish(events.Event{
				Type:   events.TypeBalanceUpdate,
				UserID: userID,
				Data:   events.BalanceUpdate{Balance: bal, Currency: e.Wallets.Currency()},
			})
		}
		us := stats.UserSettlements[userID]
		if us == nil {
			continue
		}
		e.publish(events.Event{
			Type:   events.TypeUserSettlement,
			UserID: userID,
			Data: events.UserSettlement{
				RoundID: roundID,
				Stake:   us.Stake,
				Payout:  us.Payout,
				Bets:    us.Bets,
			},
		})
	}
}

func (e *Engine) latestPrice(phase string, roundID int64) *decimal.Decimal {
	q, ok := e.Feed.Latest()
	if !ok {
		metrics.PriceUnavailable.WithLabelValues(phase).Inc()
		slog.Warn("price unavailable", "phase", phase, "round_id", roundID)
		return nil
	}
	p := q.Price
	return &p
}

func (e *Engine) mirror(ctx context.Context, r *model.Round) {
	if err := e.Cache.SaveActive(ctx, r); err != nil {
		slog.Warn("mirror active round", "round_id", r.ID, "err", err)
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.Bus != nil {
		e.Bus.Publish(ev)
	}
}

func decString(d *decimal.Decimal) string {
	if d == nil {
		return "null"
	}
	return d.String()
}
