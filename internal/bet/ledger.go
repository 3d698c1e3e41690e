// Package bet validates and records wagers. Placing a bet snapshots its
// odds and debits the stake in one store transaction.
package bet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/events"
	"github.com/atmx/hilo-engine/internal/exposure"
	"github.com/atmx/hilo-engine/internal/metrics"
	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/payout"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

var (
	ErrAmountOutOfRange = errors.New("bet: amount out of range")
	ErrRoundNotFound    = errors.New("bet: round not found")
	ErrRoundNotBetting  = errors.New("bet: round is not accepting bets")
	ErrBettingClosed    = errors.New("bet: betting closed")
	ErrInvalidBetShape  = errors.New("bet: invalid bet shape")
	ErrInvalidSelection = errors.New("bet: invalid selection")
	ErrStakeLimit       = errors.New("bet: stake limit exceeded")

	// ErrInsufficientBalance is the wallet sentinel, so errors.Is matches
	// either name.
	ErrInsufficientBalance = wallet.ErrInsufficientBalance
)

// PlaceRequest is the JSON body for POST /bets.
type PlaceRequest struct {
	RoundID   int64            `json:"round_id"`
	BetType   model.BetType    `json:"bet_type"`
	Side      *model.Side      `json:"side,omitempty"`
	DigitType *model.DigitType `json:"digit_type,omitempty"`
	Selection *string          `json:"selection,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
}

// Placement is the result of an accepted bet.
type Placement struct {
	Bet     *model.Bet      `json:"bet"`
	Balance decimal.Decimal `json:"wallet_balance"`
}

// Limits bounds the stake of a single bet, inclusive. PerSlot and PerRound
// cap a user's accumulated stake in one round; zero disables them.
type Limits struct {
	Min      decimal.Decimal
	Max      decimal.Decimal
	PerSlot  decimal.Decimal
	PerRound decimal.Decimal
}

// Ledger places bets.
type Ledger struct {
	store   store.Store
	wallets *wallet.Ledger
	payouts *payout.Provider
	bus     events.Publisher
	limits  Limits
	stakes  *exposure.Limiter
	now     func() time.Time
}

// NewLedger creates a bet ledger. bus may be nil.
func NewLedger(st store.Store, wallets *wallet.Ledger, payouts *payout.Provider, bus events.Publisher, limits Limits) *Ledger {
	return &Ledger{
		store:   st,
		wallets: wallets,
		payouts: payouts,
		bus:     bus,
		limits:  limits,
		stakes:  exposure.NewLimiter(limits.PerSlot, limits.PerRound),
		now:     time.Now,
	}
}

// PlaceBet validates req, snapshots its odds and debits the stake. Either
// the bet is recorded and the wallet debited, or nothing changes.
func (l *Ledger) PlaceBet(ctx context.Context, userID string, req PlaceRequest) (*Placement, error) {
	start := time.Now()
	p, err := l.place(ctx, userID, req)
	if err != nil {
		metrics.BetRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	metrics.BetLatency.Observe(time.Since(start).Seconds())

	digitType := ""
	if p.Bet.DigitType != nil {
		digitType = string(*p.Bet.DigitType)
	}
	metrics.BetsPlaced.WithLabelValues(string(p.Bet.BetType), digitType).Inc()

	slog.Info("bet placed",
		"bet_id", p.Bet.ID,
		"user", userID,
		"round_id", p.Bet.RoundID,
		"bet_type", p.Bet.BetType,
		"slot", p.Bet.SlotKey(),
		"amount", p.Bet.Amount.String(),
		"odds", p.Bet.Odds.String(),
		"balance", p.Balance.String(),
	)

	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type:   events.TypeBetPlaced,
			UserID: userID,
			Data:   events.BetPlaced{Bet: *p.Bet, Balance: p.Balance},
		})
		l.bus.Publish(events.Event{
			Type:   events.TypeBalanceUpdate,
			UserID: userID,
			Data:   events.BalanceUpdate{Balance: p.Balance, Currency: l.wallets.Currency()},
		})
	}
	return p, nil
}

func (l *Ledger) place(ctx context.Context, userID string, req PlaceRequest) (*Placement, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidBetShape)
	}

	// (1) stake limits
	if !req.Amount.IsPositive() || req.Amount.LessThan(l.limits.Min) || req.Amount.GreaterThan(l.limits.Max) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange, req.Amount, l.limits.Min, l.limits.Max)
	}

	var placement *Placement
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		// (2)-(4) round checks
		round, err := tx.GetRound(ctx, req.RoundID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrRoundNotFound, req.RoundID)
		}
		if err != nil {
			return err
		}
		if round.Status != model.StatusBetting {
			return fmt.Errorf("%w: round %d is %s", ErrRoundNotBetting, round.ID, round.Status)
		}
		now := l.now().UTC()
		if !now.Before(round.LockTime) {
			return fmt.Errorf("%w: round %d locked at %s", ErrBettingClosed, round.ID, round.LockTime.Format(time.RFC3339Nano))
		}

		// (5)-(6) shape, selection and odds
		b, err := l.buildBet(userID, round, req, now)
		if err != nil {
			return err
		}

		w, err := l.wallets.In(tx).GetOrCreate(ctx, userID)
		if err != nil {
			return err
		}

		// The wallet upsert holds the row lock, so concurrent placements by
		// the same user see each other's stakes here.
		if l.stakes.Enabled() {
			prior, err := tx.ListBetsByUser(ctx, userID, round.ID)
			if err != nil {
				return err
			}
			if err := l.stakes.Check(exposure.Slot(b), b.Amount, exposure.Stakes(prior)); err != nil {
				return fmt.Errorf("%w: %w", ErrStakeLimit, err)
			}
		}

		if w.Balance.LessThan(b.Amount) {
			return fmt.Errorf("%w: balance %s, stake %s", ErrInsufficientBalance, w.Balance, b.Amount)
		}

		if err := tx.InsertBet(ctx, b); err != nil {
			return err
		}
		w, err = l.wallets.In(tx).Adjust(ctx, userID, b.Amount.Neg())
		if err != nil {
			return err
		}

		placement = &Placement{Bet: b, Balance: w.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placement, nil
}

// buildBet checks the bet shape and snapshots odds. HiLo odds come from
// the round, digit odds from the payout table active right now.
func (l *Ledger) buildBet(userID string, round *model.Round, req PlaceRequest, now time.Time) (*model.Bet, error) {
	b := &model.Bet{
		ID:        uuid.New().String(),
		UserID:    userID,
		RoundID:   round.ID,
		BetType:   req.BetType,
		Amount:    req.Amount,
		Result:    model.ResultPending,
		Payout:    decimal.Zero,
		CreatedAt: now,
	}

	switch req.BetType {
	case model.BetTypeHiLo:
		if req.Side == nil || req.DigitType != nil || req.Selection != nil {
			return nil, fmt.Errorf("%w: HILO bets take a side only", ErrInvalidBetShape)
		}
		if !req.Side.Valid() {
			return nil, fmt.Errorf("%w: side %q", ErrInvalidBetShape, *req.Side)
		}
		side := *req.Side
		b.Side = &side
		if side == model.SideUp {
			b.Odds = round.OddsUp
		} else {
			b.Odds = round.OddsDown
		}

	case model.BetTypeDigit:
		if req.Side != nil || req.DigitType == nil {
			return nil, fmt.Errorf("%w: DIGIT bets take a digit type and no side", ErrInvalidBetShape)
		}
		dt := *req.DigitType
		selection := ""
		if req.Selection != nil {
			selection = *req.Selection
		}
		if err := ValidateSelection(dt, selection); err != nil {
			return nil, err
		}

		table := l.payouts.Current()
		odds, err := table.Multiplier(dt, selection)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		b.DigitType = &dt
		if dt.NeedsSelection() {
			b.Selection = &selection
		}
		b.Odds = odds
		if dt == model.DigitSingle {
			b.TierOdds = table.SingleTiers()
		}

	default:
		return nil, fmt.Errorf("%w: bet type %q", ErrInvalidBetShape, req.BetType)
	}
	return b, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrAmountOutOfRange):
		return "amount"
	case errors.Is(err, ErrRoundNotFound):
		return "round_not_found"
	case errors.Is(err, ErrRoundNotBetting):
		return "round_not_betting"
	case errors.Is(err, ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, ErrInvalidBetShape):
		return "shape"
	case errors.Is(err, ErrInvalidSelection):
		return "selection"
	case errors.Is(err, ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, ErrStakeLimit):
		return "stake_limit"
	}
	return "internal"
}
