// Package settlement resolves every bet of a finished round and credits
// winners and refunds. Each bet is settled in its own transaction with a
// conditional result write, so re-running settlement for a round never
// pays a bet twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/digit"
	"github.com/atmx/hilo-engine/internal/metrics"
	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

// Outcome is everything settlement needs to know about a finished round.
// A nil WinningSide is a push; nil Digits means no final price. The SMALL
// and BIG ranges are the round's snapshot, never the live payout table.
type Outcome struct {
	RoundID     int64
	WinningSide *model.Side
	Digits      *digit.Outcome
	BonusSlots  []model.BonusSlot
	BonusFactor decimal.Decimal
	SmallRange  model.SumRange
	BigRange    model.SumRange
}

// OutcomeFor starts an Outcome from the values snapshotted on r.
func OutcomeFor(r *model.Round) Outcome {
	return Outcome{
		RoundID:     r.ID,
		BonusSlots:  r.BonusSlots,
		BonusFactor: r.BonusFactor,
		SmallRange:  r.SmallRange,
		BigRange:    r.BigRange,
	}
}

// Engine settles rounds.
type Engine struct {
	store   store.Store
	wallets *wallet.Ledger
	now     func() time.Time
}

// NewEngine creates a settlement engine. Every multiplier it pays comes
// from the bet's placement snapshot.
func NewEngine(st store.Store, wallets *wallet.Ledger) *Engine {
	return &Engine{store: st, wallets: wallets, now: time.Now}
}

// verdict is the resolution of one bet.
type verdict struct {
	result     model.BetResult
	multiplier decimal.Decimal
	payout     decimal.Decimal
}

// Settle resolves every bet of the round. Bets that are no longer PENDING
// are counted from their stored result and never written again. A store
// failure on one bet does not stop the others; all failures are returned
// joined, together with the stats of what did settle.
func (e *Engine) Settle(ctx context.Context, o Outcome) (*model.SettlementStats, error) {
	start := time.Now()
	defer func() { metrics.SettlementDuration.Observe(time.Since(start).Seconds()) }()

	stats := &model.SettlementStats{
		RoundID:         o.RoundID,
		TotalVolume:     decimal.Zero,
		TotalPayout:     decimal.Zero,
		UserSettlements: make(map[string]*model.UserSettlement),
	}

	bets, err := e.store.ListBetsByRound(ctx, o.RoundID)
	if err != nil {
		return stats, fmt.Errorf("list bets for round %d: %w", o.RoundID, err)
	}
	if len(bets) == 0 {
		return stats, nil
	}

	qualified := tripleHolders(bets)
	bonus := make(map[string]bool, len(o.BonusSlots))
	for _, s := range o.BonusSlots {
		bonus[s.Key()] = true
	}
	factor := o.BonusFactor
	if !factor.IsPositive() {
		factor = decimal.NewFromInt(1)
	}

	balances := make(map[string]decimal.Decimal)
	var errs []error

	for i := range bets {
		b := bets[i]
		if b.Result == model.ResultPending {
			v := resolve(&b, o, qualified, bonus, factor)
			at := e.now().UTC()
			credited, settled, err := e.apply(ctx, &b, v, at)
			if err != nil {
				errs = append(errs, fmt.Errorf("settle bet %s: %w", b.ID, err))
				slog.Error("bet settlement failed", "round_id", o.RoundID, "bet_id", b.ID, "err", err)
				continue
			}
			if !settled {
				// Settled concurrently by another pass; nothing to count.
				continue
			}
			b.Result, b.Payout, b.Odds, b.SettledAt = v.result, v.payout, v.multiplier, &at
			if credited != nil {
				balances[b.UserID] = credited.Balance
			}
			metrics.SettledBets.WithLabelValues(string(v.result)).Inc()
		}
		accumulate(stats, b)
	}

	for _, userID := range stats.Participants {
		bal, ok := balances[userID]
		if !ok {
			w, err := e.wallets.GetOrCreate(ctx, userID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			bal = w.Balance
		}
		stats.Balances = append(stats.Balances, model.BalanceChange{UserID: userID, Balance: bal})
	}

	slog.Info("round settled",
		"round_id", o.RoundID,
		"bets", stats.TotalBets,
		"winners", stats.Winners,
		"refunds", stats.Refunds,
		"losers", stats.Losers,
		"volume", stats.TotalVolume.String(),
		"payout", stats.TotalPayout.String(),
	)
	return stats, errors.Join(errs...)
}

// apply writes one verdict. The result write is conditional on the bet
// still being PENDING and shares a transaction with the wallet credit.
func (e *Engine) apply(ctx context.Context, b *model.Bet, v verdict, at time.Time) (*model.Wallet, bool, error) {
	var credited *model.Wallet
	var settled bool
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.SettleBet(ctx, b.ID, v.result, v.payout, v.multiplier, at)
		if err != nil || !ok {
			return err
		}
		settled = true
		if v.payout.IsPositive() {
			credited, err = e.wallets.In(tx).Adjust(ctx, b.UserID, v.payout)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return credited, settled, nil
}

// tripleHolders returns the users holding at least one ANY_TRIPLE or
// TRIPLE bet in the round.
func tripleHolders(bets []model.Bet) map[string]bool {
	holders := make(map[string]bool)
	for _, b := range bets {
		if b.BetType != model.BetTypeDigit || b.DigitType == nil {
			continue
		}
		if *b.DigitType == model.DigitAnyTriple || *b.DigitType == model.DigitTriple {
			holders[b.UserID] = true
		}
	}
	return holders
}

func resolve(b *model.Bet, o Outcome, qualified, bonus map[string]bool, factor decimal.Decimal) verdict {
	refund := verdict{result: model.ResultRefund, multiplier: b.Odds, payout: b.Amount}
	lose := verdict{result: model.ResultLose, multiplier: b.Odds, payout: decimal.Zero}

	if b.BetType == model.BetTypeHiLo {
		if o.WinningSide == nil || b.Side == nil {
			return refund
		}
		if *b.Side != *o.WinningSide {
			return lose
		}
		return verdict{result: model.ResultWin, multiplier: b.Odds, payout: b.Amount.Mul(b.Odds)}
	}

	if o.Digits == nil || b.DigitType == nil {
		return refund
	}
	out := o.Digits
	if out.IsTriple && !qualified[b.UserID] {
		return lose
	}

	mult, won := digitMultiplier(b, out, o.SmallRange, o.BigRange)
	if !won {
		return lose
	}
	if bonus[b.SlotKey()] {
		mult = mult.Mul(factor)
	}
	return verdict{result: model.ResultWin, multiplier: mult, payout: b.Amount.Mul(mult)}
}

// digitMultiplier returns the base multiplier of a digit bet and whether
// it wins against out.
func digitMultiplier(b *model.Bet, out *digit.Outcome, small, big model.SumRange) (decimal.Decimal, bool) {
	sel := ""
	if b.Selection != nil {
		sel = *b.Selection
	}

	switch *b.DigitType {
	case model.DigitSmall:
		return b.Odds, !out.IsTriple && small.Contains(out.Sum)
	case model.DigitBig:
		return b.Odds, !out.IsTriple && big.Contains(out.Sum)
	case model.DigitOdd:
		return b.Odds, !out.IsTriple && out.Sum%2 == 1
	case model.DigitEven:
		return b.Odds, !out.IsTriple && out.Sum%2 == 0
	case model.DigitAnyTriple:
		return b.Odds, out.IsTriple
	case model.DigitTriple:
		return b.Odds, out.IsTriple && out.Digits == sel
	case model.DigitDouble:
		return b.Odds, len(sel) > 0 && out.Count(sel[0]) >= 2
	case model.DigitSum:
		n, err := strconv.Atoi(sel)
		return b.Odds, err == nil && out.Sum == n
	case model.DigitSingle:
		if len(sel) != 1 {
			return b.Odds, false
		}
		n := out.Count(sel[0])
		if n == 0 {
			return b.Odds, false
		}
		if n <= len(b.TierOdds) {
			return b.TierOdds[n-1], true
		}
		// No tier snapshot: the placement odds are all we agreed to.
		return b.Odds, true
	}
	return b.Odds, false
}

// accumulate folds one settled bet into stats.
func accumulate(stats *model.SettlementStats, b model.Bet) {
	stats.TotalBets++
	stats.TotalVolume = stats.TotalVolume.Add(b.Amount)
	stats.TotalPayout = stats.TotalPayout.Add(b.Payout)
	switch b.Result {
	case model.ResultWin:
		stats.Winners++
	case model.ResultRefund:
		stats.Refunds++
	case model.ResultLose:
		stats.Losers++
	}

	us, ok := stats.UserSettlements[b.UserID]
	if !ok {
		us = &model.UserSettlement{UserID: b.UserID, Stake: decimal.Zero, Payout: decimal.Zero}
		stats.UserSettlements[b.UserID] = us
		stats.Participants = append(stats.Participants, b.UserID)
	}
	us.Stake = us.Stake.Add(b.Amount)
	us.Payout = us.Payout.Add(b.Payout)
	us.Bets = append(us.Bets, b)
}
