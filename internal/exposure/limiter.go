// Package exposure caps how much one user may stake on a single round.
//
// Two limits apply. The per-slot limit bounds the total stake on one
// outcome key ("HILO:UP", "SUM:15", "SMALL"). The per-round limit bounds
// the total across every slot of the round, since all of a round's bets
// resolve against the same price and are fully correlated.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

var (
	// ErrSlotLimitExceeded is returned when a bet would push the user's
	// stake on one slot beyond the per-slot maximum.
	ErrSlotLimitExceeded = errors.New("exposure: per-slot stake limit exceeded")

	// ErrRoundLimitExceeded is returned when a bet would push the user's
	// total stake in the round beyond the per-round maximum.
	ErrRoundLimitExceeded = errors.New("exposure: per-round stake limit exceeded")
)

// Limiter enforces stake limits. A zero limit is disabled.
type Limiter struct {
	MaxPerSlot  decimal.Decimal
	MaxPerRound decimal.Decimal
}

// NewLimiter creates a limiter with the given per-slot and per-round caps.
func NewLimiter(maxPerSlot, maxPerRound decimal.Decimal) *Limiter {
	return &Limiter{MaxPerSlot: maxPerSlot, MaxPerRound: maxPerRound}
}

// Enabled reports whether any limit is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerSlot.IsPositive() || l.MaxPerRound.IsPositive())
}

// Check validates adding stake on slot given the user's existing stakes in
// the round, keyed by slot. Nil existing is treated as empty.
func (l *Limiter) Check(slot string, stake decimal.Decimal, existing map[string]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-slot limit.
	onSlot := existing[slot].Add(stake)
	if l.MaxPerSlot.IsPositive() && onSlot.GreaterThan(l.MaxPerSlot) {
		return ErrSlotLimitExceeded
	}

	// 2. Whole round.
	total := stake
	for _, s := range existing {
		total = total.Add(s)
	}
	if l.MaxPerRound.IsPositive() && total.GreaterThan(l.MaxPerRound) {
		return ErrRoundLimitExceeded
	}
	return nil
}

// Slot returns the exposure key of a bet.
func Slot(b *model.Bet) string {
	if b.BetType == model.BetTypeHiLo && b.Side != nil {
		return string(model.BetTypeHiLo) + ":" + string(*b.Side)
	}
	return b.SlotKey()
}

// Stakes sums a user's bets by slot.
func Stakes(bets []model.Bet) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(bets))
	for i := range bets {
		k := Slot(&bets[i])
		out[k] = out[k].Add(bets[i].Amount)
	}
	return out
}
