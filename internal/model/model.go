// Package model defines the core domain types shared across the round engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle phase of a round. Transitions only move
// forward: BETTING → RESULT_PENDING → COMPLETED.
type RoundStatus string

const (
	StatusBetting       RoundStatus = "BETTING"
	StatusResultPending RoundStatus = "RESULT_PENDING"
	StatusCompleted     RoundStatus = "COMPLETED"
)

// Active reports whether the round still has scheduled transitions.
func (s RoundStatus) Active() bool {
	return s == StatusBetting || s == StatusResultPending
}

// Side is a Hi-Lo direction.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Valid reports whether s is UP or DOWN.
func (s Side) Valid() bool { return s == SideUp || s == SideDown }

// BetType distinguishes direction bets from digit-pattern bets.
type BetType string

const (
	BetTypeHiLo  BetType = "HILO"
	BetTypeDigit BetType = "DIGIT"
)

// DigitType is one of the nine digit-pattern wagers.
type DigitType string

const (
	DigitSmall     DigitType = "SMALL"
	DigitBig       DigitType = "BIG"
	DigitOdd       DigitType = "ODD"
	DigitEven      DigitType = "EVEN"
	DigitAnyTriple DigitType = "ANY_TRIPLE"
	DigitDouble    DigitType = "DOUBLE"
	DigitTriple    DigitType = "TRIPLE"
	DigitSum       DigitType = "SUM"
	DigitSingle    DigitType = "SINGLE"
)

// DigitTypes lists every digit wager kind.
var DigitTypes = []DigitType{
	DigitSmall, DigitBig, DigitOdd, DigitEven,
	DigitAnyTriple, DigitDouble, DigitTriple, DigitSum, DigitSingle,
}

// NeedsSelection reports whether the digit type carries a selection string.
func (t DigitType) NeedsSelection() bool {
	switch t {
	case DigitDouble, DigitTriple, DigitSum, DigitSingle:
		return true
	}
	return false
}

// Valid reports whether t is a known digit type.
func (t DigitType) Valid() bool {
	for _, k := range DigitTypes {
		if k == t {
			return true
		}
	}
	return false
}

// BetResult is the settlement state of a bet. PENDING transitions exactly
// once to WIN, LOSE or REFUND.
type BetResult string

const (
	ResultPending BetResult = "PENDING"
	ResultWin     BetResult = "WIN"
	ResultLose    BetResult = "LOSE"
	ResultRefund  BetResult = "REFUND"
)

// BonusSlot is a (digit type, selection) key whose multiplier is boosted
// for one round.
type BonusSlot struct {
	DigitType DigitType `json:"digit_type"`
	Selection string    `json:"selection,omitempty"`
}

// Key returns the canonical lookup key, e.g. "SUM:15" or "ANY_TRIPLE".
func (b BonusSlot) Key() string {
	if b.Selection == "" {
		return string(b.DigitType)
	}
	return string(b.DigitType) + ":" + b.Selection
}

// SumRange is an inclusive interval of digit sums.
type SumRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether n lies within the range.
func (r SumRange) Contains(n int) bool { return n >= r.Min && n <= r.Max }

// Round is one timed betting cycle. Price and outcome fields stay nil until
// the phase that produces them completes, and never change afterwards.
type Round struct {
	ID          int64            `json:"id" db:"id"`
	Status      RoundStatus      `json:"status" db:"status"`
	StartTime   time.Time        `json:"start_time" db:"start_time"`
	LockTime    time.Time        `json:"lock_time" db:"lock_time"`
	EndTime     time.Time        `json:"end_time" db:"end_time"`
	OddsUp      decimal.Decimal  `json:"odds_up" db:"odds_up"`
	OddsDown    decimal.Decimal  `json:"odds_down" db:"odds_down"`
	LockedPrice *decimal.Decimal `json:"locked_price" db:"locked_price"`
	FinalPrice  *decimal.Decimal `json:"final_price" db:"final_price"`
	WinningSide *Side            `json:"winning_side" db:"winning_side"`
	DigitResult *string          `json:"digit_result" db:"digit_result"`
	DigitSum    *int             `json:"digit_sum" db:"digit_sum"`
	BonusSlots  []BonusSlot      `json:"bonus_slots" db:"bonus_slots"`
	BonusFactor decimal.Decimal  `json:"bonus_factor" db:"bonus_factor"`
	SmallRange  SumRange         `json:"small_range" db:"small_range"`
	BigRange    SumRange         `json:"big_range" db:"big_range"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	SettledAt   *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	if r.LockedPrice != nil {
		v := *r.LockedPrice
		c.LockedPrice = &v
	}
	if r.FinalPrice != nil {
		v := *r.FinalPrice
		c.FinalPrice = &v
	}
	if r.WinningSide != nil {
		v := *r.WinningSide
		c.WinningSide = &v
	}
	if r.DigitResult != nil {
		v := *r.DigitResult
		c.DigitResult = &v
	}
	if r.DigitSum != nil {
		v := *r.DigitSum
		c.DigitSum = &v
	}
	if r.SettledAt != nil {
		v := *r.SettledAt
		c.SettledAt = &v
	}
	if r.BonusSlots != nil {
		c.BonusSlots = append([]BonusSlot(nil), r.BonusSlots...)
	}
	return &c
}

// Bet is a single wager on a round. Odds are snapshotted at placement.
type Bet struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	RoundID   int64             `json:"round_id" db:"round_id"`
	BetType   BetType           `json:"bet_type" db:"bet_type"`
	Side      *Side             `json:"side,omitempty" db:"side"`
	DigitType *DigitType        `json:"digit_type,omitempty" db:"digit_type"`
	Selection *string           `json:"selection,omitempty" db:"selection"`
	Amount    decimal.Decimal   `json:"amount" db:"amount"`
	Odds      decimal.Decimal   `json:"odds" db:"odds"`
	TierOdds  []decimal.Decimal `json:"tier_odds,omitempty" db:"tier_odds"` // SINGLE only: ×1, ×2, ×3 occurrences
	Result    BetResult         `json:"result" db:"result"`
	Payout    decimal.Decimal   `json:"payout" db:"payout"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty" db:"settled_at"`
}

// SlotKey returns the bonus-slot key this bet would match, or "" for HiLo.
func (b *Bet) SlotKey() string {
	if b.BetType != BetTypeDigit || b.DigitType == nil {
		return ""
	}
	slot := BonusSlot{DigitType: *b.DigitType}
	if b.Selection != nil {
		slot.Selection = *b.Selection
	}
	return slot.Key()
}

// Wallet holds a user's balance. Balance never goes negative.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// SettlementIntent is written before settlement touches any wallet so a
// crash mid-settlement can be resumed with the same outcome.
type SettlementIntent struct {
	RoundID     int64            `json:"round_id" db:"round_id"`
	LockedPrice *decimal.Decimal `json:"locked_price" db:"locked_price"`
	FinalPrice  *decimal.Decimal `json:"final_price" db:"final_price"`
	WinningSide *Side            `json:"winning_side" db:"winning_side"`
	DigitResult *string          `json:"digit_result" db:"digit_result"`
	DigitSum    *int             `json:"digit_sum" db:"digit_sum"`
	BonusSlots  []BonusSlot      `json:"bonus_slots" db:"bonus_slots"`
	BonusFactor decimal.Decimal  `json:"bonus_factor" db:"bonus_factor"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// BalanceChange is a user's balance after settlement credited them.
type BalanceChange struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// UserSettlement totals one user's bets in a settled round.
type UserSettlement struct {
	UserID string          `json:"user_id"`
	Stake  decimal.Decimal `json:"stake"`
	Payout decimal.Decimal `json:"payout"`
	Bets   []Bet           `json:"bets"`
}

// SettlementStats aggregates one settlement pass. Participants, Balances
// and UserSettlements identify users and must only reach per-user channels;
// use Public for anything broadcast.
type SettlementStats struct {
	RoundID         int64                      `json:"round_id"`
	TotalBets       int                        `json:"total_bets"`
	Winners         int                        `json:"winners"`
	Refunds         int                        `json:"refunds"`
	Losers          int                        `json:"losers"`
	TotalVolume     decimal.Decimal            `json:"total_volume"`
	TotalPayout     decimal.Decimal            `json:"total_payout"`
	Participants    []string                   `json:"-"`
	Balances        []BalanceChange            `json:"-"`
	UserSettlements map[string]*UserSettlement `json:"-"`
}

// PublicStats is the broadcast-safe subset of SettlementStats.
type PublicStats struct {
	TotalBets    int             `json:"total_bets"`
	Winners      int             `json:"winners"`
	Refunds      int             `json:"refunds"`
	Losers       int             `json:"losers"`
	Participants int             `json:"participants"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	TotalPayout  decimal.Decimal `json:"total_payout"`
}

// Public drops every user-identifying field.
func (s *SettlementStats) Public() PublicStats {
	if s == nil {
		return PublicStats{TotalVolume: decimal.Zero, TotalPayout: decimal.Zero}
	}
	return PublicStats{
		TotalBets:    s.TotalBets,
		Winners:      s.Winners,
		Refunds:      s.Refunds,
		Losers:       s.Losers,
		Participants: len(s.Participants),
		TotalVolume:  s.TotalVolume,
		TotalPayout:  s.TotalPayout,
	}
}
