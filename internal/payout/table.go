// Package payout holds the payout configuration of the round engine: Hi-Lo
// odds, digit multipliers, the sum table and the bonus-slot settings.
//
// A Table is treated as immutable once published through a Provider.
// Rounds and bets snapshot the values they need, so swapping the table
// only affects rounds created and bets placed afterwards.
package payout

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

// Digit sums of three decimal digits span 0..27.
const (
	MinSum = 0
	MaxSum = 27
)

var (
	ErrInvalidTable     = errors.New("payout: invalid table")
	ErrUnknownSelection = errors.New("payout: unknown selection")
)

// Range is an inclusive interval of digit sums. Rounds snapshot the
// SMALL and BIG ranges when they are created.
type Range = model.SumRange

// BonusRatio is one entry of the weighted bonus-factor table.
type BonusRatio struct {
	Factor decimal.Decimal `json:"factor"`
	Weight int             `json:"weight"`
}

// Table is the complete payout configuration.
type Table struct {
	OddsUp   decimal.Decimal `json:"odds_up"`
	OddsDown decimal.Decimal `json:"odds_down"`

	SmallBigOddEven decimal.Decimal   `json:"small_big_odd_even"`
	AnyTriple       decimal.Decimal   `json:"any_triple"`
	Double          decimal.Decimal   `json:"double"`
	Triple          decimal.Decimal   `json:"triple"`
	Single          []decimal.Decimal `json:"single"` // exactly 1, 2, 3 occurrences
	Sum             []decimal.Decimal `json:"sum"`    // indexed by digit sum 0..27

	SmallRange Range `json:"small_range"`
	BigRange   Range `json:"big_range"`

	BonusModeEnabled     bool         `json:"bonus_mode_enabled"`
	BonusRatios          []BonusRatio `json:"bonus_ratios"`
	BonusSlotChanceTotal int          `json:"bonus_slot_chance_total"`
	BonusSlotCount       int          `json:"bonus_slot_count"`
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// defaultSum pays least near the midpoint and most at the extremes,
// roughly 0.95 × 1000 / (number of digit triples producing the sum).
var defaultSum = []string{
	"900", "300", "150", "90", "60", "45", "33", "26", "21", "17", "15", "13.5", "13", "12.5",
	"12.5", "13", "13.5", "15", "17", "21", "26", "33", "45", "60", "90", "150", "300", "900",
}

// DefaultTable returns the built-in payout configuration.
func DefaultTable() *Table {
	sum := make([]decimal.Decimal, len(defaultSum))
	for i, s := range defaultSum {
		sum[i] = dec(s)
	}
	return &Table{
		OddsUp:          dec("1.95"),
		OddsDown:        dec("1.95"),
		SmallBigOddEven: dec("1.95"),
		AnyTriple:       dec("90"),
		Double:          dec("32"),
		Triple:          dec("900"),
		Single:          []decimal.Decimal{dec("2.9"), dec("7"), dec("50")},
		Sum:             sum,
		SmallRange:      Range{Min: 0, Max: 13},
		BigRange:        Range{Min: 14, Max: 27},
		BonusRatios: []BonusRatio{
			{Factor: dec("2"), Weight: 20},
			{Factor: dec("3"), Weight: 8},
			{Factor: dec("5"), Weight: 2},
		},
		BonusSlotChanceTotal: 100,
		BonusSlotCount:       3,
	}
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := *t
	c.Single = append([]decimal.Decimal(nil), t.Single...)
	c.Sum = append([]decimal.Decimal(nil), t.Sum...)
	c.BonusRatios = append([]BonusRatio(nil), t.BonusRatios...)
	return &c
}

// Validate checks structural and numeric invariants.
func (t *Table) Validate() error {
	multipliers := map[string]decimal.Decimal{
		"odds_up":            t.OddsUp,
		"odds_down":          t.OddsDown,
		"small_big_odd_even": t.SmallBigOddEven,
		"any_triple":         t.AnyTriple,
		"double":             t.Double,
		"triple":             t.Triple,
	}
	for name, m := range multipliers {
		if !m.IsPositive() {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidTable, name)
		}
	}
	if len(t.Single) != 3 {
		return fmt.Errorf("%w: single needs 3 tiers, got %d", ErrInvalidTable, len(t.Single))
	}
	for i, m := range t.Single {
		if !m.IsPositive() {
			return fmt.Errorf("%w: single tier %d must be positive", ErrInvalidTable, i+1)
		}
	}
	if len(t.Sum) != MaxSum-MinSum+1 {
		return fmt.Errorf("%w: sum table needs %d entries, got %d", ErrInvalidTable, MaxSum-MinSum+1, len(t.Sum))
	}
	for i, m := range t.Sum {
		if !m.IsPositive() {
			return fmt.Errorf("%w: sum %d must be positive", ErrInvalidTable, i)
		}
	}
	for _, r := range []Range{t.SmallRange, t.BigRange} {
		if r.Min > r.Max || r.Min < MinSum || r.Max > MaxSum {
			return fmt.Errorf("%w: range %d..%d outside %d..%d", ErrInvalidTable, r.Min, r.Max, MinSum, MaxSum)
		}
	}
	weights := 0
	for _, br := range t.BonusRatios {
		if br.Weight < 0 || !br.Factor.IsPositive() {
			return fmt.Errorf("%w: bonus ratio %s/%d", ErrInvalidTable, br.Factor, br.Weight)
		}
		weights += br.Weight
	}
	if t.BonusModeEnabled {
		if t.BonusSlotChanceTotal <= 0 || weights > t.BonusSlotChanceTotal {
			return fmt.Errorf("%w: bonus weights %d exceed chance total %d", ErrInvalidTable, weights, t.BonusSlotChanceTotal)
		}
		if t.BonusSlotCount < 0 {
			return fmt.Errorf("%w: negative bonus slot count", ErrInvalidTable)
		}
	}
	return nil
}

// Odds returns the Hi-Lo multiplier for a side.
func (t *Table) Odds(side model.Side) decimal.Decimal {
	if side == model.SideDown {
		return t.OddsDown
	}
	return t.OddsUp
}

// Multiplier returns the placement odds for a digit bet. For SINGLE this is
// the single-occurrence tier; SingleTiers carries the rest.
func (t *Table) Multiplier(dt model.DigitType, selection string) (decimal.Decimal, error) {
	switch dt {
	case model.DigitSmall, model.DigitBig, model.DigitOdd, model.DigitEven:
		return t.SmallBigOddEven, nil
	case model.DigitAnyTriple:
		return t.AnyTriple, nil
	case model.DigitDouble:
		return t.Double, nil
	case model.DigitTriple:
		return t.Triple, nil
	case model.DigitSingle:
		return t.Single[0], nil
	case model.DigitSum:
		n, err := strconv.Atoi(selection)
		if err != nil || n < MinSum || n > MaxSum {
			return decimal.Zero, fmt.Errorf("%w: sum %q", ErrUnknownSelection, selection)
		}
		return t.Sum[n-MinSum], nil
	}
	return decimal.Zero, fmt.Errorf("%w: digit type %q", ErrUnknownSelection, dt)
}

// SingleTiers returns a copy of the SINGLE multipliers for 1, 2 and 3
// occurrences.
func (t *Table) SingleTiers() []decimal.Decimal {
	return append([]decimal.Decimal(nil), t.Single...)
}
