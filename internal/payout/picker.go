package payout

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

// SlotPicker chooses the bonus slots of a round.
type SlotPicker interface {
	Pick(t *Table) ([]model.BonusSlot, decimal.Decimal)
}

// Picker draws bonus slots from the eligible pool using a weighted roll
// over the table's bonus ratios.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker creates a picker backed by src. Pass nil for a randomly seeded
// ChaCha8 source.
func NewPicker(src rand.Source) *Picker {
	if src == nil {
		var seed [32]byte
		for i := range seed {
			seed[i] = byte(rand.Uint32())
		}
		src = rand.NewChaCha8(seed)
	}
	return &Picker{rng: rand.New(src)}
}

// EligibleSlots lists every key a bonus can land on. Even-money wagers
// (SMALL/BIG/ODD/EVEN) are excluded.
func EligibleSlots() []model.BonusSlot {
	slots := []model.BonusSlot{{DigitType: model.DigitAnyTriple}}
	for d := 0; d <= 9; d++ {
		s := strconv.Itoa(d)
		slots = append(slots,
			model.BonusSlot{DigitType: model.DigitTriple, Selection: strings.Repeat(s, 3)},
			model.BonusSlot{DigitType: model.DigitDouble, Selection: strings.Repeat(s, 2)},
			model.BonusSlot{DigitType: model.DigitSingle, Selection: s},
		)
	}
	for n := MinSum; n <= MaxSum; n++ {
		slots = append(slots, model.BonusSlot{DigitType: model.DigitSum, Selection: strconv.Itoa(n)})
	}
	return slots
}

// Pick returns the round's bonus slots and factor. With bonus mode off, or
// when the roll lands past every ratio weight, it returns no slots and a
// factor of one.
func (p *Picker) Pick(t *Table) ([]model.BonusSlot, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if !t.BonusModeEnabled || t.BonusSlotChanceTotal <= 0 || t.BonusSlotCount <= 0 {
		return nil, one
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	roll := p.rng.IntN(t.BonusSlotChanceTotal)
	factor := decimal.Zero
	cum := 0
	for _, br := range t.BonusRatios {
		cum += br.Weight
		if roll < cum {
			factor = br.Factor
			break
		}
	}
	if factor.IsZero() {
		return nil, one
	}

	pool := EligibleSlots()
	n := t.BonusSlotCount
	if n > len(pool) {
		n = len(pool)
	}
	// Partial Fisher-Yates: the first n entries become the sample.
	for i := 0; i < n; i++ {
		j := i + p.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return append([]model.BonusSlot(nil), pool[:n]...), factor
}
