package payout

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hilo-engine/internal/model"
)

func TestDefaultTable_Valid(t *testing.T) {
	require.NoError(t, DefaultTable().Validate())
}

func TestSumTable_IncreasesTowardExtremes(t *testing.T) {
	tbl := DefaultTable()
	for n := MinSum; n < 13; n++ {
		assert.True(t, tbl.Sum[n].GreaterThanOrEqual(tbl.Sum[n+1]), "sum %d should pay >= sum %d", n, n+1)
	}
	for n := 14; n < MaxSum; n++ {
		assert.True(t, tbl.Sum[n+1].GreaterThanOrEqual(tbl.Sum[n]), "sum %d should pay >= sum %d", n+1, n)
	}
	assert.True(t, tbl.Sum[0].Equal(tbl.Sum[27]))
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]func(*Table){
		"zero odds up":       func(t *Table) { t.OddsUp = decimal.Zero },
		"short sum table":    func(t *Table) { t.Sum = t.Sum[:10] },
		"two single tiers":   func(t *Table) { t.Single = t.Single[:2] },
		"inverted range":     func(t *Table) { t.SmallRange = Range{Min: 10, Max: 3} },
		"range beyond 27":    func(t *Table) { t.BigRange = Range{Min: 14, Max: 30} },
		"weights over total": func(t *Table) { t.BonusModeEnabled = true; t.BonusSlotChanceTotal = 10 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			tbl := DefaultTable()
			mutate(tbl)
			assert.ErrorIs(t, tbl.Validate(), ErrInvalidTable)
		})
	}
}

func TestMultiplier(t *testing.T) {
	tbl := DefaultTable()

	m, err := tbl.Multiplier(model.DigitSum, "15")
	require.NoError(t, err)
	assert.True(t, m.Equal(tbl.Sum[15]))

	m, err = tbl.Multiplier(model.DigitSingle, "4")
	require.NoError(t, err)
	assert.True(t, m.Equal(tbl.Single[0]))

	m, err = tbl.Multiplier(model.DigitBig, "")
	require.NoError(t, err)
	assert.True(t, m.Equal(tbl.SmallBigOddEven))

	_, err = tbl.Multiplier(model.DigitSum, "28")
	assert.ErrorIs(t, err, ErrUnknownSelection)
}

func TestProvider_SetDoesNotMutateHeldTable(t *testing.T) {
	p, err := NewProvider(nil)
	require.NoError(t, err)

	held := p.Current()
	next := DefaultTable()
	next.OddsUp = decimal.RequireFromString("1.80")
	require.NoError(t, p.Set(next))

	assert.True(t, held.OddsUp.Equal(decimal.RequireFromString("1.95")))
	assert.True(t, p.Current().OddsUp.Equal(decimal.RequireFromString("1.80")))

	bad := DefaultTable()
	bad.Double = decimal.Zero
	assert.Error(t, p.Set(bad))
	assert.True(t, p.Current().OddsUp.Equal(decimal.RequireFromString("1.80")))
}

func TestLoadFile_OverridesPresentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payouts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"any_triple":"120","bonus_mode_enabled":true}`), 0o600))

	tbl, err := LoadFile(path, DefaultTable())
	require.NoError(t, err)
	assert.True(t, tbl.AnyTriple.Equal(decimal.NewFromInt(120)))
	assert.True(t, tbl.BonusModeEnabled)
	assert.True(t, tbl.Triple.Equal(decimal.NewFromInt(900)))
}

func TestPicker_DisabledReturnsNoSlots(t *testing.T) {
	p := NewPicker(rand.NewPCG(1, 2))
	slots, factor := p.Pick(DefaultTable())
	assert.Empty(t, slots)
	assert.True(t, factor.Equal(decimal.NewFromInt(1)))
}

func TestPicker_AlwaysHitsWhenWeightsFillChanceTotal(t *testing.T) {
	tbl := DefaultTable()
	tbl.BonusModeEnabled = true
	tbl.BonusRatios = []BonusRatio{{Factor: decimal.NewFromInt(2), Weight: 100}}
	tbl.BonusSlotChanceTotal = 100
	tbl.BonusSlotCount = 4

	p := NewPicker(rand.NewPCG(7, 9))
	for i := 0; i < 50; i++ {
		slots, factor := p.Pick(tbl)
		require.Len(t, slots, 4)
		assert.True(t, factor.Equal(decimal.NewFromInt(2)))

		seen := map[string]bool{}
		for _, s := range slots {
			assert.False(t, seen[s.Key()], "duplicate slot %s", s.Key())
			seen[s.Key()] = true
			assert.NotContains(t, []model.DigitType{model.DigitSmall, model.DigitBig, model.DigitOdd, model.DigitEven}, s.DigitType)
		}
	}
}

func TestPicker_NeverHitsWithZeroWeights(t *testing.T) {
	tbl := DefaultTable()
	tbl.BonusModeEnabled = true
	tbl.BonusRatios = []BonusRatio{{Factor: decimal.NewFromInt(2), Weight: 0}}

	p := NewPicker(nil)
	for i := 0; i < 50; i++ {
		slots, _ := p.Pick(tbl)
		assert.Empty(t, slots)
	}
}

func TestEligibleSlots_Count(t *testing.T) {
	// ANY_TRIPLE + 10 triples + 10 doubles + 10 singles + 28 sums.
	assert.Len(t, EligibleSlots(), 59)
}
