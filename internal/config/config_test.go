package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.BettingDuration)
	assert.Equal(t, 5*time.Second, cfg.ResultDuration)
	assert.Equal(t, 5*time.Second, cfg.ResultDisplayDuration)
	assert.True(t, cfg.MinBetAmount.Equal(decimal.NewFromInt(1)))
	assert.True(t, cfg.MaxBetAmount.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.MaxStakePerSlot.IsZero())
	assert.True(t, cfg.MaxStakePerRound.IsZero())
	assert.True(t, cfg.Payout.OddsUp.Equal(decimal.RequireFromString("1.95")))
	assert.False(t, cfg.Payout.BonusModeEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BETTING_DURATION_MS", "3000")
	t.Setenv("MIN_BET_AMOUNT", "0.5")
	t.Setenv("PAYOUT_MULTIPLIER_DOWN", "1.9")
	t.Setenv("BONUS_MODE_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.BettingDuration)
	assert.True(t, cfg.MinBetAmount.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.Payout.OddsDown.Equal(decimal.RequireFromString("1.9")))
	assert.True(t, cfg.Payout.BonusModeEnabled)
}

func TestLoad_RejectsInvertedLimits(t *testing.T) {
	t.Setenv("MIN_BET_AMOUNT", "100")
	t.Setenv("MAX_BET_AMOUNT", "10")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_StakeCaps(t *testing.T) {
	t.Setenv("MAX_STAKE_PER_SLOT", "250")
	t.Setenv("MAX_STAKE_PER_ROUND", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MaxStakePerSlot.Equal(decimal.NewFromInt(250)))
	assert.True(t, cfg.MaxStakePerRound.Equal(decimal.NewFromInt(1000)))

	t.Setenv("MAX_STAKE_PER_ROUND", "-1")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedDecimal(t *testing.T) {
	t.Setenv("PAYOUT_MULTIPLIER_UP", "abc")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedIntegers(t *testing.T) {
	for _, key := range []string{"BETTING_DURATION_MS", "RECOVERY_GRACE_MS", "PRICE_MAX_AGE_MS", "BONUS_SLOT_COUNT"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "15s")
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_PayoutTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"double":"40"}`), 0o600))
	t.Setenv("PAYOUT_TABLE_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Payout.Double.Equal(decimal.NewFromInt(40)))
}
