// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/payout"
)

// Config holds all application configuration.
type Config struct {
	Port string

	// Infrastructure. Empty URLs select the in-memory fallbacks.
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	PriceSubject       string
	EventSubjectPrefix string
	PriceMaxAge        time.Duration

	// Round timing.
	BettingDuration       time.Duration
	ResultDuration        time.Duration
	ResultDisplayDuration time.Duration
	RecoveryGrace         time.Duration

	// Bet limits.
	MinBetAmount decimal.Decimal
	MaxBetAmount decimal.Decimal

	// Per-user stake caps within one round; zero disables.
	MaxStakePerSlot  decimal.Decimal
	MaxStakePerRound decimal.Decimal

	WalletCurrency string

	// PayoutTableFile optionally overrides the digit and bonus tables.
	PayoutTableFile string

	// Payout is the initial table assembled from defaults, env overrides
	// and PayoutTableFile.
	Payout *payout.Table
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envOrDefault("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		PriceSubject:       envOrDefault("PRICE_SUBJECT", "prices.btcusdt"),
		EventSubjectPrefix: envOrDefault("EVENT_SUBJECT_PREFIX", "hilo"),
		WalletCurrency:     envOrDefault("WALLET_CURRENCY", "USDT"),
		PayoutTableFile:    os.Getenv("PAYOUT_TABLE_FILE"),
	}

	var err error
	durations := []struct {
		key      string
		fallback int
		dst      *time.Duration
	}{
		{"PRICE_MAX_AGE_MS", 5000, &cfg.PriceMaxAge},
		{"BETTING_DURATION_MS", 15000, &cfg.BettingDuration},
		{"RESULT_DURATION_MS", 5000, &cfg.ResultDuration},
		{"RESULT_DISPLAY_DURATION_MS", 5000, &cfg.ResultDisplayDuration},
		{"RECOVERY_GRACE_MS", 2000, &cfg.RecoveryGrace},
	}
	for _, m := range durations {
		if *m.dst, err = envMillisOrDefault(m.key, m.fallback); err != nil {
			return nil, err
		}
	}

	if cfg.MinBetAmount, err = envDecimalOrDefault("MIN_BET_AMOUNT", "1"); err != nil {
		return nil, err
	}
	if cfg.MaxBetAmount, err = envDecimalOrDefault("MAX_BET_AMOUNT", "10000"); err != nil {
		return nil, err
	}
	if !cfg.MinBetAmount.IsPositive() || cfg.MaxBetAmount.LessThan(cfg.MinBetAmount) {
		return nil, fmt.Errorf("invalid bet limits [%s, %s]", cfg.MinBetAmount, cfg.MaxBetAmount)
	}
	if cfg.MaxStakePerSlot, err = envDecimalOrDefault("MAX_STAKE_PER_SLOT", "0"); err != nil {
		return nil, err
	}
	if cfg.MaxStakePerRound, err = envDecimalOrDefault("MAX_STAKE_PER_ROUND", "0"); err != nil {
		return nil, err
	}
	if cfg.MaxStakePerSlot.IsNegative() || cfg.MaxStakePerRound.IsNegative() {
		return nil, fmt.Errorf("invalid stake caps (%s, %s)", cfg.MaxStakePerSlot, cfg.MaxStakePerRound)
	}
	if cfg.BettingDuration <= 0 || cfg.ResultDuration < 0 || cfg.ResultDisplayDuration < 0 {
		return nil, fmt.Errorf("invalid round durations")
	}

	table, err := cfg.LoadPayoutTable()
	if err != nil {
		return nil, err
	}
	cfg.Payout = table
	return cfg, nil
}

// LoadPayoutTable builds the payout table from defaults, the
// PAYOUT_MULTIPLIER_* and BONUS_* variables, and PayoutTableFile. It is
// called again on reload.
func (c *Config) LoadPayoutTable() (*payout.Table, error) {
	t := payout.DefaultTable()
	var err error
	if t.OddsUp, err = envDecimalOrDefault("PAYOUT_MULTIPLIER_UP", t.OddsUp.String()); err != nil {
		return nil, err
	}
	if t.OddsDown, err = envDecimalOrDefault("PAYOUT_MULTIPLIER_DOWN", t.OddsDown.String()); err != nil {
		return nil, err
	}
	t.BonusModeEnabled = os.Getenv("BONUS_MODE_ENABLED") == "true"
	if t.BonusSlotCount, err = envIntOrDefault("BONUS_SLOT_COUNT", t.BonusSlotCount); err != nil {
		return nil, err
	}
	if t.BonusSlotChanceTotal, err = envIntOrDefault("BONUS_SLOT_CHANCE_TOTAL", t.BonusSlotChanceTotal); err != nil {
		return nil, err
	}

	if c.PayoutTableFile != "" {
		return payout.LoadFile(c.PayoutTableFile, t)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envMillisOrDefault(key string, fallback int) (time.Duration, error) {
	n, err := envIntOrDefault(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envDecimalOrDefault(key, fallback string) (decimal.Decimal, error) {
	v := envOrDefault(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
