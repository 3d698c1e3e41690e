// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development). The active round is additionally mirrored into
// an ActiveRoundCache (Redis or memory) to speed up crash recovery.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned when a conditional debit matched
	// no row because the balance was below the requested amount.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrStaleStatus is returned when a round transition finds the round
	// in a status other than the one the transition starts from.
	ErrStaleStatus = errors.New("store: round status changed")
)

// Tx is the set of operations available on the store directly and inside
// a transaction opened with Store.WithTx.
type Tx interface {
	// --- Rounds ---

	// CreateRound persists a new round and assigns its monotonic ID.
	CreateRound(ctx context.Context, r *model.Round) error

	// GetRound retrieves a round by ID.
	GetRound(ctx context.Context, id int64) (*model.Round, error)

	// LockRound moves a BETTING round to RESULT_PENDING, recording the
	// locked price and bonus slots.
	LockRound(ctx context.Context, id int64, lockedPrice *decimal.Decimal, slots []model.BonusSlot, factor decimal.Decimal) error

	// CompleteRound moves a RESULT_PENDING round to COMPLETED, recording
	// the final price and outcome fields of r.
	CompleteRound(ctx context.Context, r *model.Round) error

	// LatestActiveRound returns the newest round still in BETTING or
	// RESULT_PENDING, or ErrNotFound.
	LatestActiveRound(ctx context.Context) (*model.Round, error)

	// --- Bets ---

	// InsertBet records a new PENDING bet.
	InsertBet(ctx context.Context, b *model.Bet) error

	// ListBetsByRound returns every bet of a round in placement order.
	ListBetsByRound(ctx context.Context, roundID int64) ([]model.Bet, error)

	// ListBetsByUser returns a user's bets for one round.
	ListBetsByUser(ctx context.Context, userID string, roundID int64) ([]model.Bet, error)

	// SettleBet writes the result of a PENDING bet. It reports false and
	// changes nothing when the bet was already settled.
	SettleBet(ctx context.Context, betID string, result model.BetResult, payout, odds decimal.Decimal, at time.Time) (bool, error)

	// --- Wallets ---

	// GetOrCreateWallet returns the wallet, creating it at zero balance on
	// first access.
	GetOrCreateWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)

	// CreditWallet unconditionally adds amount, creating the wallet if needed.
	CreditWallet(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Wallet, error)

	// DebitWallet subtracts amount only if the stored balance covers it;
	// otherwise it returns ErrInsufficientBalance and changes nothing.
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error)

	// --- Settlement intents ---

	// CreateSettlementIntent records the outcome a round will be settled
	// with. An existing intent for the round is kept unchanged.
	CreateSettlementIntent(ctx context.Context, in *model.SettlementIntent) error

	// GetSettlementIntent retrieves the intent of a round.
	GetSettlementIntent(ctx context.Context, roundID int64) (*model.SettlementIntent, error)

	// ListOpenSettlementIntents returns intents not yet completed.
	ListOpenSettlementIntents(ctx context.Context) ([]model.SettlementIntent, error)

	// CompleteSettlementIntent marks an intent as fully applied.
	CompleteSettlementIntent(ctx context.Context, roundID int64, at time.Time) error
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	Tx

	// WithTx runs fn inside one atomic transaction. If fn returns an error
	// nothing it did is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// ActiveRoundCache mirrors the single active round for fast recovery. It
// is an accelerator only; the Store remains authoritative.
type ActiveRoundCache interface {
	// SaveActive serializes r under the singleton key.
	SaveActive(ctx context.Context, r *model.Round) error

	// LoadActive returns the cached round, or nil on a miss.
	LoadActive(ctx context.Context) (*model.Round, error)

	// ClearActive removes the cached round.
	ClearActive(ctx context.Context) error
}
