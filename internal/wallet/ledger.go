// Package wallet implements the wallet ledger. Every balance change goes
// through Adjust; debits are conditional updates evaluated atomically by
// the store, so concurrent debits never need an application lock.
package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/store"
)

// ErrInsufficientBalance is returned when a debit exceeds the balance.
var ErrInsufficientBalance = store.ErrInsufficientBalance

// Ledger reads and adjusts wallet balances.
type Ledger struct {
	tx       store.Tx
	currency string
}

// NewLedger creates a ledger over s. New wallets are opened in currency.
func NewLedger(s store.Tx, currency string) *Ledger {
	return &Ledger{tx: s, currency: currency}
}

// In returns a ledger bound to an open transaction.
func (l *Ledger) In(tx store.Tx) *Ledger {
	return &Ledger{tx: tx, currency: l.currency}
}

// Currency returns the currency new wallets are opened in.
func (l *Ledger) Currency() string { return l.currency }

// GetOrCreate returns the user's wallet, creating it with a zero balance
// on first access.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := l.tx.GetOrCreateWallet(ctx, userID, l.currency)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, err)
	}
	return w, nil
}

// Adjust applies delta to the user's balance. A zero delta returns the
// current wallet, a positive delta always succeeds, and a negative delta
// succeeds only if the balance covers it. On ErrInsufficientBalance
// nothing is changed.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta decimal.Decimal) (*model.Wallet, error) {
	switch delta.Sign() {
	case 0:
		return l.GetOrCreate(ctx, userID)
	case 1:
		w, err := l.tx.CreditWallet(ctx, userID, l.currency, delta)
		if err != nil {
			return nil, fmt.Errorf("credit %s: %w", userID, err)
		}
		return w, nil
	default:
		w, err := l.tx.DebitWallet(ctx, userID, delta.Neg())
		if err != nil {
			return nil, fmt.Errorf("debit %s: %w", userID, err)
		}
		return w, nil
	}
}
