package wallet_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetOrCreate_StartsAtZero(t *testing.T) {
	l := wallet.NewLedger(store.NewMemoryStore(), "USDT")
	w, err := l.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, "USDT", w.Currency)
	assert.Equal(t, "alice", w.UserID)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	l := wallet.NewLedger(store.NewMemoryStore(), "USDT")

	w, err := l.Adjust(ctx, "bob", d("25.50"))
	require.NoError(t, err)
	assert.True(t, d("25.5").Equal(w.Balance))

	w, err = l.Adjust(ctx, "bob", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, d("25.5").Equal(w.Balance))

	w, err = l.Adjust(ctx, "bob", d("-20"))
	require.NoError(t, err)
	assert.True(t, d("5.5").Equal(w.Balance))

	_, err = l.Adjust(ctx, "bob", d("-5.51"))
	assert.True(t, errors.Is(err, wallet.ErrInsufficientBalance))

	w, err = l.GetOrCreate(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d("5.5").Equal(w.Balance), "failed debit must not change the balance")
}

func TestAdjust_DebitUnknownWalletFails(t *testing.T) {
	l := wallet.NewLedger(store.NewMemoryStore(), "USDT")
	_, err := l.Adjust(context.Background(), "nobody", d("-1"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
}

func TestAdjust_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	l := wallet.NewLedger(store.NewMemoryStore(), "USDT")
	_, err := l.Adjust(ctx, "carol", d("100"))
	require.NoError(t, err)

	amounts := []string{"7", "13", "21", "3.5", "40", "18", "9.25", "30", "11", "2"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	debited := decimal.Zero
	for _, a := range amounts {
		wg.Add(1)
		go func(amount decimal.Decimal) {
			defer wg.Done()
			if _, err := l.Adjust(ctx, "carol", amount.Neg()); err == nil {
				mu.Lock()
				debited = debited.Add(amount)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
			}
		}(d(a))
	}
	wg.Wait()

	w, err := l.GetOrCreate(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, d("100").Sub(debited).Equal(w.Balance))
	assert.False(t, w.Balance.IsNegative())
}

func TestIn_UsesTransaction(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := wallet.NewLedger(s, "USDT")
	_, err := l.Adjust(ctx, "dave", d("10"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := l.In(tx).Adjust(ctx, "dave", d("-10")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := l.GetOrCreate(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, d("10").Equal(w.Balance))
}
