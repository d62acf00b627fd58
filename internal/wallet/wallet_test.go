package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFundsCreatesWalletLazily(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	w, err := s.AddFunds(ctx, "user-1", 5000, "escrow release", TypeCredit, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.BalanceCents)
	assert.Equal(t, "user-1", w.UserID)
}

func TestAddFundsValidation(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.AddFunds(ctx, "user-1", 0, "zero", TypeCredit, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.AddFunds(ctx, "user-1", -100, "negative", TypeCredit, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.AddFunds(ctx, "user-1", 100, "bad type", "transfer", "")
	assert.Error(t, err)
}

func TestDebitCannotOverdraw(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.AddFunds(ctx, "user-1", 1000, "credit", TypeCredit, "")
	require.NoError(t, err)

	_, err = s.AddFunds(ctx, "user-1", 2000, "too much", TypeDebit, "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Balance unchanged after the failed debit.
	w, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.BalanceCents)
}

func TestBalanceEqualsSignedSum(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	moves := []struct {
		amount int64
		typ    TransactionType
	}{
		{10000, TypeCredit},
		{2500, TypeDebit},
		{500, TypeCredit},
		{1000, TypeDebit},
	}
	for _, mv := range moves {
		_, err := s.AddFunds(ctx, "user-1", mv.amount, "move", mv.typ, "")
		require.NoError(t, err)
	}

	txns, err := s.Transactions(ctx, "user-1", 100)
	require.NoError(t, err)
	require.Len(t, txns, len(moves))

	var sum int64
	for _, txn := range txns {
		sum += txn.SignedAmount()
	}

	w, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, sum, w.BalanceCents, "balance must equal signed sum of history")
	assert.Equal(t, int64(7000), w.BalanceCents)
}

func TestTransactionsNewestFirst(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.AddFunds(ctx, "user-1", 100, "first", TypeCredit, "")
	require.NoError(t, err)
	_, err = s.AddFunds(ctx, "user-1", 200, "second", TypeCredit, "")
	require.NoError(t, err)

	txns, err := s.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "second", txns[0].Description)
}

func TestMonthlySalesReport(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()

	// Contract-tagged credits in two months, plus noise that must be
	// excluded: an untagged credit and a debit.
	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)

	apply := func(amount int64, typ TransactionType, contractID string, at time.Time) {
		txn := NewTransaction("user-1", amount, "x", typ, contractID)
		txn.CreatedAt = at
		_, err := store.Apply(ctx, "user-1", txn)
		require.NoError(t, err)
	}

	apply(10000, TypeCredit, "ct_1", jan)
	apply(5000, TypeCredit, "ct_2", jan)
	apply(20000, TypeCredit, "ct_3", feb)
	apply(999, TypeCredit, "", feb)   // not contract revenue
	apply(100, TypeDebit, "ct_3", feb) // debits never count

	report, err := s.MonthlySalesReport(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, report, 2)

	// Newest month first.
	assert.Equal(t, "2026-02", report[0].Month)
	assert.Equal(t, int64(20000), report[0].TotalCents)
	assert.Equal(t, 1, report[0].Count)

	assert.Equal(t, "2026-01", report[1].Month)
	assert.Equal(t, int64(15000), report[1].TotalCents)
	assert.Equal(t, 2, report[1].Count)
}

func TestAdminTransactionsSpanUsers(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.AddFunds(ctx, "user-1", 100, "a", TypeCredit, "")
	require.NoError(t, err)
	_, err = s.AddFunds(ctx, "user-2", 200, "b", TypeCredit, "")
	require.NoError(t, err)

	txns, err := s.AdminTransactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}
