package credits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_CreateAccountIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	acc, err := l.CreateAccount(ctx, "did:ainp:alice", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balance)

	// Re-creating must not reset the balance.
	again, err := l.CreateAccount(ctx, "did:ainp:alice", 9999)
	require.NoError(t, err)
	assert.Equal(t, int64(500), again.Balance)
}

func TestMemoryLedger_GetAccountMissing(t *testing.T) {
	l := NewMemoryLedger()
	acc, err := l.GetAccount(context.Background(), "did:ainp:ghost")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestMemoryLedger_ReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.CreateAccount(ctx, "did:ainp:alice", 1000)
	require.NoError(t, err)

	require.NoError(t, l.Reserve(ctx, "did:ainp:alice", 300, "intent-1"))

	acc, err := l.GetAccount(ctx, "did:ainp:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Balance)
	assert.Equal(t, int64(300), acc.Reserved)
	assert.Equal(t, int64(700), acc.Available())

	// Release with the full reservation spent: reserved returns to 0 and
	// balance drops by exactly the reserved amount.
	require.NoError(t, l.Release(ctx, "did:ainp:alice", 300, 300, "intent-1"))

	acc, err = l.GetAccount(ctx, "did:ainp:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), acc.Balance)
	assert.Equal(t, int64(0), acc.Reserved)
	assert.Equal(t, int64(300), acc.Spent)
}

func TestMemoryLedger_ReleasePartialSpendReturnsRemainder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.CreateAccount(ctx, "did:ainp:alice", 1000)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, "did:ainp:alice", 400, "intent-1"))

	require.NoError(t, l.Release(ctx, "did:ainp:alice", 400, 100, "intent-1"))

	acc, err := l.GetAccount(ctx, "did:ainp:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900), acc.Balance)
	assert.Equal(t, int64(0), acc.Reserved)
	assert.Equal(t, int64(100), acc.Spent)
}

func TestMemoryLedger_ReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.CreateAccount(ctx, "did:ainp:bob", 50)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, "did:ainp:bob", 40, "intent-1"))

	// available = 10, request = 20
	err = l.Reserve(ctx, "did:ainp:bob", 20, "intent-2")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	acc, err := l.GetAccount(ctx, "did:ainp:bob")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acc.Reserved)
}

func TestMemoryLedger_ReleaseSpendExceedsReserved(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.CreateAccount(ctx, "did:ainp:bob", 500)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, "did:ainp:bob", 100, "intent-1"))

	err = l.Release(ctx, "did:ainp:bob", 100, 200, "intent-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMemoryLedger_SpendWithoutReservation(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_, err := l.CreateAccount(ctx, "did:ainp:bob", 100)
	require.NoError(t, err)

	require.NoError(t, l.Spend(ctx, "did:ainp:bob", 60, "intent-1", "api fee"))
	err = l.Spend(ctx, "did:ainp:bob", 60, "intent-2", "api fee")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	acc, err := l.GetAccount(ctx, "did:ainp:bob")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acc.Balance)
	assert.Equal(t, int64(60), acc.Spent)
}

func TestMemoryLedger_EarnTracksLifetimeCounter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	// Accounts are created lazily on first mutation.
	require.NoError(t, l.Earn(ctx, "did:ainp:worker", 250, "intent-1", "proof-1"))
	require.NoError(t, l.Earn(ctx, "did:ainp:worker", 250, "intent-2", ""))

	acc, err := l.GetAccount(ctx, "did:ainp:worker")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balance)
	assert.Equal(t, int64(500), acc.Earned)
}

func TestMemoryLedger_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Deposit(ctx, "did:ainp:alice", 100, nil))
	require.NoError(t, l.Deposit(ctx, "did:ainp:alice", 200, nil))
	require.NoError(t, l.Deposit(ctx, "did:ainp:bob", 999, nil))
	require.NoError(t, l.Deposit(ctx, "did:ainp:alice", 300, nil))

	txs, err := l.TransactionHistory(ctx, "did:ainp:alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(300), txs[0].Amount)
	assert.Equal(t, int64(200), txs[1].Amount)

	rest, err := l.TransactionHistory(ctx, "did:ainp:alice", 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(100), rest[0].Amount)
}

func TestMemoryLedger_ChainIntact(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Deposit(ctx, "did:ainp:alice", 100, nil))
	require.NoError(t, l.Reserve(ctx, "did:ainp:alice", 50, "intent-1"))
	require.NoError(t, l.Release(ctx, "did:ainp:alice", 50, 50, "intent-1"))

	txs := l.AllTransactions()
	require.Len(t, txs, 4) // deposit, reserve, release, spend
	broken, err := VerifyChain(txs)
	require.NoError(t, err)
	assert.Equal(t, -1, broken)

	// Tampering with any row amount breaks the chain at that row.
	txs[1].Amount = 51
	broken, err = VerifyChain(txs)
	require.Error(t, err)
	assert.Equal(t, 1, broken)
}

func TestToAtomic(t *testing.T) {
	assert.Equal(t, int64(90000), ToAtomic(90, DefaultAtomicScale))
	assert.Equal(t, int64(1500), ToAtomic(1.5, DefaultAtomicScale))
	assert.Equal(t, int64(1999), ToAtomic(1.9999, DefaultAtomicScale)) // floors
	assert.Equal(t, int64(0), ToAtomic(0, DefaultAtomicScale))
	assert.Equal(t, int64(0), ToAtomic(-3, DefaultAtomicScale))
}
