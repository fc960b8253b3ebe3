package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/testutil"
)

func TestPostgresOpenAndApply(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db))

	acc, err := l.Open(ctx, "pg-alice", hours.MustParse("5.00"))
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("5.00"), acc.Balance)

	_, err = l.Open(ctx, "pg-alice", hours.MustParse("5.00"))
	assert.ErrorIs(t, err, ErrAccountExists)

	e, err := l.Adjust(ctx, "pg-alice", hours.MustParse("-2.25"), "decay")
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("2.75"), e.BalanceAfter)

	res, err := l.VerifyAccount(ctx, "pg-alice")
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestPostgresFloorEnforced(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := New(store)

	_, err := l.Open(ctx, "pg-bob", hours.Zero)
	require.NoError(t, err)

	err = store.ExecTx(ctx, func(tx Tx) error {
		_, err := tx.Apply(ctx, &Entry{
			UserID: "pg-bob",
			Type:   EntryProvision,
			Amount: hours.MustParse("-10.01"),
		})
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	acc, err := l.GetBalance(ctx, "pg-bob")
	require.NoError(t, err)
	assert.Equal(t, hours.Zero, acc.Balance)
}

func TestPostgresRollback(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	l := New(store)

	_, err := l.Open(ctx, "pg-carol", hours.MustParse("5.00"))
	require.NoError(t, err)

	err = store.ExecTx(ctx, func(tx Tx) error {
		if _, err := tx.Apply(ctx, &Entry{
			UserID: "pg-carol",
			Type:   EntryProvision,
			Amount: hours.MustParse("-2.00"),
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	acc, err := l.GetBalance(ctx, "pg-carol")
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("5.00"), acc.Balance)

	entries, err := l.History(ctx, "pg-carol", nil, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
