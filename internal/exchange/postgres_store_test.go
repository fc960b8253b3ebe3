package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/testutil"
)

func TestPostgresFullFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	ldg := ledger.New(ledger.NewPostgresStore(db))
	cat := catalog.New(catalog.NewPostgresStore(db), 5)
	ex := New(NewPostgresStore(db), nil)

	_, err := ldg.Open(ctx, "alice", hours.MustParse("5.00"))
	require.NoError(t, err)
	_, err = ldg.Open(ctx, "bob", hours.MustParse("3.00"))
	require.NoError(t, err)

	svc, err := cat.Publish(ctx, &catalog.Service{
		OwnerID:  "alice",
		Type:     catalog.TypeOffer,
		Title:    "Bike repair",
		Duration: hours.MustParse("2.00"),
	})
	require.NoError(t, err)

	h, err := ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, h.Status)

	// The open-interest unique index backs the duplicate check.
	_, err = ex.ExpressInterest(ctx, svc.ID, "bob")
	assert.ErrorIs(t, err, ErrDuplicateInterest)

	_, err = ex.SetAgreement(ctx, h.ID, "alice", Agreement{
		Location:    "workshop",
		ScheduledAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	h, err = ex.Approve(ctx, h.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, h.Status)

	acc, err := ldg.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("1.00"), acc.Balance)

	_, err = ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	h, err = ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, h.Status)

	acc, err = ldg.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("7.00"), acc.Balance)

	entries, err := ldg.EntriesForHandshake(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryProvision, entries[0].Type)
	assert.Equal(t, ledger.EntryTransfer, entries[1].Type)
}

func TestPostgresCancelRollsEverythingBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	ldg := ledger.New(ledger.NewPostgresStore(db))
	cat := catalog.New(catalog.NewPostgresStore(db), 5)
	ex := New(NewPostgresStore(db), nil)

	_, err := ldg.Open(ctx, "carol", hours.MustParse("5.00"))
	require.NoError(t, err)
	_, err = ldg.Open(ctx, "dave", hours.MustParse("5.00"))
	require.NoError(t, err)

	svc, err := cat.Publish(ctx, &catalog.Service{
		OwnerID:  "carol",
		Type:     catalog.TypeOffer,
		Title:    "Tutoring",
		Duration: hours.MustParse("1.50"),
	})
	require.NoError(t, err)

	h, err := ex.ExpressInterest(ctx, svc.ID, "dave")
	require.NoError(t, err)
	_, err = ex.SetAgreement(ctx, h.ID, "carol", Agreement{
		Location:    "online",
		ScheduledAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = ex.Approve(ctx, h.ID, "dave")
	require.NoError(t, err)

	h, err = ex.Cancel(ctx, h.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, h.Status)

	acc, err := ldg.GetBalance(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("5.00"), acc.Balance)

	result, err := ldg.VerifyAccount(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, result.Match)
}
