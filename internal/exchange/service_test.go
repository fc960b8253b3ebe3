package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(ctx context.Context, events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func futureTime() time.Time {
	return time.Now().Add(48 * time.Hour).UTC()
}

type env struct {
	ldg    *ledger.Ledger
	cat    *catalog.Catalog
	ex     *Exchange
	events *eventRecorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	lstore := ledger.NewMemoryStore()
	cstore := catalog.NewMemoryStore()
	rec := &eventRecorder{}
	return &env{
		ldg:    ledger.New(lstore),
		cat:    catalog.New(cstore, 5),
		ex:     New(NewMemoryStore(lstore, cstore), rec),
		events: rec,
	}
}

func (e *env) open(t *testing.T, userID, balance string) {
	t.Helper()
	_, err := e.ldg.Open(context.Background(), userID, hours.MustParse(balance))
	require.NoError(t, err)
}

func (e *env) publish(t *testing.T, owner string, typ catalog.ServiceType, duration string, capacity int) *catalog.Service {
	t.Helper()
	svc, err := e.cat.Publish(context.Background(), &catalog.Service{
		OwnerID:         owner,
		Type:            typ,
		Title:           "test listing",
		Duration:        hours.MustParse(duration),
		MaxParticipants: capacity,
	})
	require.NoError(t, err)
	return svc
}

func (e *env) balance(t *testing.T, userID string) hours.Amount {
	t.Helper()
	acc, err := e.ldg.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return acc.Balance
}

func (e *env) entries(t *testing.T, handshakeID string) []*ledger.Entry {
	t.Helper()
	entries, err := e.ldg.EntriesForHandshake(context.Background(), handshakeID)
	require.NoError(t, err)
	return entries
}

// accepted walks a handshake to the accepted state with the given hours.
func (e *env) accepted(t *testing.T, svc *catalog.Service, requester string) *Handshake {
	t.Helper()
	ctx := context.Background()

	h, err := e.ex.ExpressInterest(ctx, svc.ID, requester)
	require.NoError(t, err)

	provider := h.Roles().Provider
	_, err = e.ex.SetAgreement(ctx, h.ID, provider, Agreement{
		Location:    "community center",
		ScheduledAt: time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)

	h, err = e.ex.Approve(ctx, h.ID, h.Roles().Receiver)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, h.Status)
	return h
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestExpressInterestCreatesPending(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(context.Background(), svc.ID, "bob")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, h.Status)
	assert.Equal(t, "alice", h.OwnerID)
	assert.Equal(t, "bob", h.RequesterID)
	assert.Equal(t, hours.MustParse("2.00"), h.Hours)
	assert.True(t, h.ProvisionedHours.IsZero())

	// No hours move at interest time.
	assert.Equal(t, hours.MustParse("3.00"), e.balance(t, "bob"))
	assert.Empty(t, e.entries(t, h.ID))

	// The owner hears about it.
	events := e.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, "interest", events[0].Kind)
}

func TestAdmissionCheckOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("service not active", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		e.open(t, "bob", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
		_, err := e.cat.SetStatus(ctx, svc.ID, "alice", catalog.StatusPaused)
		require.NoError(t, err)

		_, err = e.ex.ExpressInterest(ctx, svc.ID, "bob")
		assert.ErrorIs(t, err, ErrServiceNotActive)
	})

	t.Run("own service", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

		_, err := e.ex.ExpressInterest(ctx, svc.ID, "alice")
		assert.ErrorIs(t, err, ErrOwnService)
	})

	t.Run("duplicate interest", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		e.open(t, "bob", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

		_, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
		require.NoError(t, err)
		_, err = e.ex.ExpressInterest(ctx, svc.ID, "bob")
		assert.ErrorIs(t, err, ErrDuplicateInterest)
	})

	t.Run("capacity reached", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		e.open(t, "bob", "5.00")
		e.open(t, "carol", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 1)
		e.accepted(t, svc, "bob")

		_, err := e.ex.ExpressInterest(ctx, svc.ID, "carol")
		assert.ErrorIs(t, err, ErrCapacityReached)
	})

	t.Run("pending interest holds a slot", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		e.open(t, "bob", "5.00")
		e.open(t, "carol", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 1)

		// bob is only pending, no approval yet, but the slot is taken.
		_, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
		require.NoError(t, err)

		_, err = e.ex.ExpressInterest(ctx, svc.ID, "carol")
		assert.ErrorIs(t, err, ErrCapacityReached)
	})

	t.Run("pending queue full", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "1.00", 100)

		for i := 0; i < MaxPendingPerService; i++ {
			user := fmt.Sprintf("member%02d", i)
			e.open(t, user, "5.00")
			_, err := e.ex.ExpressInterest(ctx, svc.ID, user)
			require.NoError(t, err)
		}

		e.open(t, "latecomer", "5.00")
		_, err := e.ex.ExpressInterest(ctx, svc.ID, "latecomer")
		assert.ErrorIs(t, err, ErrPendingQueueFull)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		e := newEnv(t)
		e.open(t, "alice", "5.00")
		e.open(t, "bob", "1.00")
		svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

		// 1.00 on hand against a 2.00 listing. Admission needs the full
		// duration covered even though a later provision could still ride
		// on the overdraft floor.
		_, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		result, err := e.ex.CheckInterest(ctx, svc.ID, "bob")
		require.NoError(t, err)
		assert.False(t, result.Eligible)
		assert.Equal(t, "insufficient_balance", result.Reason)
	})
}

func TestCheckInterestIsDryRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	result, err := e.ex.CheckInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)
	assert.True(t, result.Eligible)

	// Nothing was created.
	list, err := e.ex.ListByService(ctx, svc.ID, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	result, err = e.ex.CheckInterest(ctx, svc.ID, "alice")
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.Equal(t, "own_service", result.Reason)
}

// ---------------------------------------------------------------------------
// Agreement and approval
// ---------------------------------------------------------------------------

func TestApproveProvisionsPayer(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h := e.accepted(t, svc, "bob")

	assert.Equal(t, hours.MustParse("2.00"), h.ProvisionedHours)
	assert.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))
	assert.Equal(t, hours.MustParse("5.00"), e.balance(t, "alice"))

	entries := e.entries(t, h.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryProvision, entries[0].Type)
	assert.Equal(t, hours.MustParse("-2.00"), entries[0].Amount)
	assert.Equal(t, hours.MustParse("1.00"), entries[0].BalanceAfter)
}

func TestApproveRequiresAgreement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)

	_, err = e.ex.Approve(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, ErrAgreementMissing)
}

func TestApproveReceiverOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)
	_, err = e.ex.SetAgreement(ctx, h.ID, "alice", Agreement{
		Location:    "park",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// For an offer the requester is the receiver; the owner cannot approve.
	_, err = e.ex.Approve(ctx, h.ID, "alice")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestApproveInsufficientBalanceStaysPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)
	_, err = e.ex.SetAgreement(ctx, h.ID, "alice", Agreement{
		Location:    "park",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// Drain the payer below what the provision needs.
	_, err = e.ldg.Adjust(ctx, "bob", hours.MustParse("-12.00"), "spent elsewhere")
	require.NoError(t, err) // 3.00 - 12.00 = -9.00, above the floor

	_, err = e.ex.Approve(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := e.ex.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, e.entries(t, h.ID))
}

func TestSetAgreementProviderOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)

	_, err = e.ex.SetAgreement(ctx, h.ID, "bob", Agreement{
		Location:    "park",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestDeny(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)

	_, err = e.ex.Deny(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, ErrNotParticipant)

	got, err := e.ex.Deny(ctx, h.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)

	// Denied is terminal.
	_, err = e.ex.Approve(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNeedServiceOwnerPays(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeNeed, "2.00", 5)

	h := e.accepted(t, svc, "bob")

	// alice owns a need: she pays, bob provides.
	assert.Equal(t, hours.MustParse("3.00"), e.balance(t, "alice"))
	assert.Equal(t, hours.MustParse("3.00"), e.balance(t, "bob"))

	entries := e.entries(t, h.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].UserID)
}

// ---------------------------------------------------------------------------
// Completion and settlement
// ---------------------------------------------------------------------------

func TestDualConfirmationSettlesExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	// Provider confirms first: nothing settles yet.
	got, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.True(t, got.ProviderConfirmed)
	assert.Equal(t, hours.MustParse("5.00"), e.balance(t, "alice"))

	// Receiver confirms: the provider is credited and the handshake closes.
	got, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, hours.MustParse("7.00"), e.balance(t, "alice"))
	assert.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))

	entries := e.entries(t, h.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryTransfer, entries[1].Type)
	assert.Equal(t, hours.MustParse("2.00"), entries[1].Amount)
	assert.Equal(t, hours.MustParse("7.00"), entries[1].BalanceAfter)

	// A third confirmation finds a closed handshake.
	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRepeatedConfirmationIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	got, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, got.Status)
	assert.False(t, got.ReceiverConfirmed)
	assert.Len(t, e.entries(t, h.ID), 1) // just the provision
}

func TestConfirmWithFinalHoursIncrease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	final := hours.MustParse("3.00")
	got, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", &final)
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("3.00"), got.ProvisionedHours)
	assert.Equal(t, hours.MustParse("0.00"), e.balance(t, "bob"))

	got, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, hours.MustParse("8.00"), e.balance(t, "alice"))
}

func TestConfirmWithFinalHoursDecrease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	final := hours.MustParse("1.50")
	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", &final)
	require.NoError(t, err)

	// Half an hour flows back to the payer.
	assert.Equal(t, hours.MustParse("1.50"), e.balance(t, "bob"))

	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("6.50"), e.balance(t, "alice"))
}

func TestConfirmRevisionFloorBreachAborts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	// bob sits at 1.00; an increase to 14.00 would need 12.00 more and
	// push him to -11.00, below the floor.
	final := hours.MustParse("14.00")
	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", &final)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := e.ex.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, got.ProviderConfirmed)
	assert.Equal(t, hours.MustParse("2.00"), got.ProvisionedHours)
	assert.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))
}

func TestAdjustHours(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	got, err := e.ex.AdjustHours(ctx, h.ID, "alice", hours.MustParse("2.50"))
	require.NoError(t, err)
	assert.Equal(t, hours.MustParse("2.50"), got.Hours)
	assert.Equal(t, hours.MustParse("0.50"), e.balance(t, "bob"))

	entries := e.entries(t, h.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryAdjustment, entries[1].Type)
	assert.Equal(t, hours.MustParse("-0.50"), entries[1].Amount)

	_, err = e.ex.AdjustHours(ctx, h.ID, "alice", hours.MustParse("0.00"))
	assert.ErrorIs(t, err, ErrInvalidHours)

	_, err = e.ex.Cancel(ctx, h.ID, "bob")
	require.NoError(t, err)
	_, err = e.ex.AdjustHours(ctx, h.ID, "alice", hours.MustParse("1.00"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	h, err := e.ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)

	got, err := e.ex.Cancel(ctx, h.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, e.entries(t, h.ID))

	// The slot frees up: interest can be expressed again.
	_, err = e.ex.ExpressInterest(ctx, svc.ID, "bob")
	assert.NoError(t, err)
}

func TestCancelAcceptedRefundsPayer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")
	require.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))

	got, err := e.ex.Cancel(ctx, h.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, hours.MustParse("3.00"), e.balance(t, "bob"))
	assert.Equal(t, hours.MustParse("5.00"), e.balance(t, "alice"))

	entries := e.entries(t, h.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryRefund, entries[1].Type)
	assert.Equal(t, hours.MustParse("2.00"), entries[1].Amount)
}

func TestCancelCompletedRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)

	_, err = e.ex.Cancel(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Reporting and moderation
// ---------------------------------------------------------------------------

func TestReportAndResolveRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	got, err := e.ex.Report(ctx, h.ID, "bob", "provider never showed up")
	require.NoError(t, err)
	assert.Equal(t, StatusReported, got.Status)
	assert.Equal(t, "provider never showed up", got.ReportReason)

	// Reported freezes the handshake for the parties.
	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err = e.ex.Resolve(ctx, h.ID, OutcomeRefund)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, hours.MustParse("3.00"), e.balance(t, "bob"))
	assert.Equal(t, hours.MustParse("5.00"), e.balance(t, "alice"))
}

func TestReportAndResolveSettle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.Report(ctx, h.ID, "alice", "receiver refuses to confirm")
	require.NoError(t, err)

	got, err := e.ex.Resolve(ctx, h.ID, OutcomeSettle)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, hours.MustParse("7.00"), e.balance(t, "alice"))
	assert.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))
}

func TestReportAndResolvePause(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.Report(ctx, h.ID, "alice", "needs review")
	require.NoError(t, err)

	got, err := e.ex.Resolve(ctx, h.ID, OutcomePause)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	// Paused keeps the escrow in place.
	assert.Equal(t, hours.MustParse("1.00"), e.balance(t, "bob"))
	assert.Equal(t, hours.MustParse("5.00"), e.balance(t, "alice"))
}

func TestResolveSettleOnCompletedReportDoesNotDoublePay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)
	require.Equal(t, hours.MustParse("7.00"), e.balance(t, "alice"))

	// The completed exchange gets reported and a moderator settles it.
	// The ledger already holds a transfer, so no hours move again.
	_, err = e.ex.Report(ctx, h.ID, "bob", "dispute after the fact")
	require.NoError(t, err)
	got, err := e.ex.Resolve(ctx, h.ID, OutcomeSettle)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, hours.MustParse("7.00"), e.balance(t, "alice"))
	assert.Len(t, e.entries(t, h.ID), 2)
}

func TestResolveRefundAfterSettleRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	e.open(t, "bob", "3.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)
	h := e.accepted(t, svc, "bob")

	_, err := e.ex.ConfirmCompletion(ctx, h.ID, "alice", nil)
	require.NoError(t, err)
	_, err = e.ex.ConfirmCompletion(ctx, h.ID, "bob", nil)
	require.NoError(t, err)

	_, err = e.ex.Report(ctx, h.ID, "bob", "dispute")
	require.NoError(t, err)
	_, err = e.ex.Resolve(ctx, h.ID, OutcomeRefund)
	assert.ErrorIs(t, err, ErrInvalidState)
}

// ---------------------------------------------------------------------------
// Retry behaviour
// ---------------------------------------------------------------------------

// flakyStore fails the first ExecTx with a transient error, then delegates.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	f.mu.Lock()
	f.calls++
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	f.mu.Unlock()

	if shouldFail {
		return fmt.Errorf("%w: simulated deadlock", ledger.ErrTransient)
	}
	return f.Store.ExecTx(ctx, fn)
}

func TestTransientConflictRetriedOnce(t *testing.T) {
	lstore := ledger.NewMemoryStore()
	cstore := catalog.NewMemoryStore()
	flaky := &flakyStore{Store: NewMemoryStore(lstore, cstore), failures: 1}

	ldg := ledger.New(lstore)
	cat := catalog.New(cstore, 5)
	ex := New(flaky, nil)

	ctx := context.Background()
	_, err := ldg.Open(ctx, "alice", hours.MustParse("5.00"))
	require.NoError(t, err)
	_, err = ldg.Open(ctx, "bob", hours.MustParse("3.00"))
	require.NoError(t, err)
	svc, err := cat.Publish(ctx, &catalog.Service{
		OwnerID: "alice", Type: catalog.TypeOffer, Title: "x",
		Duration: hours.MustParse("2.00"),
	})
	require.NoError(t, err)

	h, err := ex.ExpressInterest(ctx, svc.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, h.Status)
	assert.Equal(t, 2, flaky.calls)
}

func TestTransientConflictNotRetriedTwice(t *testing.T) {
	lstore := ledger.NewMemoryStore()
	cstore := catalog.NewMemoryStore()
	flaky := &flakyStore{Store: NewMemoryStore(lstore, cstore), failures: 5}
	ex := New(flaky, nil)

	_, err := ex.ExpressInterest(context.Background(), "svc_x", "bob")
	assert.ErrorIs(t, err, ledger.ErrTransient)
	assert.Equal(t, 2, flaky.calls)
}

func TestBusinessErrorNotRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.open(t, "alice", "5.00")
	svc := e.publish(t, "alice", catalog.TypeOffer, "2.00", 5)

	var businessErr error
	_, businessErr = e.ex.ExpressInterest(ctx, svc.ID, "alice")
	require.ErrorIs(t, businessErr, ErrOwnService)
	assert.False(t, errors.Is(businessErr, ledger.ErrTransient))
}
