package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/idgen"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/logging"
	"github.com/yusufizzetmurat/timebank/internal/metrics"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
	"github.com/yusufizzetmurat/timebank/internal/retry"
	"github.com/yusufizzetmurat/timebank/internal/traces"
	"github.com/yusufizzetmurat/timebank/internal/validation"
)

// Exchange runs the handshake state machine over a Store.
type Exchange struct {
	store    Store
	notifier Notifier
}

// New creates an exchange service. notifier may be nil.
func New(store Store, notifier Notifier) *Exchange {
	return &Exchange{store: store, notifier: notifier}
}

// Store exposes the underlying store for wiring.
func (e *Exchange) Store() Store { return e.store }

// runTx executes fn in one atomic unit, retrying once on a transient
// storage conflict. Business-rule errors are never retried.
func (e *Exchange) runTx(ctx context.Context, fn func(Tx) error) error {
	attempt := 0
	return retry.Do(ctx, 2, 25*time.Millisecond, func() error {
		if attempt > 0 {
			metrics.TransientRetriesTotal.Inc()
			logging.L(ctx).Warn("retrying after transient storage conflict")
		}
		attempt++

		err := e.store.ExecTx(ctx, fn)
		if err != nil && !errors.Is(err, ledger.ErrTransient) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (e *Exchange) notify(ctx context.Context, events ...Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, events...)
}

// lockAccounts takes the account row locks for the given users in
// ascending identity order, the one order every mutation uses.
func lockAccounts(ctx context.Context, tx Tx, userIDs ...string) error {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	var last string
	for _, id := range ids {
		if id == last {
			continue
		}
		last = id
		if _, err := tx.AccountForUpdate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func transitioned(status Status) {
	metrics.HandshakeTransitionsTotal.WithLabelValues(string(status)).Inc()
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

// admit runs the ordered admission checks for one interest request.
// The first failing check decides the error.
func admit(ctx context.Context, tx Tx, svc *catalog.Service, requesterID string) error {
	if !svc.IsActive() {
		return ErrServiceNotActive
	}
	if svc.OwnerID == requesterID {
		return ErrOwnService
	}

	open, err := tx.HasActiveInterest(ctx, svc.ID, requesterID)
	if err != nil {
		return err
	}
	if open {
		return ErrDuplicateInterest
	}

	// Pending handshakes hold a slot too: the active count (pending plus
	// accepted) never exceeds the listing's capacity.
	active, err := tx.CountByService(ctx, svc.ID, StatusPending, StatusAccepted)
	if err != nil {
		return err
	}
	if active >= svc.MaxParticipants {
		return ErrCapacityReached
	}

	pending, err := tx.CountByService(ctx, svc.ID, StatusPending)
	if err != nil {
		return err
	}
	if pending >= MaxPendingPerService {
		return ErrPendingQueueFull
	}

	// The payer's balance must cover the listing's duration in full,
	// measured at this instant. The overdraft floor only applies later,
	// when the provision actually debits.
	roles := DeriveRoles(svc.Type, svc.OwnerID, requesterID)
	payer, err := tx.AccountForUpdate(ctx, roles.Payer)
	if err != nil {
		return err
	}
	if payer.Balance.Cmp(svc.Duration) < 0 {
		return ledger.ErrInsufficientBalance
	}
	return nil
}

// admissionReason maps an admission error to a metrics label, or "" if the
// error is not an admission rejection.
func admissionReason(err error) string {
	switch {
	case errors.Is(err, ErrServiceNotActive):
		return "service_not_active"
	case errors.Is(err, ErrOwnService):
		return "own_service"
	case errors.Is(err, ErrDuplicateInterest):
		return "duplicate_interest"
	case errors.Is(err, ErrCapacityReached):
		return "capacity_reached"
	case errors.Is(err, ErrPendingQueueFull):
		return "pending_queue_full"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	}
	return ""
}

// AdmissionResult is the outcome of a dry-run eligibility check.
type AdmissionResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// ExpressInterest runs the admission checks and creates a pending
// handshake at the listing's duration. The owner is notified after commit.
func (e *Exchange) ExpressInterest(ctx context.Context, serviceID, requesterID string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ExpressInterest",
		traces.ServiceID(serviceID), traces.UserID(requesterID))
	defer span.End()

	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		svc, err := tx.ServiceForUpdate(ctx, serviceID)
		if err != nil {
			return err
		}
		if err := admit(ctx, tx, svc, requesterID); err != nil {
			return err
		}

		now := time.Now().UTC()
		h = &Handshake{
			ID:          idgen.WithPrefix("hs_"),
			ServiceID:   svc.ID,
			RequesterID: requesterID,
			OwnerID:     svc.OwnerID,
			ServiceType: svc.Type,
			Status:      StatusPending,
			Hours:       svc.Duration,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertHandshake(ctx, h)
	})
	if err != nil {
		if reason := admissionReason(err); reason != "" {
			metrics.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	transitioned(StatusPending)
	e.notify(ctx, Event{
		UserID:      h.OwnerID,
		Kind:        "interest",
		Title:       "New interest in your listing",
		Message:     fmt.Sprintf("%s wants to exchange %s hours with you", h.RequesterID, h.Hours),
		HandshakeID: h.ID,
		ServiceID:   h.ServiceID,
	})
	return h, nil
}

// CheckInterest is a read-only dry run of the admission checks.
func (e *Exchange) CheckInterest(ctx context.Context, serviceID, requesterID string) (*AdmissionResult, error) {
	result := &AdmissionResult{}
	err := e.runTx(ctx, func(tx Tx) error {
		svc, err := tx.Service(ctx, serviceID)
		if err != nil {
			return err
		}
		if err := admit(ctx, tx, svc, requesterID); err != nil {
			if reason := admissionReason(err); reason != "" {
				result.Reason = reason
				return nil
			}
			return err
		}
		result.Eligible = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Agreement and approval
// -----------------------------------------------------------------------------

// Agreement carries the details the provider records before approval.
type Agreement struct {
	Location    string
	ScheduledAt time.Time
	Hours       *hours.Amount // optional revision of the listing duration
}

// SetAgreement records where and when the exchange happens. Provider only,
// while the handshake is pending. No hours move yet.
func (e *Exchange) SetAgreement(ctx context.Context, id, actor string, agr Agreement) (*Handshake, error) {
	if agr.Location == "" || agr.ScheduledAt.IsZero() {
		return nil, ErrAgreementMissing
	}
	if agr.Hours != nil && !agr.Hours.IsPositive() {
		return nil, ErrInvalidHours
	}

	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusPending {
			return ErrInvalidState
		}
		if actor != h.Roles().Provider {
			return ErrNotParticipant
		}

		h.Location = validation.SanitizeString(agr.Location, 500)
		scheduled := agr.ScheduledAt.UTC()
		h.ScheduledAt = &scheduled
		if agr.Hours != nil {
			h.Hours = *agr.Hours
		}
		h.AgreementSet = true
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	e.notify(ctx, Event{
		UserID:      h.Roles().Receiver,
		Kind:        "agreement",
		Title:       "Agreement proposed",
		Message:     fmt.Sprintf("Details set: %s hours at %s", h.Hours, h.Location),
		HandshakeID: h.ID,
		ServiceID:   h.ServiceID,
	})
	return h, nil
}

// Approve moves a pending handshake to accepted and provisions the agreed
// hours from the payer. Receiver only. If the payer cannot cover the
// amount at this instant the whole operation aborts and the handshake
// stays pending.
func (e *Exchange) Approve(ctx context.Context, id, actor string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.Approve",
		traces.HandshakeID(id), traces.UserID(actor))
	defer span.End()

	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusPending {
			return ErrInvalidState
		}
		roles := h.Roles()
		if actor != roles.Receiver {
			return ErrNotParticipant
		}
		if !h.AgreementSet {
			return ErrAgreementMissing
		}

		// Recheck capacity against the active count. This handshake is
		// still pending and so counts itself; the transition keeps the
		// total constant, so reject only when capacity already overflowed.
		svc, err := tx.ServiceForUpdate(ctx, h.ServiceID)
		if err != nil {
			return err
		}
		active, err := tx.CountByService(ctx, h.ServiceID, StatusPending, StatusAccepted)
		if err != nil {
			return err
		}
		if active > svc.MaxParticipants {
			return ErrCapacityReached
		}

		if err := lockAccounts(ctx, tx, roles.Payer); err != nil {
			return err
		}
		if _, err := tx.Apply(ctx, &ledger.Entry{
			UserID:      roles.Payer,
			Type:        ledger.EntryProvision,
			Amount:      h.Hours.Neg(),
			HandshakeID: h.ID,
			Description: "hours reserved for exchange",
		}); err != nil {
			return err
		}

		h.Status = StatusAccepted
		h.ProvisionedHours = h.Hours
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	transitioned(StatusAccepted)
	e.notify(ctx, Event{
		UserID:      h.Roles().Provider,
		Kind:        "accepted",
		Title:       "Handshake accepted",
		Message:     fmt.Sprintf("%s hours are reserved for this exchange", h.ProvisionedHours),
		HandshakeID: h.ID,
		ServiceID:   h.ServiceID,
	})
	return h, nil
}

// Deny declines a pending handshake. Owner only. No hours move.
func (e *Exchange) Deny(ctx context.Context, id, actor string) (*Handshake, error) {
	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusPending {
			return ErrInvalidState
		}
		if actor != h.OwnerID {
			return ErrNotParticipant
		}

		h.Status = StatusDenied
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	transitioned(StatusDenied)
	e.notify(ctx, Event{
		UserID:      h.RequesterID,
		Kind:        "denied",
		Title:       "Request declined",
		Message:     "The owner declined this request",
		HandshakeID: h.ID,
		ServiceID:   h.ServiceID,
	})
	return h, nil
}

// -----------------------------------------------------------------------------
// Completion and revision
// -----------------------------------------------------------------------------

// reviseHours moves the escrow to the new amount by applying the signed
// difference to the payer. An increase the payer cannot cover aborts.
func reviseHours(ctx context.Context, tx Tx, h *Handshake, newHours hours.Amount) error {
	if !newHours.IsPositive() {
		return ErrInvalidHours
	}
	diff := newHours.Sub(h.ProvisionedHours)
	if diff.IsZero() {
		return nil
	}

	if _, err := tx.Apply(ctx, &ledger.Entry{
		UserID:      h.Roles().Payer,
		Type:        ledger.EntryAdjustment,
		Amount:      diff.Neg(),
		HandshakeID: h.ID,
		Description: fmt.Sprintf("hours revised from %s to %s", h.ProvisionedHours, newHours),
	}); err != nil {
		return err
	}
	h.Hours = newHours
	h.ProvisionedHours = newHours
	return nil
}

// ConfirmCompletion records one party's confirmation, optionally revising
// the final hours first. When both parties have confirmed, the provider is
// credited and the handshake completes, exactly once regardless of order
// or repeated calls.
func (e *Exchange) ConfirmCompletion(ctx context.Context, id, actor string, finalHours *hours.Amount) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ConfirmCompletion",
		traces.HandshakeID(id), traces.UserID(actor))
	defer span.End()

	var h *Handshake
	var settled bool
	err := e.runTx(ctx, func(tx Tx) error {
		settled = false
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusAccepted {
			return ErrInvalidState
		}
		roles := h.Roles()
		if !h.IsParticipant(actor) {
			return ErrNotParticipant
		}

		isProvider := actor == roles.Provider
		willSettle := (isProvider && h.ReceiverConfirmed) || (!isProvider && h.ProviderConfirmed)

		// Take every account lock up front, in ascending order.
		var locks []string
		if finalHours != nil {
			locks = append(locks, roles.Payer)
		}
		if willSettle {
			locks = append(locks, roles.Provider)
		}
		if len(locks) > 0 {
			if err := lockAccounts(ctx, tx, locks...); err != nil {
				return err
			}
		}

		if finalHours != nil {
			if err := reviseHours(ctx, tx, h, *finalHours); err != nil {
				return err
			}
		}

		if isProvider {
			h.ProviderConfirmed = true
		} else {
			h.ReceiverConfirmed = true
		}

		if h.ProviderConfirmed && h.ReceiverConfirmed {
			if _, err := tx.Apply(ctx, &ledger.Entry{
				UserID:      roles.Provider,
				Type:        ledger.EntryTransfer,
				Amount:      h.ProvisionedHours,
				HandshakeID: h.ID,
				Description: "hours earned from exchange",
			}); err != nil {
				return err
			}
			h.Status = StatusCompleted
			settled = true
		}

		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	if settled {
		transitioned(StatusCompleted)
		e.notify(ctx,
			Event{
				UserID: h.Roles().Provider, Kind: "completed",
				Title:       "Exchange completed",
				Message:     fmt.Sprintf("%s hours credited to your balance", h.ProvisionedHours),
				HandshakeID: h.ID, ServiceID: h.ServiceID,
			},
			Event{
				UserID: h.Roles().Receiver, Kind: "completed",
				Title:       "Exchange completed",
				Message:     "Both parties confirmed completion",
				HandshakeID: h.ID, ServiceID: h.ServiceID,
			},
		)
	} else {
		other := h.RequesterID
		if actor == h.RequesterID {
			other = h.OwnerID
		}
		e.notify(ctx, Event{
			UserID: other, Kind: "confirmation",
			Title:       "Completion confirmed",
			Message:     "The other party confirmed completion; confirm to settle",
			HandshakeID: h.ID, ServiceID: h.ServiceID,
		})
	}
	return h, nil
}

// AdjustHours revises the agreed hours of an accepted handshake, moving
// the escrowed difference on the payer.
func (e *Exchange) AdjustHours(ctx context.Context, id, actor string, newHours hours.Amount) (*Handshake, error) {
	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusAccepted {
			return ErrInvalidState
		}
		if !h.IsParticipant(actor) {
			return ErrNotParticipant
		}

		if err := lockAccounts(ctx, tx, h.Roles().Payer); err != nil {
			return err
		}
		if err := reviseHours(ctx, tx, h, newHours); err != nil {
			return err
		}
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	other := h.RequesterID
	if actor == h.RequesterID {
		other = h.OwnerID
	}
	e.notify(ctx, Event{
		UserID: other, Kind: "hours_adjusted",
		Title:       "Hours revised",
		Message:     fmt.Sprintf("The exchange is now %s hours", h.Hours),
		HandshakeID: h.ID, ServiceID: h.ServiceID,
	})
	return h, nil
}

// -----------------------------------------------------------------------------
// Cancellation, reporting, moderation
// -----------------------------------------------------------------------------

// Cancel ends a pending or accepted handshake. Accepted handshakes refund
// the payer's provisioned hours in the same unit.
func (e *Exchange) Cancel(ctx context.Context, id, actor string) (*Handshake, error) {
	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !h.IsParticipant(actor) {
			return ErrNotParticipant
		}

		switch h.Status {
		case StatusPending:
			// Nothing provisioned yet.
		case StatusAccepted:
			roles := h.Roles()
			if err := lockAccounts(ctx, tx, roles.Payer); err != nil {
				return err
			}
			if _, err := tx.Apply(ctx, &ledger.Entry{
				UserID:      roles.Payer,
				Type:        ledger.EntryRefund,
				Amount:      h.ProvisionedHours,
				HandshakeID: h.ID,
				Description: "reserved hours returned",
			}); err != nil {
				return err
			}
			h.ProvisionedHours = hours.Zero
		default:
			return ErrInvalidState
		}

		h.Status = StatusCancelled
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	transitioned(StatusCancelled)
	other := h.RequesterID
	if actor == h.RequesterID {
		other = h.OwnerID
	}
	e.notify(ctx, Event{
		UserID: other, Kind: "cancelled",
		Title:       "Handshake cancelled",
		Message:     "The other party cancelled this exchange",
		HandshakeID: h.ID, ServiceID: h.ServiceID,
	})
	return h, nil
}

// Report flags an accepted or completed handshake for moderation. No hours
// move until a moderator resolves it.
func (e *Exchange) Report(ctx context.Context, id, actor, reason string) (*Handshake, error) {
	var h *Handshake
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusAccepted && h.Status != StatusCompleted {
			return ErrInvalidState
		}
		if !h.IsParticipant(actor) {
			return ErrNotParticipant
		}

		h.Status = StatusReported
		h.ReportReason = validation.SanitizeString(reason, 1000)
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	transitioned(StatusReported)
	other := h.RequesterID
	if actor == h.RequesterID {
		other = h.OwnerID
	}
	e.notify(ctx, Event{
		UserID: other, Kind: "reported",
		Title:       "Handshake reported",
		Message:     "This exchange was reported and is under review",
		HandshakeID: h.ID, ServiceID: h.ServiceID,
	})
	return h, nil
}

// Resolve applies a moderation outcome to a reported handshake. Whether
// hours were already settled or refunded is decided from the ledger, never
// from cached flags.
func (e *Exchange) Resolve(ctx context.Context, id string, outcome Outcome) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.Resolve", traces.HandshakeID(id))
	defer span.End()

	var h *Handshake
	var final Status
	err := e.runTx(ctx, func(tx Tx) error {
		var err error
		h, err = tx.HandshakeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if h.Status != StatusReported {
			return ErrInvalidState
		}
		roles := h.Roles()

		provisioned, err := tx.EntryExists(ctx, h.ID, ledger.EntryProvision)
		if err != nil {
			return err
		}
		settled, err := tx.EntryExists(ctx, h.ID, ledger.EntryTransfer)
		if err != nil {
			return err
		}
		refunded, err := tx.EntryExists(ctx, h.ID, ledger.EntryRefund)
		if err != nil {
			return err
		}

		switch outcome {
		case OutcomeRefund:
			if settled {
				return ErrInvalidState
			}
			if provisioned && !refunded {
				if err := lockAccounts(ctx, tx, roles.Payer); err != nil {
					return err
				}
				if _, err := tx.Apply(ctx, &ledger.Entry{
					UserID:      roles.Payer,
					Type:        ledger.EntryRefund,
					Amount:      h.ProvisionedHours,
					HandshakeID: h.ID,
					Description: "reserved hours returned by moderation",
				}); err != nil {
					return err
				}
				h.ProvisionedHours = hours.Zero
			}
			final = StatusCancelled

		case OutcomeSettle:
			if !provisioned || refunded {
				return ErrInvalidState
			}
			if !settled {
				if err := lockAccounts(ctx, tx, roles.Provider); err != nil {
					return err
				}
				if _, err := tx.Apply(ctx, &ledger.Entry{
					UserID:      roles.Provider,
					Type:        ledger.EntryTransfer,
					Amount:      h.ProvisionedHours,
					HandshakeID: h.ID,
					Description: "hours settled by moderation",
				}); err != nil {
					return err
				}
			}
			final = StatusCompleted

		case OutcomePause:
			final = StatusPaused

		default:
			return ErrInvalidState
		}

		h.Status = final
		h.UpdatedAt = time.Now().UTC()
		return tx.UpdateHandshake(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	transitioned(final)
	msg := fmt.Sprintf("Moderation resolved this exchange: %s", outcome)
	e.notify(ctx,
		Event{UserID: h.RequesterID, Kind: "moderation", Title: "Report resolved", Message: msg, HandshakeID: h.ID, ServiceID: h.ServiceID},
		Event{UserID: h.OwnerID, Kind: "moderation", Title: "Report resolved", Message: msg, HandshakeID: h.ID, ServiceID: h.ServiceID},
	)
	return h, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns a handshake by ID.
func (e *Exchange) Get(ctx context.Context, id string) (*Handshake, error) {
	return e.store.GetHandshake(ctx, id)
}

// ListByUser returns handshakes a member takes part in, newest first.
func (e *Exchange) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Handshake, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByUser(ctx, userID, cursor, limit)
}

// ListByService returns handshakes for a service, optionally filtered by
// status.
func (e *Exchange) ListByService(ctx context.Context, serviceID string, status Status) ([]*Handshake, error) {
	return e.store.ListByService(ctx, serviceID, status)
}
