// Package exchange implements the handshake between two members: interest
// in a service, the agreement, escrowed hours, dual confirmation, and
// moderation. All balance movement goes through the ledger inside the same
// atomic unit as the state change.
package exchange

import (
	"errors"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/hours"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrHandshakeNotFound = errors.New("exchange: handshake not found")
	ErrInvalidState      = errors.New("exchange: operation not allowed in current state")
	ErrNotParticipant    = errors.New("exchange: caller is not part of this handshake")
	ErrAgreementMissing  = errors.New("exchange: agreement details must be set before approval")
	ErrInvalidHours      = errors.New("exchange: hours must be positive with at most two decimals")

	// Admission errors, in check order.
	ErrServiceNotActive  = errors.New("exchange: service is not active")
	ErrOwnService        = errors.New("exchange: cannot express interest in your own service")
	ErrDuplicateInterest = errors.New("exchange: an open handshake for this service already exists")
	ErrCapacityReached   = errors.New("exchange: service has no open slots")
	ErrPendingQueueFull  = errors.New("exchange: service has too many pending requests")
)

// MaxPendingPerService caps the pending queue per service. The 51st open
// request is turned away regardless of capacity.
const MaxPendingPerService = 50

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a handshake.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusReported  Status = "reported"
	StatusPaused    Status = "paused"
)

// Handshake is one exchange between a requester and a service owner.
// OwnerID and ServiceType are copied from the service at creation so role
// derivation never depends on later catalog changes.
type Handshake struct {
	ID          string              `json:"id"`
	ServiceID   string              `json:"serviceId"`
	RequesterID string              `json:"requesterId"`
	OwnerID     string              `json:"ownerId"`
	ServiceType catalog.ServiceType `json:"serviceType"`
	Status      Status              `json:"status"`

	// Hours is the agreed duration; ProvisionedHours is what is currently
	// held in escrow (zero until approval).
	Hours            hours.Amount `json:"hours"`
	ProvisionedHours hours.Amount `json:"provisionedHours"`

	AgreementSet      bool       `json:"agreementSet"`
	Location          string     `json:"location,omitempty"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	ProviderConfirmed bool       `json:"providerConfirmed"`
	ReceiverConfirmed bool       `json:"receiverConfirmed"`
	ReportReason      string     `json:"reportReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParticipant reports whether userID is one of the two parties.
func (h *Handshake) IsParticipant(userID string) bool {
	return userID == h.RequesterID || userID == h.OwnerID
}

// Roles returns the payer/provider/receiver derivation for this handshake.
func (h *Handshake) Roles() Roles {
	return DeriveRoles(h.ServiceType, h.OwnerID, h.RequesterID)
}

// Outcome is a moderation decision on a reported handshake.
type Outcome string

const (
	OutcomeRefund Outcome = "refund"
	OutcomeSettle Outcome = "settle"
	OutcomePause  Outcome = "pause"
)
