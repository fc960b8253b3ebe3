package exchange

import (
	"context"

	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// Tx is the locked view of exchange state inside one atomic unit. It embeds
// the ledger transaction so handshake transitions and balance movements
// commit or roll back together.
type Tx interface {
	ledger.Tx

	// Service reads a listing without locking it.
	Service(ctx context.Context, id string) (*catalog.Service, error)

	// ServiceForUpdate locks the listing row, serializing admission for
	// one service so capacity and queue counts stay accurate.
	ServiceForUpdate(ctx context.Context, id string) (*catalog.Service, error)

	// HandshakeForUpdate takes an exclusive lock on the handshake row.
	HandshakeForUpdate(ctx context.Context, id string) (*Handshake, error)

	InsertHandshake(ctx context.Context, h *Handshake) error
	UpdateHandshake(ctx context.Context, h *Handshake) error

	// CountByService counts handshakes for a service in any of the given
	// statuses.
	CountByService(ctx context.Context, serviceID string, statuses ...Status) (int, error)

	// HasActiveInterest reports whether the requester already has a
	// pending or accepted handshake for the service.
	HasActiveInterest(ctx context.Context, serviceID, requesterID string) (bool, error)
}

// Store persists handshakes alongside the ledger.
type Store interface {
	GetHandshake(ctx context.Context, id string) (*Handshake, error)
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Handshake, error)
	ListByService(ctx context.Context, serviceID string, status Status) ([]*Handshake, error)

	// ExecTx runs fn inside one atomic unit spanning handshakes and the
	// ledger. Transient conflicts surface as ledger.ErrTransient.
	ExecTx(ctx context.Context, fn func(Tx) error) error
}
