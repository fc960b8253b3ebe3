// Package catalog manages the listings members publish: offers of help
// and needs asking for it. Every listing carries a duration in hours and
// a participant capacity that the handshake flow enforces.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/idgen"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
	"github.com/yusufizzetmurat/timebank/internal/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrServiceNotFound = errors.New("catalog: service not found")
	ErrInvalidService  = errors.New("catalog: invalid service")
	ErrNotOwner        = errors.New("catalog: caller does not own this service")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// ServiceType says which direction the hours flow. For an offer the
// requester pays the owner; for a need the owner pays the requester.
type ServiceType string

const (
	TypeOffer ServiceType = "offer"
	TypeNeed  ServiceType = "need"
)

// ServiceStatus is the lifecycle state of a listing.
type ServiceStatus string

const (
	StatusActive   ServiceStatus = "active"
	StatusPaused   ServiceStatus = "paused"
	StatusArchived ServiceStatus = "archived"
)

// Service is a published listing.
type Service struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"ownerId"`
	Type            ServiceType   `json:"type"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	Duration        hours.Amount  `json:"duration"` // default hours for one exchange
	MaxParticipants int           `json:"maxParticipants"`
	Status          ServiceStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// IsActive reports whether the listing accepts new interest.
func (s *Service) IsActive() bool { return s.Status == StatusActive }

// Query filters for listing services.
type Query struct {
	OwnerID string
	Type    ServiceType
	Status  ServiceStatus
	Cursor  *pagination.Cursor
	Limit   int
}

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store defines the persistence interface for the catalog.
type Store interface {
	CreateService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	UpdateService(ctx context.Context, s *Service) error
	ListServices(ctx context.Context, q Query) ([]*Service, error)
}

// -----------------------------------------------------------------------------
// Service Layer
// -----------------------------------------------------------------------------

// Catalog manages listings over a Store.
type Catalog struct {
	store           Store
	defaultCapacity int
}

// New creates a catalog service. defaultCapacity is used when a listing
// does not specify MaxParticipants.
func New(store Store, defaultCapacity int) *Catalog {
	if defaultCapacity <= 0 {
		defaultCapacity = 5
	}
	return &Catalog{store: store, defaultCapacity: defaultCapacity}
}

// Store exposes the underlying store for wiring.
func (c *Catalog) Store() Store { return c.store }

// Publish validates and creates a listing. New listings start active.
func (c *Catalog) Publish(ctx context.Context, s *Service) (*Service, error) {
	if s.OwnerID == "" || s.Title == "" {
		return nil, ErrInvalidService
	}
	if s.Type != TypeOffer && s.Type != TypeNeed {
		return nil, ErrInvalidService
	}
	if !s.Duration.IsPositive() {
		return nil, ErrInvalidService
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = c.defaultCapacity
	}

	s.ID = idgen.WithPrefix("svc_")
	s.Title = validation.SanitizeString(s.Title, 200)
	s.Description = validation.SanitizeString(s.Description, 2000)
	s.Status = StatusActive
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	if err := c.store.CreateService(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a listing by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*Service, error) {
	return c.store.GetService(ctx, id)
}

// List returns listings matching the query, newest first.
func (c *Catalog) List(ctx context.Context, q Query) ([]*Service, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	return c.store.ListServices(ctx, q)
}

// SetStatus moves a listing between active, paused, and archived.
// Only the owner may change status, and archived listings stay archived.
func (c *Catalog) SetStatus(ctx context.Context, id, callerID string, status ServiceStatus) (*Service, error) {
	switch status {
	case StatusActive, StatusPaused, StatusArchived:
	default:
		return nil, ErrInvalidService
	}

	s, err := c.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	if s.Status == StatusArchived {
		return nil, ErrInvalidService
	}

	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateService(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
