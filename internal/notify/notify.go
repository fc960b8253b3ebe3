// Package notify records notifications for members after handshake
// transitions commit. Delivery is a read model: clients poll their feed.
// Recording is best-effort and never affects the transaction that
// produced the event.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/exchange"
	"github.com/yusufizzetmurat/timebank/internal/idgen"
	"github.com/yusufizzetmurat/timebank/internal/logging"
	"github.com/yusufizzetmurat/timebank/internal/metrics"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

var ErrNotificationNotFound = errors.New("notify: notification not found")

// Notification is one item in a member's feed.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Message     string    `json:"message,omitempty"`
	HandshakeID string    `json:"handshakeId,omitempty"`
	ServiceID   string    `json:"serviceId,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// Service records and serves notifications. It satisfies the exchange
// Notifier interface.
type Service struct {
	store Store
}

// New creates a notification service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Compile-time interface check
var _ exchange.Notifier = (*Service)(nil)

// Notify records one notification per event. Failures are logged and
// dropped; the handshake transition already committed.
func (s *Service) Notify(ctx context.Context, events ...exchange.Event) {
	for _, ev := range events {
		n := &Notification{
			ID:          idgen.WithPrefix("ntf_"),
			UserID:      ev.UserID,
			Kind:        ev.Kind,
			Title:       ev.Title,
			Message:     ev.Message,
			HandshakeID: ev.HandshakeID,
			ServiceID:   ev.ServiceID,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.CreateNotification(ctx, n); err != nil {
			logging.L(ctx).Error("failed to record notification",
				"user", ev.UserID, "kind", ev.Kind, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(ev.Kind).Inc()
	}
}

// List returns a member's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, cursor, limit)
}

// UnreadCount returns how many notifications the member has not read.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// MarkRead marks one of the member's notifications as read.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.store.MarkRead(ctx, id, userID)
}
