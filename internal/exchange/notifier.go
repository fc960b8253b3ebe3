package exchange

import "context"

// Event describes a handshake development a member should hear about.
type Event struct {
	UserID      string
	Kind        string
	Title       string
	Message     string
	HandshakeID string
	ServiceID   string
}

// Notifier records events after the owning transaction has committed.
// Implementations are best-effort: a failed notification is logged and
// dropped, never surfaced to the caller.
type Notifier interface {
	Notify(ctx context.Context, events ...Event)
}
