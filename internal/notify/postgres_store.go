package notify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// PostgresStore is the production notification store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a notification store over an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const notificationColumns = `id, user_id, kind, title, message, handshake_id, service_id, read, created_at`

func (p *PostgresStore) CreateNotification(ctx context.Context, n *Notification) error {
	handshakeID := sql.NullString{String: n.HandshakeID, Valid: n.HandshakeID != ""}
	serviceID := sql.NullString{String: n.ServiceID, Valid: n.ServiceID != ""}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Message, handshakeID, serviceID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Notification, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+notificationColumns+` FROM notifications
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+notificationColumns+` FROM notifications
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var handshakeID, serviceID sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message,
			&handshakeID, &serviceID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.HandshakeID = handshakeID.String
		n.ServiceID = serviceID.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE
	`, userID).Scan(&count)
	return count, err
}

func (p *PostgresStore) MarkRead(ctx context.Context, id, userID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
