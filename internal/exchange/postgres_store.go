package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Every ExecTx wraps the
// same *sql.Tx as a ledger transaction so handshake transitions and
// balance movements commit together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed handshake store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const handshakeColumns = `id, service_id, requester_id, owner_id, service_type, status,
	hours, provisioned_hours, agreement_set, location, scheduled_at,
	provider_confirmed, receiver_confirmed, report_reason, created_at, updated_at`

func (p *PostgresStore) GetHandshake(ctx context.Context, id string) (*Handshake, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+handshakeColumns+` FROM handshakes WHERE id = $1
	`, id)
	return scanHandshake(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Handshake, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+handshakeColumns+` FROM handshakes
			WHERE (requester_id = $1 OR owner_id = $1) AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+handshakeColumns+` FROM handshakes
			WHERE requester_id = $1 OR owner_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHandshakes(rows)
}

func (p *PostgresStore) ListByService(ctx context.Context, serviceID string, status Status) ([]*Handshake, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+handshakeColumns+` FROM handshakes
			WHERE service_id = $1 AND status = $2
			ORDER BY created_at DESC, id DESC
		`, serviceID, string(status))
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+handshakeColumns+` FROM handshakes
			WHERE service_id = $1
			ORDER BY created_at DESC, id DESC
		`, serviceID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHandshakes(rows)
}

// ExecTx runs fn inside one database transaction shared with the ledger.
func (p *PostgresStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stx := &sqlTx{Tx: ledger.NewSQLTx(tx), tx: tx}
	if err := fn(stx); err != nil {
		return classifyError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps retryable Postgres failures to ledger.ErrTransient
// and the duplicate-interest unique index to its business error.
func classifyError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ledger.ErrTransient, pqErr.Message)
		case "23505":
			if pqErr.Constraint == "handshakes_open_interest_idx" {
				return ErrDuplicateInterest
			}
		}
	}
	return err
}

// sqlTx implements Tx over an open *sql.Tx, embedding the ledger's view
// of the same transaction.
type sqlTx struct {
	ledger.Tx
	tx *sql.Tx
}

const serviceColumns = `id, owner_id, type, title, description, duration, max_participants, status, created_at, updated_at`

func (t *sqlTx) Service(ctx context.Context, id string) (*catalog.Service, error) {
	return t.scanService(t.tx.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE id = $1
	`, id))
}

func (t *sqlTx) ServiceForUpdate(ctx context.Context, id string) (*catalog.Service, error) {
	return t.scanService(t.tx.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *sqlTx) scanService(row *sql.Row) (*catalog.Service, error) {
	var s catalog.Service
	var description sql.NullString
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.Type, &s.Title, &description,
		&s.Duration, &s.MaxParticipants, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	return &s, nil
}

func (t *sqlTx) HandshakeForUpdate(ctx context.Context, id string) (*Handshake, error) {
	return scanHandshake(t.tx.QueryRowContext(ctx, `
		SELECT `+handshakeColumns+` FROM handshakes WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *sqlTx) InsertHandshake(ctx context.Context, h *Handshake) error {
	scheduledAt := sql.NullTime{}
	if h.ScheduledAt != nil {
		scheduledAt = sql.NullTime{Time: *h.ScheduledAt, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO handshakes (id, service_id, requester_id, owner_id, service_type, status,
			hours, provisioned_hours, agreement_set, location, scheduled_at,
			provider_confirmed, receiver_confirmed, report_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, h.ID, h.ServiceID, h.RequesterID, h.OwnerID, string(h.ServiceType), string(h.Status),
		h.Hours, h.ProvisionedHours, h.AgreementSet, h.Location, scheduledAt,
		h.ProviderConfirmed, h.ReceiverConfirmed, h.ReportReason, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert handshake: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateHandshake(ctx context.Context, h *Handshake) error {
	scheduledAt := sql.NullTime{}
	if h.ScheduledAt != nil {
		scheduledAt = sql.NullTime{Time: *h.ScheduledAt, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE handshakes
		SET status = $2, hours = $3, provisioned_hours = $4, agreement_set = $5,
		    location = $6, scheduled_at = $7, provider_confirmed = $8,
		    receiver_confirmed = $9, report_reason = $10, updated_at = $11
		WHERE id = $1
	`, h.ID, string(h.Status), h.Hours, h.ProvisionedHours, h.AgreementSet,
		h.Location, scheduledAt, h.ProviderConfirmed, h.ReceiverConfirmed,
		h.ReportReason, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update handshake: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrHandshakeNotFound
	}
	return nil
}

func (t *sqlTx) CountByService(ctx context.Context, serviceID string, statuses ...Status) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM handshakes
		WHERE service_id = $1 AND status = ANY($2)
	`, serviceID, pq.Array(statusStrings(statuses))).Scan(&count)
	return count, err
}

func (t *sqlTx) HasActiveInterest(ctx context.Context, serviceID, requesterID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM handshakes
			WHERE service_id = $1 AND requester_id = $2 AND status IN ('pending', 'accepted')
		)
	`, serviceID, requesterID).Scan(&exists)
	return exists, err
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHandshake(row rowScanner) (*Handshake, error) {
	var h Handshake
	var location, reportReason sql.NullString
	var scheduledAt sql.NullTime
	err := row.Scan(
		&h.ID, &h.ServiceID, &h.RequesterID, &h.OwnerID, &h.ServiceType, &h.Status,
		&h.Hours, &h.ProvisionedHours, &h.AgreementSet, &location, &scheduledAt,
		&h.ProviderConfirmed, &h.ReceiverConfirmed, &reportReason, &h.CreatedAt, &h.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandshakeNotFound
	}
	if err != nil {
		return nil, err
	}
	h.Location = location.String
	h.ReportReason = reportReason.String
	if scheduledAt.Valid {
		t := scheduledAt.Time
		h.ScheduledAt = &t
	}
	return &h, nil
}

func scanHandshakes(rows *sql.Rows) ([]*Handshake, error) {
	var out []*Handshake
	for rows.Next() {
		h, err := scanHandshake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
