package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production catalog store backed by Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a catalog store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

const serviceColumns = `id, owner_id, type, title, description, duration, max_participants, status, created_at, updated_at`

func (p *PostgresStore) CreateService(ctx context.Context, s *Service) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.OwnerID, s.Type, s.Title, s.Description,
		s.Duration, s.MaxParticipants, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (p *PostgresStore) UpdateService(ctx context.Context, s *Service) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE services
		SET title = $2, description = $3, duration = $4,
		    max_participants = $5, status = $6, updated_at = $7
		WHERE id = $1`,
		s.ID, s.Title, s.Description, s.Duration,
		s.MaxParticipants, s.Status, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (p *PostgresStore) ListServices(ctx context.Context, q Query) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if q.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", idx)
		args = append(args, q.OwnerID)
		idx++
	}
	if q.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, q.Type)
		idx++
	}
	if q.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, q.Status)
		idx++
	}
	if q.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, q.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (*Service, error) {
	var s Service
	var description sql.NullString
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.Type, &s.Title, &description,
		&s.Duration, &s.MaxParticipants, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service: %w", err)
	}
	s.Description = description.String
	return &s, nil
}
