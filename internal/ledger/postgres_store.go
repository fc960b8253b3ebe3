package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/idgen"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acc := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc := &Account{}
		if err := rows.Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, balance_after, handshake_id, description, created_at
			FROM ledger_entries
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, balance_after, handshake_id, description, created_at
			FROM ledger_entries
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) ListEntriesByHandshake(ctx context.Context, handshakeID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_after, handshake_id, description, created_at
		FROM ledger_entries
		WHERE handshake_id = $1
		ORDER BY created_at, id
	`, handshakeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) SumEntries(ctx context.Context, userID string) (hours.Amount, error) {
	var sum hours.Amount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// ExecTx runs fn inside one database transaction. Lock conflicts are
// surfaced as ErrTransient so callers can retry.
func (p *PostgresStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(NewSQLTx(tx)); err != nil {
		return classifyPGError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPGError(err)
	}
	return nil
}

// classifyPGError maps retryable Postgres failures to ErrTransient.
//
//	40001 serialization_failure
//	40P01 deadlock_detected
//	55P03 lock_not_available
func classifyPGError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrTransient, pqErr.Message)
		case "23505":
			return ErrAccountExists
		}
	}
	return err
}

// SQLTx implements Tx over an open *sql.Tx. Sibling stores that need
// ledger operations inside their own transaction wrap the same *sql.Tx
// with NewSQLTx so the whole unit commits or rolls back together.
type SQLTx struct {
	tx *sql.Tx
}

// NewSQLTx wraps an open database transaction as a ledger Tx.
func NewSQLTx(tx *sql.Tx) *SQLTx {
	return &SQLTx{tx: tx}
}

func (t *SQLTx) AccountForUpdate(ctx context.Context, userID string) (*Account, error) {
	acc := &Account{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (t *SQLTx) InsertAccount(ctx context.Context, a *Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, a.UserID, a.Balance, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (t *SQLTx) Apply(ctx context.Context, e *Entry) (*Account, error) {
	if e.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	var balance hours.Amount
	err := t.tx.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE
	`, e.UserID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	newBal := balance.Add(e.Amount)
	if e.Amount.IsNegative() && newBal.Cmp(Floor) < 0 {
		observeFloorRejection()
		return nil, ErrInsufficientBalance
	}
	observeEntry(e.Type)

	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = $3 WHERE user_id = $1
	`, e.UserID, newBal, now); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if e.ID == "" {
		e.ID = idgen.WithPrefix("ent_")
	}
	e.BalanceAfter = newBal
	e.CreatedAt = now

	handshakeID := sql.NullString{String: e.HandshakeID, Valid: e.HandshakeID != ""}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, balance_after, handshake_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.UserID, string(e.Type), e.Amount, e.BalanceAfter, handshakeID, e.Description, e.CreatedAt); err != nil {
		return nil, fmt.Errorf("record entry: %w", err)
	}

	return &Account{UserID: e.UserID, Balance: newBal, UpdatedAt: now}, nil
}

func (t *SQLTx) EntryExists(ctx context.Context, handshakeID string, entryType EntryType) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE handshake_id = $1 AND type = $2
		)
	`, handshakeID, string(entryType)).Scan(&exists)
	return exists, err
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var handshakeID, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter, &handshakeID, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.HandshakeID = handshakeID.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
