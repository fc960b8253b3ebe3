// Package ledger tracks member hour balances on the platform.
//
// Every balance change goes through a single primitive (Tx.Apply) that
// updates the locked account row and appends an entry recording the signed
// amount and the balance after the change. The log is append-only: opening
// balance plus the sum of entry amounts always equals the current balance.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")

	// ErrTransient marks storage conflicts (deadlocks, serialization
	// failures, lock timeouts) that are safe to retry.
	ErrTransient = errors.New("transient storage conflict")
)

// Floor is the lowest balance any account may reach. Debits that would
// push a balance below the floor are rejected.
var Floor = hours.MustParse("-10.00")

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryProvision  EntryType = "provision"  // hours reserved from the payer
	EntryTransfer   EntryType = "transfer"   // settled hours credited to the provider
	EntryRefund     EntryType = "refund"     // reserved hours returned to the payer
	EntryAdjustment EntryType = "adjustment" // grants, corrections, mid-flight revisions
)

// Account is a member's hour balance.
type Account struct {
	UserID    string       `json:"userId"`
	Balance   hours.Amount `json:"balance"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Entry is one immutable line in the ledger.
type Entry struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	Type         EntryType    `json:"type"`
	Amount       hours.Amount `json:"amount"` // signed: debits negative, credits positive
	BalanceAfter hours.Amount `json:"balanceAfter"`
	HandshakeID  string       `json:"handshakeId,omitempty"`
	Description  string       `json:"description,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Tx is the locked view of ledger state inside one atomic unit.
// Implementations guarantee that all calls on a Tx either commit together
// or leave no trace.
type Tx interface {
	// AccountForUpdate takes an exclusive lock on the account row and
	// returns its current state. Callers locking more than one account
	// must do so in ascending UserID order.
	AccountForUpdate(ctx context.Context, userID string) (*Account, error)

	// InsertAccount creates a new account row.
	InsertAccount(ctx context.Context, a *Account) error

	// Apply mutates the account balance by e.Amount and appends e with
	// BalanceAfter filled in. Debits that would breach the floor fail
	// with ErrInsufficientBalance and leave the balance untouched.
	Apply(ctx context.Context, e *Entry) (*Account, error)

	// EntryExists reports whether an entry of the given type has been
	// recorded for a handshake. Used to decide moderation outcomes from
	// the ledger itself rather than cached state.
	EntryExists(ctx context.Context, handshakeID string, t EntryType) (bool, error)
}

// Store persists ledger data.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	ListEntries(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
	ListEntriesByHandshake(ctx context.Context, handshakeID string) ([]*Entry, error)
	SumEntries(ctx context.Context, userID string) (hours.Amount, error)

	// ExecTx runs fn inside one atomic unit. fn returning an error rolls
	// everything back. Transient conflicts surface as ErrTransient.
	ExecTx(ctx context.Context, fn func(Tx) error) error
}

// Ledger manages member balances.
type Ledger struct {
	store Store
}

// New creates a ledger service over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for wiring.
func (l *Ledger) Store() Store { return l.store }

// Open creates an account. A non-zero starting balance is granted as an
// adjustment entry so the ledger reconstructs the balance from day one.
func (l *Ledger) Open(ctx context.Context, userID string, starting hours.Amount) (*Account, error) {
	if starting.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var acc *Account
	err := l.store.ExecTx(ctx, func(tx Tx) error {
		now := time.Now().UTC()
		acc = &Account{UserID: userID, Balance: hours.Zero, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}
		if starting.IsZero() {
			return nil
		}
		updated, err := tx.Apply(ctx, &Entry{
			UserID:      userID,
			Type:        EntryAdjustment,
			Amount:      starting,
			Description: "opening balance",
		})
		if err != nil {
			return err
		}
		acc = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// GetBalance returns a member's account.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// History returns ledger entries for a member, newest first.
func (l *Ledger) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListEntries(ctx, userID, cursor, limit)
}

// EntriesForHandshake returns all entries recorded against a handshake.
func (l *Ledger) EntriesForHandshake(ctx context.Context, handshakeID string) ([]*Entry, error) {
	return l.store.ListEntriesByHandshake(ctx, handshakeID)
}

// Adjust applies a signed administrative adjustment to a member's balance.
func (l *Ledger) Adjust(ctx context.Context, userID string, amount hours.Amount, description string) (*Entry, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	e := &Entry{
		UserID:      userID,
		Type:        EntryAdjustment,
		Amount:      amount,
		Description: description,
	}
	err := l.store.ExecTx(ctx, func(tx Tx) error {
		if _, err := tx.AccountForUpdate(ctx, userID); err != nil {
			return err
		}
		_, err := tx.Apply(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
