package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/idgen"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// ExecTx serializes all writers behind one mutex and restores a snapshot
// when the callback fails, mirroring the rollback behaviour of Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if cursor != nil {
			// Skip entries at or after the cursor position.
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListEntriesByHandshake(ctx context.Context, handshakeID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.HandshakeID == handshakeID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, userID string) (hours.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := hours.Zero
	for _, e := range m.entries {
		if e.UserID == userID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// ExecTx runs fn with the store lock held. On error the account map and
// entry log are restored to their pre-transaction state.
func (m *MemoryStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]Account, len(m.accounts))
	for k, v := range m.accounts {
		snapshot[k] = *v
	}
	mark := len(m.entries)

	if err := fn(&memTx{store: m}); err != nil {
		restored := make(map[string]*Account, len(snapshot))
		for k, v := range snapshot {
			cp := v
			restored[k] = &cp
		}
		m.accounts = restored
		m.entries = m.entries[:mark]
		return err
	}
	return nil
}

// memTx operates directly on the store maps; the store mutex is held for
// the whole transaction.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) AccountForUpdate(ctx context.Context, userID string) (*Account, error) {
	acc, ok := t.store.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (t *memTx) InsertAccount(ctx context.Context, a *Account) error {
	if _, ok := t.store.accounts[a.UserID]; ok {
		return ErrAccountExists
	}
	cp := *a
	t.store.accounts[a.UserID] = &cp
	return nil
}

func (t *memTx) Apply(ctx context.Context, e *Entry) (*Account, error) {
	if e.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	acc, ok := t.store.accounts[e.UserID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	newBal := acc.Balance.Add(e.Amount)
	if e.Amount.IsNegative() && newBal.Cmp(Floor) < 0 {
		observeFloorRejection()
		return nil, ErrInsufficientBalance
	}
	observeEntry(e.Type)

	acc.Balance = newBal
	acc.UpdatedAt = time.Now().UTC()

	if e.ID == "" {
		e.ID = idgen.WithPrefix("ent_")
	}
	e.BalanceAfter = newBal
	e.CreatedAt = time.Now().UTC()

	cp := *e
	t.store.entries = append(t.store.entries, &cp)

	out := *acc
	return &out, nil
}

func (t *memTx) EntryExists(ctx context.Context, handshakeID string, entryType EntryType) (bool, error) {
	for _, e := range t.store.entries {
		if e.HandshakeID == handshakeID && e.Type == entryType {
			return true, nil
		}
	}
	return false, nil
}
