package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// ServiceSource reads listings. Satisfied by any catalog store.
type ServiceSource interface {
	GetService(ctx context.Context, id string) (*catalog.Service, error)
}

// MemoryStore is an in-memory handshake store for demo/development mode.
// It nests the ledger memory store's transaction so a failed callback
// rolls back handshakes and balances together.
type MemoryStore struct {
	mu         sync.RWMutex
	ledger     *ledger.MemoryStore
	services   ServiceSource
	handshakes map[string]*Handshake
}

// NewMemoryStore creates a handshake store over the shared in-memory
// ledger and catalog.
func NewMemoryStore(ledgerStore *ledger.MemoryStore, services ServiceSource) *MemoryStore {
	return &MemoryStore{
		ledger:     ledgerStore,
		services:   services,
		handshakes: make(map[string]*Handshake),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetHandshake(ctx context.Context, id string) (*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handshakes[id]
	if !ok {
		return nil, ErrHandshakeNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Handshake
	for _, h := range m.handshakes {
		if h.RequesterID != userID && h.OwnerID != userID {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if cursor != nil {
		idx := len(out)
		for i, h := range out {
			if h.CreatedAt.Before(cursor.CreatedAt) ||
				(h.CreatedAt.Equal(cursor.CreatedAt) && h.ID < cursor.ID) {
				idx = i
				break
			}
		}
		out = out[idx:]
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByService(ctx context.Context, serviceID string, status Status) ([]*Handshake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Handshake
	for _, h := range m.handshakes {
		if h.ServiceID != serviceID {
			continue
		}
		if status != "" && h.Status != status {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ExecTx holds the handshake lock for the whole unit and nests the ledger
// transaction inside it. On error the handshake map is restored alongside
// the ledger's own rollback.
func (m *MemoryStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]Handshake, len(m.handshakes))
	for k, v := range m.handshakes {
		snapshot[k] = *v
	}

	err := m.ledger.ExecTx(ctx, func(ltx ledger.Tx) error {
		return fn(&memTx{Tx: ltx, store: m})
	})
	if err != nil {
		restored := make(map[string]*Handshake, len(snapshot))
		for k, v := range snapshot {
			cp := v
			restored[k] = &cp
		}
		m.handshakes = restored
		return err
	}
	return nil
}

// memTx operates directly on the handshake map; the store mutex is held
// for the whole transaction.
type memTx struct {
	ledger.Tx
	store *MemoryStore
}

func (t *memTx) Service(ctx context.Context, id string) (*catalog.Service, error) {
	return t.store.services.GetService(ctx, id)
}

func (t *memTx) ServiceForUpdate(ctx context.Context, id string) (*catalog.Service, error) {
	// The store mutex already serializes all writers.
	return t.store.services.GetService(ctx, id)
}

func (t *memTx) HandshakeForUpdate(ctx context.Context, id string) (*Handshake, error) {
	h, ok := t.store.handshakes[id]
	if !ok {
		return nil, ErrHandshakeNotFound
	}
	cp := *h
	return &cp, nil
}

func (t *memTx) InsertHandshake(ctx context.Context, h *Handshake) error {
	for _, existing := range t.store.handshakes {
		if existing.ServiceID == h.ServiceID && existing.RequesterID == h.RequesterID &&
			(existing.Status == StatusPending || existing.Status == StatusAccepted) {
			return ErrDuplicateInterest
		}
	}
	cp := *h
	t.store.handshakes[h.ID] = &cp
	return nil
}

func (t *memTx) UpdateHandshake(ctx context.Context, h *Handshake) error {
	if _, ok := t.store.handshakes[h.ID]; !ok {
		return ErrHandshakeNotFound
	}
	cp := *h
	t.store.handshakes[h.ID] = &cp
	return nil
}

func (t *memTx) CountByService(ctx context.Context, serviceID string, statuses ...Status) (int, error) {
	count := 0
	for _, h := range t.store.handshakes {
		if h.ServiceID != serviceID {
			continue
		}
		for _, s := range statuses {
			if h.Status == s {
				count++
				break
			}
		}
	}
	return count, nil
}

func (t *memTx) HasActiveInterest(ctx context.Context, serviceID, requesterID string) (bool, error) {
	for _, h := range t.store.handshakes {
		if h.ServiceID == serviceID && h.RequesterID == requesterID &&
			(h.Status == StatusPending || h.Status == StatusAccepted) {
			return true, nil
		}
	}
	return false, nil
}
