package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory catalog store.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*Service)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateService(ctx context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.services[id]
	if !exists {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateService(ctx context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[s.ID]; !exists {
		return ErrServiceNotFound
	}
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListServices(ctx context.Context, q Query) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Service
	for _, s := range m.services {
		if q.OwnerID != "" && s.OwnerID != q.OwnerID {
			continue
		}
		if q.Type != "" && s.Type != q.Type {
			continue
		}
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}

	// Newest first, ID as tiebreaker to keep cursor pages stable.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if q.Cursor != nil {
		idx := 0
		for i, s := range out {
			if s.CreatedAt.Before(q.Cursor.CreatedAt) ||
				(s.CreatedAt.Equal(q.Cursor.CreatedAt) && s.ID < q.Cursor.ID) {
				idx = i
				break
			}
			idx = len(out)
		}
		out = out[idx:]
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
