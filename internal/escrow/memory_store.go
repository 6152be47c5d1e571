package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	holds   map[string]*Hold
	byKey   map[string]string
	byReq   map[string]string
	entries map[string][]*Entry
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:   make(map[string]*Hold),
		byKey:   make(map[string]string),
		byReq:   make(map[string]string),
		entries: make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Create(_ context.Context, h *Hold, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byKey[h.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	m.holds[h.ID] = copyHold(h)
	m.byKey[h.IdempotencyKey] = h.ID
	if h.ViewingRequestID != "" {
		m.byReq[h.ViewingRequestID] = h.ID
	}
	if entry != nil {
		cp := *entry
		m.entries[h.ID] = append(m.entries[h.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyHold(h), nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Hold, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByRequest(ctx context.Context, viewingRequestID string) (*Hold, error) {
	m.mu.RLock()
	id, ok := m.byReq[viewingRequestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, h *Hold, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.holds[h.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != h.Version {
		return ErrVersionConflict
	}
	h.Version++
	m.holds[h.ID] = copyHold(h)
	for _, e := range entries {
		cp := *e
		m.entries[h.ID] = append(m.entries[h.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) Entries(_ context.Context, holdID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.entries[holdID]))
	for _, e := range m.entries[holdID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, afterID string, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.holds))
	for id := range m.holds {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Hold, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyHold(m.holds[id]))
	}
	return out, nil
}

func copyHold(h *Hold) *Hold {
	cp := *h
	if h.SettledAt != nil {
		t := *h.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
