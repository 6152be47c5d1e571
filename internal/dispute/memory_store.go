package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.disputes {
		if existing.BookingID == d.BookingID && !existing.Status.Resolved() {
			return ErrDuplicate
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) FindUnresolved(_ context.Context, bookingID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.BookingID == bookingID && !d.Status.Resolved() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.BookingID == bookingID {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.EvidenceURLs = append([]string(nil), d.EvidenceURLs...)
	cp.ResponseEvidenceURLs = append([]string(nil), d.ResponseEvidenceURLs...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
