package reschedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory reschedule store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates a new in-memory reschedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.requests {
		if existing.BookingID == r.BookingID && existing.Status == StatusPending {
			return ErrDuplicate
		}
	}
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) FindPending(_ context.Context, bookingID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requests {
		if r.BookingID == bookingID && r.Status == StatusPending {
			return copyRequest(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Request, error) {
	return m.filter(func(r *Request) bool { return r.BookingID == bookingID }, 0), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Request, error) {
	return m.filter(func(r *Request) bool { return r.Expired(now) }, limit), nil
}

func (m *MemoryStore) filter(match func(*Request) bool, limit int) []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if match(r) {
			result = append(result, copyRequest(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyRequest(r *Request) *Request {
	cp := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		cp.RespondedAt = &t
	}
	return &cp
}
