package viewing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/viewpay/viewpay/internal/pagination"
)

// MemoryStore is an in-memory viewing store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*ViewingRequest
	bookings  map[string]*Booking
	byRequest map[string]string
}

// NewMemoryStore creates a new in-memory viewing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*ViewingRequest),
		bookings:  make(map[string]*Booking),
		byRequest: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *ViewingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return ErrDuplicate
	}
	if m.findActiveLocked(r.TenantID, r.PropertyID) != nil {
		return ErrDuplicate
	}
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ViewingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) FindActive(_ context.Context, tenantID, propertyID string) (*ViewingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r := m.findActiveLocked(tenantID, propertyID); r != nil {
		return copyRequest(r), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) findActiveLocked(tenantID, propertyID string) *ViewingRequest {
	for _, r := range m.requests {
		if r.TenantID == tenantID && r.PropertyID == propertyID && !r.Status.IsTerminal() {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *ViewingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRequestLocked(r); err != nil {
		return err
	}
	m.putRequestLocked(r)
	return nil
}

func (m *MemoryStore) Accept(_ context.Context, r *ViewingRequest, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRequestLocked(r); err != nil {
		return err
	}
	if _, ok := m.byRequest[r.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.bookings[b.ID]; ok {
		return ErrDuplicate
	}
	m.putRequestLocked(r)
	m.bookings[b.ID] = copyBooking(b)
	m.byRequest[r.ID] = b.ID
	return nil
}

func (m *MemoryStore) UpdateBoth(_ context.Context, r *ViewingRequest, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRequestLocked(r); err != nil {
		return err
	}
	if err := m.checkBookingLocked(b); err != nil {
		return err
	}
	m.putRequestLocked(r)
	m.putBookingLocked(b)
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBooking(b), nil
}

func (m *MemoryStore) GetBookingByRequest(ctx context.Context, requestID string) (*Booking, error) {
	m.mu.RLock()
	id, ok := m.byRequest[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetBooking(ctx, id)
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkBookingLocked(b); err != nil {
		return err
	}
	m.putBookingLocked(b)
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error) {
	return m.list(func(r *ViewingRequest) bool { return r.TenantID == tenantID }, after, limit), nil
}

func (m *MemoryStore) ListByHunter(_ context.Context, hunterID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error) {
	return m.list(func(r *ViewingRequest) bool { return r.HunterID == hunterID }, after, limit), nil
}

func (m *MemoryStore) list(match func(*ViewingRequest) bool, after *pagination.Cursor, limit int) []*ViewingRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ViewingRequest
	for _, r := range m.requests {
		if match(r) && after.Before(r.CreatedAt, r.ID) {
			result = append(result, copyRequest(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListPendingSettlement(_ context.Context, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if b.Status == BookingCompleted && b.SettlementPending {
			result = append(result, copyBooking(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) checkRequestLocked(r *ViewingRequest) error {
	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) checkBookingLocked(b *Booking) error {
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) putRequestLocked(r *ViewingRequest) {
	r.Version++
	m.requests[r.ID] = copyRequest(r)
}

func (m *MemoryStore) putBookingLocked(b *Booking) {
	b.Version++
	m.bookings[b.ID] = copyBooking(b)
}

func copyRequest(r *ViewingRequest) *ViewingRequest {
	cp := *r
	cp.CounteredDate = copyTime(r.CounteredDate)
	cp.FinalDate = copyTime(r.FinalDate)
	cp.TerminalAt = copyTime(r.TerminalAt)
	return &cp
}

func copyBooking(b *Booking) *Booking {
	cp := *b
	cp.CompletedAt = copyTime(b.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
