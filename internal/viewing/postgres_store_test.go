package viewing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/pagination"
)

var requestCols = []string{
	"id", "tenant_id", "property_id", "hunter_id",
	"requested_price", "countered_price", "final_price",
	"requested_date", "countered_date", "final_date",
	"requested_location", "countered_location", "final_location",
	"status", "escrow_ref", "round", "offer_version", "last_offer_by",
	"cancelled_by", "cancel_reason", "version", "created_at", "updated_at", "terminal_at",
}

var bookingCols = []string{
	"id", "viewing_request_id", "tenant_id", "hunter_id", "escrow_ref", "price",
	"scheduled_date", "meeting_location", "confirmed_by_tenant", "confirmed_by_hunter",
	"status", "settlement_pending", "pre_dispute_status", "version",
	"created_at", "updated_at", "completed_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, func() { _ = db.Close() }
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO viewing_requests`).WillReturnError(&pq.Error{Code: "23505"})

	err := s.Create(context.Background(), &ViewingRequest{ID: "vr_1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()
	later := now.Add(48 * time.Hour)

	mock.ExpectQuery(`SELECT .* FROM viewing_requests WHERE id = \$1`).
		WithArgs("vr_1").
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			"vr_1", "t1", "p1", "h1",
			"2500", "2000.5", nil,
			now, later, nil,
			"Lobby", nil, nil,
			"COUNTERED", "hold_1", 1, int64(1), "hunter",
			nil, nil, int64(2), now, now, nil,
		))

	r, err := s.Get(context.Background(), "vr_1")
	require.NoError(t, err)
	assert.Equal(t, "2500.00", r.RequestedPrice)
	assert.Equal(t, "2000.50", r.CounteredPrice)
	assert.Empty(t, r.FinalPrice)
	require.NotNil(t, r.CounteredDate)
	assert.Nil(t, r.FinalDate)
	assert.Equal(t, StatusCountered, r.Status)
	assert.Equal(t, negotiation.Hunter, r.LastOfferBy)
	assert.Equal(t, int64(2), r.Version)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM bookings WHERE id = \$1`).
		WithArgs("bk_x").
		WillReturnRows(sqlmock.NewRows(bookingCols))

	_, err := s.GetBooking(context.Background(), "bk_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateVersionConflict(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE viewing_requests SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("vr_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	r := &ViewingRequest{ID: "vr_1", Version: 3}
	err := s.Update(context.Background(), r)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), r.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcceptIsTransactional(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()
	r := &ViewingRequest{ID: "vr_1", Status: StatusAccepted, Version: 1, UpdatedAt: now}
	b := &Booking{ID: "bk_1", ViewingRequestID: "vr_1", Price: "2500.00", Status: BookingScheduled, Version: 1}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE viewing_requests SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO bookings`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.Accept(context.Background(), r, b)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, int64(1), r.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateBoth(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	r := &ViewingRequest{ID: "vr_1", Status: StatusCompleted, Version: 2}
	b := &Booking{ID: "bk_1", Status: BookingCompleted, SettlementPending: true, Version: 4}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE viewing_requests SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateBoth(context.Background(), r, b))
	assert.Equal(t, int64(3), r.Version)
	assert.Equal(t, int64(5), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByTenantAfterCursor(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()
	after := &pagination.Cursor{CreatedAt: now, ID: "vr_9"}

	mock.ExpectQuery(`WHERE tenant_id = \$1 AND \(created_at, id\) < \(\$2, \$3\)`).
		WithArgs("t1", now, "vr_9", 3).
		WillReturnRows(sqlmock.NewRows(requestCols))

	got, err := s.ListByTenant(context.Background(), "t1", after, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingSettlement(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM bookings\s+WHERE status = 'COMPLETED' AND settlement_pending`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(bookingCols).AddRow(
			"bk_1", "vr_1", "t1", "h1", "hold_1", "2500",
			now, nil, true, true,
			"COMPLETED", true, nil, int64(3),
			now, now, now,
		))

	got, err := s.ListPendingSettlement(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2500.00", got[0].Price)
	assert.True(t, got[0].SettlementPending)
	assert.Empty(t, got[0].PreDisputeStatus)
	require.NotNil(t, got[0].CompletedAt)
}
