package reschedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/negotiation"
)

var cols = []string{
	"id", "booking_id", "proposed_by", "proposer_id", "proposed_date", "proposed_location",
	"reason", "status", "expires_at", "responded_at", "version", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, func() { _ = db.Close() }
}

func TestPostgresStore_CreatePendingConflict(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO reschedule_requests`).WillReturnError(&pq.Error{Code: "23505"})

	err := s.Create(context.Background(), &Request{ID: "rs_1", BookingID: "bk_1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresStore_FindPending(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE booking_id = \$1 AND status = 'PENDING'`).
		WithArgs("bk_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rs_1", "bk_1", "hunter", "h1", now, nil,
			"traffic", "PENDING", now.Add(time.Hour), nil, int64(1), now, now,
		))

	r, err := s.FindPending(context.Background(), "bk_1")
	require.NoError(t, err)
	assert.Equal(t, negotiation.Hunter, r.ProposedBy)
	assert.Equal(t, "traffic", r.Reason)
	assert.Empty(t, r.ProposedLocation)
	assert.Nil(t, r.RespondedAt)
}

func TestPostgresStore_UpdateStale(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE reschedule_requests`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM reschedule_requests WHERE id = \$1`).
		WithArgs("rs_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rs_1", "bk_1", "tenant", "t1", now, nil,
			nil, "ACCEPTED", now, now, int64(2), now, now,
		))

	err := s.Update(context.Background(), &Request{ID: "rs_1", Status: StatusExpired, Version: 1})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExpired(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE status = 'PENDING' AND expires_at <= \$1`).
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows(cols))

	got, err := s.ListExpired(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
