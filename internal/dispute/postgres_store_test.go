package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cols = []string{
	"id", "booking_id", "hold_id", "tenant_id", "hunter_id", "raised_by", "reason", "evidence_urls",
	"response", "response_evidence_urls", "status", "adjudicator_id", "resolution_amount",
	"resolution_note", "version", "created_at", "updated_at", "resolved_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, func() { _ = db.Close() }
}

func TestPostgresStore_CreateWhileUnresolved(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO disputes`).WillReturnError(&pq.Error{Code: "23505"})

	err := s.Create(context.Background(), &Dispute{ID: "dsp_1", BookingID: "bk_1", Status: StatusOpen})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM disputes WHERE id = \$1`).
		WithArgs("dsp_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"dsp_1", "bk_1", "hold_1", "t1", "h1", "t1", "no show", `{"https://a.example/1","https://a.example/2"}`,
			nil, `{}`, "RESOLVED_SPLIT", "adj_1", "1000",
			"halved", int64(4), now, now, now,
		))

	d, err := s.Get(context.Background(), "dsp_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/1", "https://a.example/2"}, d.EvidenceURLs)
	assert.Empty(t, d.ResponseEvidenceURLs)
	assert.Equal(t, StatusResolvedSplit, d.Status)
	assert.Equal(t, "1000.00", d.ResolutionAmount)
	require.NotNil(t, d.ResolvedAt)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE disputes SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("dsp_x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.Update(context.Background(), &Dispute{ID: "dsp_x", Version: 1})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
