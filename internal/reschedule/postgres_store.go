package reschedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/viewpay/viewpay/internal/negotiation"
)

// PostgresStore persists reschedule proposals in PostgreSQL. A partial
// unique index allows one PENDING row per booking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reschedule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const columns = `id, booking_id, proposed_by, proposer_id, proposed_date, proposed_location,
		       reason, status, expires_at, responded_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reschedule_requests (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.BookingID, string(r.ProposedBy), r.ProposerID, r.ProposedDate, nullString(r.ProposedLocation),
		nullString(r.Reason), string(r.Status), r.ExpiresAt, nullTime(r.RespondedAt), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	return p.getOne(ctx, `SELECT `+columns+` FROM reschedule_requests WHERE id = $1`, id)
}

func (p *PostgresStore) FindPending(ctx context.Context, bookingID string) (*Request, error) {
	return p.getOne(ctx, `SELECT `+columns+` FROM reschedule_requests WHERE booking_id = $1 AND status = 'PENDING'`, bookingID)
}

func (p *PostgresStore) getOne(ctx context.Context, query, arg string) (*Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reschedule_requests
		SET status = $1, responded_at = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		string(r.Status), nullTime(r.RespondedAt), r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Request, error) {
	return p.query(ctx, `
		SELECT `+columns+`
		FROM reschedule_requests
		WHERE booking_id = $1
		ORDER BY created_at`, bookingID)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	return p.query(ctx, `
		SELECT `+columns+`
		FROM reschedule_requests
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		proposedBy  string
		location    sql.NullString
		reason      sql.NullString
		status      string
		respondedAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.BookingID, &proposedBy, &r.ProposerID, &r.ProposedDate, &location,
		&reason, &status, &r.ExpiresAt, &respondedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ProposedBy = negotiation.Party(proposedBy)
	r.ProposedLocation = location.String
	r.Reason = reason.String
	r.Status = Status(status)
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
