package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/viewpay/viewpay/internal/money"
)

// PostgresStore persists disputes in PostgreSQL. Evidence links are TEXT[]
// columns; a partial unique index allows one unresolved dispute per booking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const columns = `id, booking_id, hold_id, tenant_id, hunter_id, raised_by, reason, evidence_urls,
		       response, response_evidence_urls, status, adjudicator_id, resolution_amount,
		       resolution_note, version, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, booking_id, hold_id, tenant_id, hunter_id, raised_by, reason, evidence_urls,
			status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.BookingID, d.HoldID, d.TenantID, d.HunterID, d.RaisedBy, d.Reason, pq.Array(d.EvidenceURLs),
		string(d.Status), d.Version, d.CreatedAt, d.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+columns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) FindUnresolved(ctx context.Context, bookingID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+columns+`
		FROM disputes
		WHERE booking_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			response = $1, response_evidence_urls = $2, status = $3, adjudicator_id = $4,
			resolution_amount = $5::NUMERIC(20,2), resolution_note = $6,
			updated_at = $7, resolved_at = $8, version = version + 1
		WHERE id = $9 AND version = $10`,
		nullString(d.Response), pq.Array(d.ResponseEvidenceURLs), string(d.Status), nullString(d.AdjudicatorID),
		nullString(d.ResolutionAmount), nullString(d.ResolutionNote),
		d.UpdatedAt, nullTime(d.ResolvedAt),
		d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM disputes
		WHERE booking_id = $1
		ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		response         sql.NullString
		status           string
		adjudicatorID    sql.NullString
		resolutionAmount sql.NullString
		resolutionNote   sql.NullString
		resolvedAt       sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.BookingID, &d.HoldID, &d.TenantID, &d.HunterID, &d.RaisedBy, &d.Reason, pq.Array(&d.EvidenceURLs),
		&response, pq.Array(&d.ResponseEvidenceURLs), &status, &adjudicatorID, &resolutionAmount,
		&resolutionNote, &d.Version, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Response = response.String
	d.Status = Status(status)
	d.AdjudicatorID = adjudicatorID.String
	if resolutionAmount.Valid {
		if n, ok := money.Normalize(resolutionAmount.String); ok {
			d.ResolutionAmount = n
		}
	}
	d.ResolutionNote = resolutionNote.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
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
