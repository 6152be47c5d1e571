package viewing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/pagination"
)

// PostgresStore persists viewing requests and bookings in PostgreSQL.
// A partial unique index on (tenant_id, property_id) over non-terminal
// rows backs the one-open-request rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed viewing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, tenant_id, property_id, hunter_id,
		       requested_price, countered_price, final_price,
		       requested_date, countered_date, final_date,
		       requested_location, countered_location, final_location,
		       status, escrow_ref, round, offer_version, last_offer_by,
		       cancelled_by, cancel_reason, version, created_at, updated_at, terminal_at`

const bookingColumns = `id, viewing_request_id, tenant_id, hunter_id, escrow_ref, price,
		       scheduled_date, meeting_location, confirmed_by_tenant, confirmed_by_hunter,
		       status, settlement_pending, pre_dispute_status, version,
		       created_at, updated_at, completed_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, r *ViewingRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO viewing_requests (
			id, tenant_id, property_id, hunter_id,
			requested_price, requested_date, requested_location,
			status, escrow_ref, round, offer_version, last_offer_by,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TenantID, r.PropertyID, r.HunterID,
		r.RequestedPrice, r.RequestedDate, nullString(r.RequestedLocation),
		string(r.Status), r.EscrowRef, r.Round, r.OfferVersion, string(r.LastOfferBy),
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	return mapPQError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ViewingRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM viewing_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) FindActive(ctx context.Context, tenantID, propertyID string) (*ViewingRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM viewing_requests
		WHERE tenant_id = $1 AND property_id = $2
		  AND status IN ('PENDING', 'COUNTERED', 'ACCEPTED')
		LIMIT 1`, tenantID, propertyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *ViewingRequest) error {
	if err := updateRequest(ctx, p.db, r); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (p *PostgresStore) Accept(ctx context.Context, r *ViewingRequest, b *Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateRequest(ctx, tx, r); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (
			id, viewing_request_id, tenant_id, hunter_id, escrow_ref, price,
			scheduled_date, meeting_location, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, $9, $10, $11, $12)`,
		b.ID, b.ViewingRequestID, b.TenantID, b.HunterID, b.EscrowRef, b.Price,
		b.ScheduledDate, nullString(b.MeetingLocation), string(b.Status), b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (p *PostgresStore) UpdateBoth(ctx context.Context, r *ViewingRequest, b *Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateRequest(ctx, tx, r); err != nil {
		return err
	}
	if err := updateBooking(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version++
	b.Version++
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) GetBookingByRequest(ctx context.Context, requestID string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE viewing_request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *Booking) error {
	if err := updateBooking(ctx, p.db, b); err != nil {
		return err
	}
	b.Version++
	return nil
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error) {
	return p.list(ctx, "tenant_id", tenantID, after, limit)
}

func (p *PostgresStore) ListByHunter(ctx context.Context, hunterID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error) {
	return p.list(ctx, "hunter_id", hunterID, after, limit)
}

// list pages newest first. column is one of two fixed identifiers.
func (p *PostgresStore) list(ctx context.Context, column, id string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+requestColumns+`
			FROM viewing_requests
			WHERE `+column+` = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, id, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+requestColumns+`
			FROM viewing_requests
			WHERE `+column+` = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, id, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ViewingRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListPendingSettlement(ctx context.Context, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'COMPLETED' AND settlement_pending
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func updateRequest(ctx context.Context, db execer, r *ViewingRequest) error {
	result, err := db.ExecContext(ctx, `
		UPDATE viewing_requests SET
			countered_price = $1::NUMERIC(20,2), final_price = $2::NUMERIC(20,2),
			countered_date = $3, final_date = $4,
			countered_location = $5, final_location = $6,
			status = $7, round = $8, offer_version = $9, last_offer_by = $10,
			cancelled_by = $11, cancel_reason = $12,
			updated_at = $13, terminal_at = $14, version = version + 1
		WHERE id = $15 AND version = $16`,
		nullString(r.CounteredPrice), nullString(r.FinalPrice),
		nullTime(r.CounteredDate), nullTime(r.FinalDate),
		nullString(r.CounteredLocation), nullString(r.FinalLocation),
		string(r.Status), r.Round, r.OfferVersion, string(r.LastOfferBy),
		nullString(r.CancelledBy), nullString(r.CancelReason),
		r.UpdatedAt, nullTime(r.TerminalAt),
		r.ID, r.Version,
	)
	if err != nil {
		return mapPQError(err)
	}
	return checkAffected(ctx, db, result, "viewing_requests", r.ID)
}

func updateBooking(ctx context.Context, db execer, b *Booking) error {
	result, err := db.ExecContext(ctx, `
		UPDATE bookings SET
			scheduled_date = $1, meeting_location = $2,
			confirmed_by_tenant = $3, confirmed_by_hunter = $4,
			status = $5, settlement_pending = $6, pre_dispute_status = $7,
			updated_at = $8, completed_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		b.ScheduledDate, nullString(b.MeetingLocation),
		b.ConfirmedByTenant, b.ConfirmedByHunter,
		string(b.Status), b.SettlementPending, nullString(string(b.PreDisputeStatus)),
		b.UpdatedAt, nullTime(b.CompletedAt),
		b.ID, b.Version,
	)
	if err != nil {
		return err
	}
	return checkAffected(ctx, db, result, "bookings", b.ID)
}

// checkAffected tells a missing row from a stale version. table is one of
// two fixed identifiers.
func checkAffected(ctx context.Context, db execer, result sql.Result, table, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*ViewingRequest, error) {
	r := &ViewingRequest{}
	var (
		counteredPrice    sql.NullString
		finalPrice        sql.NullString
		counteredDate     sql.NullTime
		finalDate         sql.NullTime
		requestedLocation sql.NullString
		counteredLocation sql.NullString
		finalLocation     sql.NullString
		status            string
		lastOfferBy       string
		cancelledBy       sql.NullString
		cancelReason      sql.NullString
		terminalAt        sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.TenantID, &r.PropertyID, &r.HunterID,
		&r.RequestedPrice, &counteredPrice, &finalPrice,
		&r.RequestedDate, &counteredDate, &finalDate,
		&requestedLocation, &counteredLocation, &finalLocation,
		&status, &r.EscrowRef, &r.Round, &r.OfferVersion, &lastOfferBy,
		&cancelledBy, &cancelReason, &r.Version, &r.CreatedAt, &r.UpdatedAt, &terminalAt,
	)
	if err != nil {
		return nil, err
	}
	r.RequestedPrice = normalizeAmount(r.RequestedPrice)
	r.CounteredPrice = normalizeAmount(counteredPrice.String)
	r.FinalPrice = normalizeAmount(finalPrice.String)
	r.CounteredDate = timePtr(counteredDate)
	r.FinalDate = timePtr(finalDate)
	r.RequestedLocation = requestedLocation.String
	r.CounteredLocation = counteredLocation.String
	r.FinalLocation = finalLocation.String
	r.Status = Status(status)
	r.LastOfferBy = negotiation.Party(lastOfferBy)
	r.CancelledBy = cancelledBy.String
	r.CancelReason = cancelReason.String
	r.TerminalAt = timePtr(terminalAt)
	return r, nil
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		location         sql.NullString
		status           string
		preDisputeStatus sql.NullString
		completedAt      sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.ViewingRequestID, &b.TenantID, &b.HunterID, &b.EscrowRef, &b.Price,
		&b.ScheduledDate, &location, &b.ConfirmedByTenant, &b.ConfirmedByHunter,
		&status, &b.SettlementPending, &preDisputeStatus, &b.Version,
		&b.CreatedAt, &b.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Price = normalizeAmount(b.Price)
	b.MeetingLocation = location.String
	b.Status = BookingStatus(status)
	b.PreDisputeStatus = BookingStatus(preDisputeStatus.String)
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

func normalizeAmount(s string) string {
	if s == "" {
		return ""
	}
	if n, ok := money.Normalize(s); ok {
		return n
	}
	return s
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
