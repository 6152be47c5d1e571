package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/viewpay/viewpay/internal/money"
)

// PostgresStore persists holds and ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, viewing_request_id, payer_id, amount, commission_rate, state,
		       gateway_token, idempotency_key, released_to, refunded_to,
		       released_amount, commission_amount, refunded_amount, settled_by,
		       receipt_id, frozen, frozen_reason, version, created_at, updated_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, h *Hold, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_holds (
			id, viewing_request_id, payer_id, amount, commission_rate, state,
			gateway_token, idempotency_key, frozen, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(6,4), $6, $7, $8, FALSE, $9, $10, $11)`,
		h.ID, nullString(h.ViewingRequestID), h.PayerID, h.Amount, h.CommissionRate, string(h.State),
		h.GatewayToken, h.IdempotencyKey, h.Version, h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		return mapPQError(err)
	}
	if entry != nil {
		if err := insertEntries(ctx, tx, []*Entry{entry}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE idempotency_key = $1`, key)
}

func (p *PostgresStore) GetByRequest(ctx context.Context, viewingRequestID string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE viewing_request_id = $1`, viewingRequestID)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// Update writes h if its version is current and appends entries in the
// same transaction.
func (p *PostgresStore) Update(ctx context.Context, h *Hold, entries []*Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_holds SET
			state = $1, released_to = $2, refunded_to = $3,
			released_amount = $4::NUMERIC(20,2), commission_amount = $5::NUMERIC(20,2), refunded_amount = $6::NUMERIC(20,2),
			settled_by = $7, receipt_id = $8, frozen = $9, frozen_reason = $10,
			updated_at = $11, settled_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		string(h.State), nullString(h.ReleasedTo), nullString(h.RefundedTo),
		nullString(h.ReleasedAmount), nullString(h.CommissionAmount), nullString(h.RefundedAmount),
		nullString(string(h.SettledBy)), nullString(h.ReceiptID), h.Frozen, nullString(h.FrozenReason),
		h.UpdatedAt, nullTime(h.SettledAt),
		h.ID, h.Version,
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
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_holds WHERE id = $1)`, h.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	h.Version++
	return nil
}

func (p *PostgresStore) Entries(ctx context.Context, holdID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hold_id, kind, party, amount, created_at
		FROM escrow_entries
		WHERE hold_id = $1
		ORDER BY created_at, id`, holdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.HoldID, &kind, &e.Party, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		e.Amount = normalizeAmount(e.Amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) List(ctx context.Context, afterID string, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []*Entry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_entries (id, hold_id, kind, party, amount, created_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6)`,
			e.ID, e.HoldID, string(e.Kind), e.Party, e.Amount, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var (
		viewingRequestID sql.NullString
		state            string
		releasedTo       sql.NullString
		refundedTo       sql.NullString
		releasedAmount   sql.NullString
		commissionAmount sql.NullString
		refundedAmount   sql.NullString
		settledBy        sql.NullString
		receiptID        sql.NullString
		frozenReason     sql.NullString
		settledAt        sql.NullTime
	)

	err := s.Scan(
		&h.ID, &viewingRequestID, &h.PayerID, &h.Amount, &h.CommissionRate, &state,
		&h.GatewayToken, &h.IdempotencyKey, &releasedTo, &refundedTo,
		&releasedAmount, &commissionAmount, &refundedAmount, &settledBy,
		&receiptID, &h.Frozen, &frozenReason, &h.Version, &h.CreatedAt, &h.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	h.ViewingRequestID = viewingRequestID.String
	h.State = State(state)
	h.Amount = normalizeAmount(h.Amount)
	if bps, ok := money.ParseRate(h.CommissionRate); ok {
		h.CommissionRate = money.FormatRate(bps)
	}
	h.ReleasedTo = releasedTo.String
	h.RefundedTo = refundedTo.String
	h.ReleasedAmount = normalizeAmount(releasedAmount.String)
	h.CommissionAmount = normalizeAmount(commissionAmount.String)
	h.RefundedAmount = normalizeAmount(refundedAmount.String)
	h.SettledBy = Operation(settledBy.String)
	h.ReceiptID = receiptID.String
	h.FrozenReason = frozenReason.String
	if settledAt.Valid {
		h.SettledAt = &settledAt.Time
	}
	return h, nil
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

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
