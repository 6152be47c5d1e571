package directory

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresDirectory reads the properties, adjudicators, actors and
// payment_profiles tables owned by the listing and account services.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a Postgres-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) HunterForProperty(ctx context.Context, propertyID string) (string, error) {
	var hunterID string
	err := p.db.QueryRowContext(ctx, `
		SELECT hunter_id FROM properties
		WHERE id = $1 AND deleted_at IS NULL`, propertyID).Scan(&hunterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrPropertyNotFound
	}
	if err != nil {
		return "", err
	}
	return hunterID, nil
}

func (p *PostgresDirectory) IsAdjudicator(ctx context.Context, actorID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM adjudicators WHERE actor_id = $1 AND revoked_at IS NULL)`,
		actorID).Scan(&exists)
	return exists, err
}

func (p *PostgresDirectory) DisplayName(ctx context.Context, actorID string) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx, `
		SELECT display_name FROM actors WHERE id = $1`, actorID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return actorID, nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// PaymentProfile implements payments.PaymentProfiles.
func (p *PostgresDirectory) PaymentProfile(ctx context.Context, payerID string) (string, string, error) {
	var customerID, methodID string
	err := p.db.QueryRowContext(ctx, `
		SELECT stripe_customer_id, stripe_payment_method_id
		FROM payment_profiles WHERE payer_id = $1`, payerID).Scan(&customerID, &methodID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNoPaymentProfile
	}
	if err != nil {
		return "", "", err
	}
	return customerID, methodID, nil
}

var _ Directory = (*PostgresDirectory)(nil)
