// Package admin provides adjudicator-only endpoints for resolving stuck
// financial states.
package admin

import (
	"context"
	"time"

	"github.com/viewpay/viewpay/internal/reconciliation"
	"github.com/viewpay/viewpay/internal/viewing"
)

// Settlements lists and retries completed bookings whose release failed.
type Settlements interface {
	ListPendingSettlement(ctx context.Context, limit int) ([]*viewing.Booking, error)
	SettlePending(ctx context.Context, bookingID string) error
}

// Reconciler runs an on-demand ledger reconciliation.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// Reschedules expires proposals past their deadline.
type Reschedules interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Holds freezes an escrow hold pending manual review.
type Holds interface {
	Freeze(ctx context.Context, holdID, reason string) error
}

// Adjudicators gates the admin routes.
type Adjudicators interface {
	IsAdjudicator(ctx context.Context, actorID string) (bool, error)
}

// StuckSettlement is a completed booking still waiting on its release.
type StuckSettlement struct {
	BookingID string    `json:"bookingId"`
	EscrowRef string    `json:"escrowRef"`
	Price     string    `json:"price"`
	HunterID  string    `json:"hunterId"`
	UpdatedAt time.Time `json:"updatedAt"`
	StuckFor  string    `json:"stuckFor"`
}

func stuckSettlement(b *viewing.Booking, now time.Time) StuckSettlement {
	return StuckSettlement{
		BookingID: b.ID,
		EscrowRef: b.EscrowRef,
		Price:     b.Price,
		HunterID:  b.HunterID,
		UpdatedAt: b.UpdatedAt,
		StuckFor:  now.Sub(b.UpdatedAt).Truncate(time.Second).String(),
	}
}
