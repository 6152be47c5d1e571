// Package escrow holds a tenant's viewing deposit and settles it exactly once.
//
// Flow:
//  1. Request created -> Hold: payer's funds authorized at the gateway (HELD)
//  2. Viewing completed -> Release: captured price goes to the hunter minus
//     platform commission; any uncaptured remainder returns to the payer
//  3. Request rejected or cancelled -> Refund: full, or partial with the
//     remainder forfeited to the hunter
//  4. Dispute opened -> MarkDisputed (DISPUTED_HELD); the adjudicator's
//     decision then releases, refunds or splits
//
// Every settlement appends ledger entries; their sum may never exceed the
// held amount. A hold that fails this check is frozen for an operator.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("escrow hold not found")
	ErrVersionConflict = errors.New("escrow hold was modified concurrently")
	ErrDuplicate       = errors.New("escrow hold already exists")
)

// State is the settlement state of a hold.
type State string

const (
	StateHeld              State = "HELD"
	StateReleased          State = "RELEASED"
	StateRefunded          State = "REFUNDED"
	StatePartiallyRefunded State = "PARTIALLY_REFUNDED"
	StateDisputedHeld      State = "DISPUTED_HELD"
)

// Operation records which settlement closed a hold, so repeats can be
// answered idempotently.
type Operation string

const (
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
	OpSplit   Operation = "split"
)

// PlatformParty is the ledger party that receives commission.
const PlatformParty = "platform"

// Hold is a deposit held for one viewing request.
type Hold struct {
	ID               string     `json:"id"`
	ViewingRequestID string     `json:"viewingRequestId"`
	PayerID          string     `json:"payerId"`
	Amount           string     `json:"amount"`
	CommissionRate   string     `json:"commissionRate"`
	State            State      `json:"state"`
	GatewayToken     string     `json:"-"`
	IdempotencyKey   string     `json:"idempotencyKey"`
	ReleasedTo       string     `json:"releasedTo,omitempty"`
	RefundedTo       string     `json:"refundedTo,omitempty"`
	ReleasedAmount   string     `json:"releasedAmount,omitempty"`
	CommissionAmount string     `json:"commissionAmount,omitempty"`
	RefundedAmount   string     `json:"refundedAmount,omitempty"`
	SettledBy        Operation  `json:"settledBy,omitempty"`
	ReceiptID        string     `json:"receiptId,omitempty"`
	Frozen           bool       `json:"frozen"`
	FrozenReason     string     `json:"frozenReason,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal returns true once funds have left the hold.
func (h *Hold) IsTerminal() bool {
	switch h.State {
	case StateReleased, StateRefunded, StatePartiallyRefunded:
		return true
	}
	return false
}

// Settleable reports whether funds are still held.
func (h *Hold) Settleable() bool {
	return h.State == StateHeld || h.State == StateDisputedHeld
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryHold       EntryKind = "hold"
	EntryRelease    EntryKind = "release"
	EntryCommission EntryKind = "commission"
	EntryRefund     EntryKind = "refund"
	EntryForfeit    EntryKind = "forfeit"
)

// Entry is one append-only ledger line. The hold entry records the funds
// taken in; every other kind records funds paid out of the hold.
type Entry struct {
	ID        string    `json:"id"`
	HoldID    string    `json:"holdId"`
	Kind      EntryKind `json:"kind"`
	Party     string    `json:"party"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Settlement summarizes how a hold was paid out.
type Settlement struct {
	HoldID           string     `json:"holdId"`
	State            State      `json:"state"`
	Operation        Operation  `json:"operation"`
	HunterAmount     string     `json:"hunterAmount"`
	CommissionAmount string     `json:"commissionAmount"`
	RefundAmount     string     `json:"refundAmount"`
	ReleasedTo       string     `json:"releasedTo,omitempty"`
	RefundedTo       string     `json:"refundedTo,omitempty"`
	ReceiptID        string     `json:"receiptId,omitempty"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

// SettlementOf derives the settlement record of a terminal hold.
func SettlementOf(h *Hold) *Settlement {
	return &Settlement{
		HoldID:           h.ID,
		State:            h.State,
		Operation:        h.SettledBy,
		HunterAmount:     orZero(h.ReleasedAmount),
		CommissionAmount: orZero(h.CommissionAmount),
		RefundAmount:     orZero(h.RefundedAmount),
		ReleasedTo:       h.ReleasedTo,
		RefundedTo:       h.RefundedTo,
		ReceiptID:        h.ReceiptID,
		SettledAt:        h.SettledAt,
	}
}

func orZero(s string) string {
	if s == "" {
		return "0.00"
	}
	return s
}

// Store persists holds and their ledger entries.
//
// Update is an optimistic write: it succeeds only if the stored version
// equals h.Version, then increments h.Version. New entries are appended in
// the same transaction.
type Store interface {
	Create(ctx context.Context, h *Hold, entry *Entry) error
	Get(ctx context.Context, id string) (*Hold, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Hold, error)
	GetByRequest(ctx context.Context, viewingRequestID string) (*Hold, error)
	Update(ctx context.Context, h *Hold, entries []*Entry) error
	Entries(ctx context.Context, holdID string) ([]*Entry, error)
	// List pages through holds ordered by id, starting after afterID.
	List(ctx context.Context, afterID string, limit int) ([]*Hold, error)
}

// HoldRequest places a new hold.
type HoldRequest struct {
	PayerID          string
	Amount           string
	IdempotencyKey   string
	ViewingRequestID string
	CommissionRate   string
}

// ReleaseRequest pays a hold out to the hunter. Amount is the captured
// price; empty means the full hold. Commission is taken from Amount and the
// uncaptured remainder returns to the payer.
type ReleaseRequest struct {
	HoldID string
	ToID   string
	Amount string
}

// RefundRequest returns a hold to the payer. Amount empty means the full
// hold. A partial refund forfeits the remainder to ForfeitTo without
// commission.
type RefundRequest struct {
	HoldID    string
	ToID      string
	Amount    string
	ForfeitTo string
}

// SplitRequest divides a disputed hold: TenantAmount is refunded, the rest
// is released to the hunter minus commission.
type SplitRequest struct {
	HoldID       string
	HunterID     string
	TenantID     string
	TenantAmount string
}
