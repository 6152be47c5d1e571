// Package viewing runs the viewing-request state machine and the booking
// it materializes on acceptance.
//
// Request lifecycle:
//
//	PENDING ──counter──▶ COUNTERED ──counter──▶ COUNTERED (bounded rounds)
//	   │                     │
//	   ├──accept─────────────┴──▶ ACCEPTED ──both confirm──▶ COMPLETED
//	   ├──reject / round limit ──▶ REJECTED
//	   └──cancel ────────────────▶ CANCELLED ◀── cancel (before the viewing)
//
// Every mutation runs under the per-request lock and is persisted with an
// optimistic version check. Request and booking changes that belong
// together are written in one store call.
package viewing

import (
	"context"
	"errors"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/pagination"
	"github.com/viewpay/viewpay/internal/validation"
)

var (
	ErrNotFound        = errors.New("viewing: not found")
	ErrVersionConflict = errors.New("viewing: version conflict")
	ErrDuplicate       = errors.New("viewing: duplicate active request")
)

// Status is a viewing request state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCountered Status = "COUNTERED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// IsTerminal returns true for states with no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusCompleted
}

// Negotiating reports whether offers can still be exchanged.
func (s Status) Negotiating() bool {
	return s == StatusPending || s == StatusCountered
}

// ViewingRequest is a tenant's request for a paid viewing.
type ViewingRequest struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	PropertyID string `json:"propertyId"`
	HunterID   string `json:"hunterId"`

	RequestedPrice string `json:"requestedPrice"`
	CounteredPrice string `json:"counteredPrice,omitempty"`
	FinalPrice     string `json:"finalPrice,omitempty"`

	RequestedDate time.Time  `json:"requestedDate"`
	CounteredDate *time.Time `json:"counteredDate,omitempty"`
	FinalDate     *time.Time `json:"finalDate,omitempty"`

	RequestedLocation string `json:"requestedLocation,omitempty"`
	CounteredLocation string `json:"counteredLocation,omitempty"`
	FinalLocation     string `json:"finalLocation,omitempty"`

	Status       Status            `json:"status"`
	EscrowRef    string            `json:"escrowRef"`
	Round        int               `json:"round"`
	OfferVersion int64             `json:"offerVersion"`
	LastOfferBy  negotiation.Party `json:"lastOfferBy"`
	CancelledBy  string            `json:"cancelledBy,omitempty"`
	CancelReason string            `json:"cancelReason,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	TerminalAt   *time.Time        `json:"terminalAt,omitempty"`
}

// CurrentOffer returns the terms on the table: the latest counter, or the
// original request if nobody has countered.
func (r *ViewingRequest) CurrentOffer() negotiation.Offer {
	o := negotiation.Offer{Price: r.RequestedPrice, Date: r.RequestedDate, Location: r.RequestedLocation}
	if r.CounteredPrice != "" {
		o.Price = r.CounteredPrice
	}
	if r.CounteredDate != nil {
		o.Date = *r.CounteredDate
	}
	if r.CounteredLocation != "" {
		o.Location = r.CounteredLocation
	}
	return o
}

func (r *ViewingRequest) negotiationState() negotiation.State {
	return negotiation.State{
		Original:     negotiation.Offer{Price: r.RequestedPrice, Date: r.RequestedDate, Location: r.RequestedLocation},
		Current:      r.CurrentOffer(),
		LastOfferBy:  r.LastOfferBy,
		Round:        r.Round,
		OfferVersion: r.OfferVersion,
		// The hold is placed at the requested price and never grows.
		HoldAmount: r.RequestedPrice,
	}
}

// IsParty reports whether actorID is the tenant or hunter.
func (r *ViewingRequest) IsParty(actorID string) bool {
	_, ok := negotiation.PartyOf(r.TenantID, r.HunterID, actorID)
	return ok
}

// Cursor returns the listing key of r.
func (r *ViewingRequest) Cursor() pagination.Cursor {
	return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// BookingStatus is a booking state.
type BookingStatus string

const (
	BookingScheduled  BookingStatus = "SCHEDULED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingDisputed   BookingStatus = "DISPUTED"
	BookingCancelled  BookingStatus = "CANCELLED"
)

// Booking is the scheduled viewing created when a request is accepted.
type Booking struct {
	ID                string        `json:"id"`
	ViewingRequestID  string        `json:"viewingRequestId"`
	TenantID          string        `json:"tenantId"`
	HunterID          string        `json:"hunterId"`
	EscrowRef         string        `json:"escrowRef"`
	Price             string        `json:"price"`
	ScheduledDate     time.Time     `json:"scheduledDate"`
	MeetingLocation   string        `json:"meetingLocation,omitempty"`
	ConfirmedByTenant bool          `json:"physicalMeetingConfirmedByTenant"`
	ConfirmedByHunter bool          `json:"physicalMeetingConfirmedByHunter"`
	Status            BookingStatus `json:"status"`
	// SettlementPending is set between completion and a successful release.
	SettlementPending bool          `json:"settlementPending"`
	PreDisputeStatus  BookingStatus `json:"preDisputeStatus,omitempty"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Party maps an actor onto a side of the booking.
func (b *Booking) Party(actorID string) (negotiation.Party, bool) {
	return negotiation.PartyOf(b.TenantID, b.HunterID, actorID)
}

// Store persists requests and bookings.
//
// Update, UpdateBooking and UpdateBoth are optimistic: they fail with
// ErrVersionConflict unless the stored versions equal the given ones, and
// increment the versions on success. Accept and UpdateBoth are atomic.
type Store interface {
	// Create fails with ErrDuplicate when the tenant already has a
	// non-terminal request for the property.
	Create(ctx context.Context, r *ViewingRequest) error
	Get(ctx context.Context, id string) (*ViewingRequest, error)
	FindActive(ctx context.Context, tenantID, propertyID string) (*ViewingRequest, error)
	Update(ctx context.Context, r *ViewingRequest) error
	// Accept writes the accepted request and inserts its booking.
	Accept(ctx context.Context, r *ViewingRequest, b *Booking) error
	UpdateBoth(ctx context.Context, r *ViewingRequest, b *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	GetBookingByRequest(ctx context.Context, requestID string) (*Booking, error)
	UpdateBooking(ctx context.Context, b *Booking) error
	// ListByTenant and ListByHunter return newest first, after the cursor.
	ListByTenant(ctx context.Context, tenantID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error)
	ListByHunter(ctx context.Context, hunterID string, after *pagination.Cursor, limit int) ([]*ViewingRequest, error)
	ListPendingSettlement(ctx context.Context, limit int) ([]*Booking, error)
}

// CreateRequestCommand opens a viewing request. RequestID is optional;
// clients that retry after a failure send the same id to avoid a second
// hold.
type CreateRequestCommand struct {
	RequestID  string    `json:"requestId,omitempty"`
	TenantID   string    `json:"-"`
	PropertyID string    `json:"propertyId"`
	Price      string    `json:"price"`
	Date       time.Time `json:"date"`
	Location   string    `json:"location,omitempty"`
}

// Validate normalizes the command.
func (c *CreateRequestCommand) Validate(now time.Time) error {
	if c.TenantID == "" || c.PropertyID == "" {
		return apperr.Validation("tenant and property are required")
	}
	price, ok := money.Normalize(c.Price)
	if !ok || money.Zero(price) {
		return apperr.Validation("price must be a positive decimal with at most two fractional digits")
	}
	c.Price = price
	if !c.Date.After(now) {
		return apperr.Validation("date must be in the future")
	}
	c.Date = c.Date.UTC()
	c.Location = validation.SanitizeString(c.Location, validation.MaxStringLength)
	return nil
}

// CounterCommand proposes new terms. Empty fields keep the current ones.
type CounterCommand struct {
	RequestID string     `json:"-"`
	ActorID   string     `json:"-"`
	Price     string     `json:"price,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Location  string     `json:"location,omitempty"`
}

// Validate normalizes the command.
func (c *CounterCommand) Validate() error {
	if c.RequestID == "" || c.ActorID == "" {
		return apperr.Validation("request and actor are required")
	}
	c.Location = validation.SanitizeString(c.Location, validation.MaxStringLength)
	if c.Price == "" && c.Date == nil && c.Location == "" {
		return apperr.Validation("counter must propose a price, date or location")
	}
	return nil
}

// AcceptCommand accepts the current offer. OfferVersion, when set, must
// match the offer the caller saw.
type AcceptCommand struct {
	RequestID    string `json:"-"`
	ActorID      string `json:"-"`
	OfferVersion *int64 `json:"offerVersion,omitempty"`
}

// Validate checks required fields.
func (c *AcceptCommand) Validate() error {
	if c.RequestID == "" || c.ActorID == "" {
		return apperr.Validation("request and actor are required")
	}
	return nil
}

// RejectCommand declines the current offer.
type RejectCommand struct {
	RequestID string `json:"-"`
	ActorID   string `json:"-"`
	Reason    string `json:"reason,omitempty"`
}

// Validate normalizes the command.
func (c *RejectCommand) Validate() error {
	if c.RequestID == "" || c.ActorID == "" {
		return apperr.Validation("request and actor are required")
	}
	c.Reason = validation.SanitizeString(c.Reason, validation.MaxStringLength)
	return nil
}

// CancelCommand withdraws a request or an accepted booking.
type CancelCommand struct {
	RequestID string `json:"-"`
	ActorID   string `json:"-"`
	Reason    string `json:"reason,omitempty"`
}

// Validate normalizes the command.
func (c *CancelCommand) Validate() error {
	if c.RequestID == "" || c.ActorID == "" {
		return apperr.Validation("request and actor are required")
	}
	c.Reason = validation.SanitizeString(c.Reason, validation.MaxStringLength)
	return nil
}

// BookingCommand names a booking and the acting party.
type BookingCommand struct {
	BookingID string `json:"-"`
	ActorID   string `json:"-"`
}

// Validate checks required fields.
func (c *BookingCommand) Validate() error {
	if c.BookingID == "" || c.ActorID == "" {
		return apperr.Validation("booking and actor are required")
	}
	return nil
}

// Outcome is an adjudicated dispute result.
type Outcome string

const (
	OutcomeTenant Outcome = "TENANT"
	OutcomeHunter Outcome = "HUNTER"
	OutcomeSplit  Outcome = "SPLIT"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeTenant, OutcomeHunter, OutcomeSplit:
		return true
	}
	return false
}
