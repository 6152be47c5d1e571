// Package reschedule lets either party of a scheduled booking propose a
// new date and place, which the other party accepts or rejects before the
// proposal expires.
package reschedule

import (
	"context"
	"errors"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/validation"
)

var (
	ErrNotFound        = errors.New("reschedule: not found")
	ErrVersionConflict = errors.New("reschedule: version conflict")
	ErrDuplicate       = errors.New("reschedule: pending proposal exists")
)

// Status is a proposal state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// DefaultTTL is how long a proposal waits for an answer.
const DefaultTTL = 48 * time.Hour

// Request is a proposal to move a booking.
type Request struct {
	ID               string            `json:"id"`
	BookingID        string            `json:"bookingId"`
	ProposedBy       negotiation.Party `json:"proposedBy"`
	ProposerID       string            `json:"proposerId"`
	ProposedDate     time.Time         `json:"proposedDate"`
	ProposedLocation string            `json:"proposedLocation,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Status           Status            `json:"status"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	RespondedAt      *time.Time        `json:"respondedAt,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Expired reports whether a pending proposal has run out of time.
func (r *Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// Store persists reschedule proposals.
type Store interface {
	// Create fails with ErrDuplicate if the booking already has a
	// pending proposal.
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Update is optimistic on Version and increments it on success.
	Update(ctx context.Context, r *Request) error
	FindPending(ctx context.Context, bookingID string) (*Request, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Request, error)
	// ListExpired returns pending proposals whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Request, error)
}

// ProposeCommand proposes a new slot for a booking.
type ProposeCommand struct {
	BookingID string    `json:"-"`
	ActorID   string    `json:"-"`
	NewDate   time.Time `json:"newDate"`
	Location  string    `json:"location,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Validate normalizes the command.
func (c *ProposeCommand) Validate(now time.Time) error {
	if c.BookingID == "" || c.ActorID == "" {
		return apperr.Validation("booking and actor are required")
	}
	if !c.NewDate.After(now) {
		return apperr.Validation("new date must be in the future")
	}
	c.NewDate = c.NewDate.UTC()
	c.Location = validation.SanitizeString(c.Location, validation.MaxStringLength)
	c.Reason = validation.SanitizeString(c.Reason, validation.MaxStringLength)
	return nil
}

// RespondCommand answers a proposal.
type RespondCommand struct {
	ID      string `json:"-"`
	ActorID string `json:"-"`
	Accept  bool   `json:"accept"`
}

// Validate checks required fields.
func (c *RespondCommand) Validate() error {
	if c.ID == "" || c.ActorID == "" {
		return apperr.Validation("reschedule request and actor are required")
	}
	return nil
}
