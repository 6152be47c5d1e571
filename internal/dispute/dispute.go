// Package dispute runs the dispute process for a booking: a party opens a
// case, freezing the deposit; the other party may answer; an adjudicator
// reviews it and settles the deposit.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/validation"
	"github.com/viewpay/viewpay/internal/viewing"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrVersionConflict = errors.New("dispute: version conflict")
	ErrDuplicate       = errors.New("dispute: unresolved dispute exists")
)

// Status is a dispute state.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusUnderReview    Status = "UNDER_REVIEW"
	StatusResolvedTenant Status = "RESOLVED_TENANT"
	StatusResolvedHunter Status = "RESOLVED_HUNTER"
	StatusResolvedSplit  Status = "RESOLVED_SPLIT"
)

// Resolved reports whether the dispute is closed.
func (s Status) Resolved() bool {
	switch s {
	case StatusResolvedTenant, StatusResolvedHunter, StatusResolvedSplit:
		return true
	}
	return false
}

func resolvedStatus(o viewing.Outcome) Status {
	switch o {
	case viewing.OutcomeTenant:
		return StatusResolvedTenant
	case viewing.OutcomeHunter:
		return StatusResolvedHunter
	default:
		return StatusResolvedSplit
	}
}

// MaxEvidence caps evidence links per statement.
const MaxEvidence = 10

// Dispute is a case opened against a booking.
type Dispute struct {
	ID                   string     `json:"id"`
	BookingID            string     `json:"bookingId"`
	HoldID               string     `json:"holdId"`
	TenantID             string     `json:"tenantId"`
	HunterID             string     `json:"hunterId"`
	RaisedBy             string     `json:"raisedBy"`
	Reason               string     `json:"reason"`
	EvidenceURLs         []string   `json:"evidenceUrls"`
	Response             string     `json:"response,omitempty"`
	ResponseEvidenceURLs []string   `json:"responseEvidenceUrls,omitempty"`
	Status               Status     `json:"status"`
	AdjudicatorID        string     `json:"adjudicatorId,omitempty"`
	ResolutionAmount     string     `json:"resolutionAmount,omitempty"`
	ResolutionNote       string     `json:"resolutionNote,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	ResolvedAt           *time.Time `json:"resolvedAt,omitempty"`
}

// IsParty reports whether actorID is the tenant or hunter of the booking.
func (d *Dispute) IsParty(actorID string) bool {
	return actorID == d.TenantID || actorID == d.HunterID
}

// Store persists disputes.
type Store interface {
	// Create fails with ErrDuplicate if the booking has an unresolved
	// dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update is optimistic on Version and increments it on success.
	Update(ctx context.Context, d *Dispute) error
	FindUnresolved(ctx context.Context, bookingID string) (*Dispute, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error)
}

// OpenCommand opens a dispute.
type OpenCommand struct {
	BookingID    string   `json:"-"`
	ActorID      string   `json:"-"`
	Reason       string   `json:"reason"`
	EvidenceURLs []string `json:"evidenceUrls,omitempty"`
}

// Validate normalizes the command.
func (c *OpenCommand) Validate() error {
	if c.BookingID == "" || c.ActorID == "" {
		return apperr.Validation("booking and actor are required")
	}
	c.Reason = validation.SanitizeString(c.Reason, validation.MaxStringLength)
	if c.Reason == "" {
		return apperr.Validation("reason is required")
	}
	urls, err := cleanEvidence(c.EvidenceURLs)
	c.EvidenceURLs = urls
	return err
}

// RespondCommand adds the other party's statement.
type RespondCommand struct {
	DisputeID    string   `json:"-"`
	ActorID      string   `json:"-"`
	Response     string   `json:"response"`
	EvidenceURLs []string `json:"evidenceUrls,omitempty"`
}

// Validate normalizes the command.
func (c *RespondCommand) Validate() error {
	if c.DisputeID == "" || c.ActorID == "" {
		return apperr.Validation("dispute and actor are required")
	}
	c.Response = validation.SanitizeString(c.Response, validation.MaxStringLength)
	if c.Response == "" {
		return apperr.Validation("response is required")
	}
	urls, err := cleanEvidence(c.EvidenceURLs)
	c.EvidenceURLs = urls
	return err
}

// ResolveCommand records an adjudicator's decision. ResolutionAmount is
// the tenant's share and is required for a split.
type ResolveCommand struct {
	DisputeID        string          `json:"-"`
	AdjudicatorID    string          `json:"-"`
	Outcome          viewing.Outcome `json:"outcome"`
	ResolutionAmount string          `json:"resolutionAmount,omitempty"`
	Note             string          `json:"note,omitempty"`
}

// Validate normalizes the command.
func (c *ResolveCommand) Validate() error {
	if c.DisputeID == "" || c.AdjudicatorID == "" {
		return apperr.Validation("dispute and adjudicator are required")
	}
	if !c.Outcome.Valid() {
		return apperr.Validation("outcome must be TENANT, HUNTER or SPLIT")
	}
	switch {
	case c.Outcome == viewing.OutcomeSplit:
		amount, ok := money.Normalize(c.ResolutionAmount)
		if !ok {
			return apperr.Validation("split requires a resolutionAmount")
		}
		c.ResolutionAmount = amount
	case c.ResolutionAmount != "":
		return apperr.Validation("resolutionAmount applies only to a split")
	}
	c.Note = validation.SanitizeString(c.Note, validation.MaxStringLength)
	return nil
}

func cleanEvidence(urls []string) ([]string, error) {
	if len(urls) > MaxEvidence {
		return nil, apperr.Validation("too many evidence links")
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = validation.SanitizeString(u, validation.MaxStringLength); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}
