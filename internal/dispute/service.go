package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/escrow"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/syncutil"
	"github.com/viewpay/viewpay/internal/viewing"
)

// Bookings is the booking side a dispute freezes and settles.
type Bookings interface {
	GetBooking(ctx context.Context, id string) (*viewing.Booking, error)
	MarkDisputed(ctx context.Context, bookingID, actorID string) (*viewing.Booking, error)
	ResolveDispute(ctx context.Context, bookingID string, outcome viewing.Outcome, tenantAmount string) (*viewing.Booking, *escrow.Settlement, error)
}

// Adjudicators reports who may review and resolve disputes.
type Adjudicators interface {
	IsAdjudicator(ctx context.Context, actorID string) (bool, error)
}

// Service runs the dispute process.
type Service struct {
	store        Store
	bookings     Bookings
	adjudicators Adjudicators
	locks        syncutil.Locker
	events       events.Publisher
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, bookings Bookings, adjudicators Adjudicators, locks syncutil.Locker, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		bookings:     bookings,
		adjudicators: adjudicators,
		locks:        locks,
		events:       events.Discard{},
		logger:       logger,
		now:          time.Now,
	}
}

// WithEvents sets the event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func lockKey(bookingID string) string { return "dispute:" + bookingID }

// Open raises a dispute on a booking and freezes its deposit. It fails with
// HOLD_ALREADY_SETTLED if the deposit was already paid out.
func (s *Service) Open(ctx context.Context, cmd OpenCommand) (*Dispute, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, lockKey(cmd.BookingID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.bookings.GetBooking(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if _, ok := b.Party(cmd.ActorID); !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	if open, err := s.store.FindUnresolved(ctx, b.ID); err == nil {
		return nil, apperr.Newf(apperr.CodeDisputeAlreadyOpen, "dispute %s is already open for this booking", open.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Idempotent on a booking already marked DISPUTED, so a retry after a
	// failed insert below recovers.
	if b, err = s.bookings.MarkDisputed(ctx, b.ID, cmd.ActorID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:           idgen.WithPrefix("dsp_"),
		BookingID:    b.ID,
		HoldID:       b.EscrowRef,
		TenantID:     b.TenantID,
		HunterID:     b.HunterID,
		RaisedBy:     cmd.ActorID,
		Reason:       cmd.Reason,
		EvidenceURLs: cmd.EvidenceURLs,
		Status:       StatusOpen,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		s.logger.Error("booking disputed but dispute not recorded", "booking_id", b.ID, "error", err)
		return nil, storeErr(err)
	}

	s.publish(ctx, events.DisputeOpened, d, map[string]any{
		"raisedBy": d.RaisedBy,
		"reason":   d.Reason,
	})
	return d, nil
}

// Respond records the other party's statement while the dispute is open
// or under review. A later response replaces the earlier one.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (*Dispute, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	d, unlock, err := s.lock(ctx, cmd.DisputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !d.IsParty(cmd.ActorID) {
		return nil, apperr.NotAuthorized("not a party to this dispute")
	}
	if cmd.ActorID == d.RaisedBy {
		return nil, apperr.NotAuthorized("only the other party can respond")
	}
	if d.Status.Resolved() {
		return nil, apperr.InvalidState(fmt.Sprintf("dispute is already %s", d.Status))
	}

	d.Response = cmd.Response
	d.ResponseEvidenceURLs = cmd.EvidenceURLs
	d.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, storeErr(err)
	}
	s.publish(ctx, events.DisputeResponded, d, map[string]any{"respondedBy": cmd.ActorID})
	return d, nil
}

// StartReview assigns the dispute to an adjudicator.
func (s *Service) StartReview(ctx context.Context, disputeID, adjudicatorID string) (*Dispute, error) {
	if err := s.requireAdjudicator(ctx, adjudicatorID); err != nil {
		return nil, err
	}
	d, unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch d.Status {
	case StatusOpen:
	case StatusUnderReview:
		if d.AdjudicatorID == adjudicatorID {
			return d, nil
		}
		return nil, apperr.Conflict("dispute is under review by another adjudicator")
	default:
		return nil, apperr.InvalidState(fmt.Sprintf("dispute is already %s", d.Status))
	}

	d.Status = StatusUnderReview
	d.AdjudicatorID = adjudicatorID
	d.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, storeErr(err)
	}
	s.publish(ctx, events.DisputeUnderReview, d, map[string]any{"adjudicatorId": adjudicatorID})
	return d, nil
}

// Resolve settles the deposit per the adjudicator's decision and closes
// the dispute.
func (s *Service) Resolve(ctx context.Context, cmd ResolveCommand) (*Dispute, *escrow.Settlement, error) {
	if err := cmd.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.requireAdjudicator(ctx, cmd.AdjudicatorID); err != nil {
		return nil, nil, err
	}
	d, unlock, err := s.lock(ctx, cmd.DisputeID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if d.Status != StatusUnderReview {
		return nil, nil, apperr.InvalidState(fmt.Sprintf("cannot resolve a %s dispute", d.Status))
	}
	if d.AdjudicatorID != cmd.AdjudicatorID {
		return nil, nil, apperr.NotAuthorized("dispute is assigned to another adjudicator")
	}

	_, st, err := s.bookings.ResolveDispute(ctx, d.BookingID, cmd.Outcome, cmd.ResolutionAmount)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	d.Status = resolvedStatus(cmd.Outcome)
	d.ResolutionAmount = cmd.ResolutionAmount
	d.ResolutionNote = cmd.Note
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		s.logger.Error("CRITICAL: deposit settled but dispute not closed",
			"dispute_id", d.ID, "booking_id", d.BookingID, "outcome", cmd.Outcome, "error", err)
		return nil, nil, storeErr(err)
	}

	s.publish(ctx, events.DisputeResolved, d, map[string]any{
		"outcome":          cmd.Outcome,
		"hunterAmount":     st.HunterAmount,
		"commissionAmount": st.CommissionAmount,
		"refundAmount":     st.RefundAmount,
	})
	return d, st, nil
}

// Get returns a dispute to a party or an adjudicator.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Dispute, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, d, actorID); err != nil {
		return nil, err
	}
	return d, nil
}

// GetByBooking returns the unresolved dispute of a booking, or its most
// recent one.
func (s *Service) GetByBooking(ctx context.Context, bookingID, actorID string) (*Dispute, error) {
	d, err := s.store.FindUnresolved(ctx, bookingID)
	if errors.Is(err, ErrNotFound) {
		var all []*Dispute
		if all, err = s.store.ListByBooking(ctx, bookingID); err == nil {
			if len(all) == 0 {
				return nil, apperr.NotFound("no dispute for this booking")
			}
			d = all[len(all)-1]
		}
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if err := s.canRead(ctx, d, actorID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) lock(ctx context.Context, id string) (*Dispute, func(), error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, lockKey(d.BookingID))
	if err != nil {
		return nil, nil, err
	}
	if d, err = s.get(ctx, id); err != nil {
		unlock()
		return nil, nil, err
	}
	return d, unlock, nil
}

func (s *Service) canRead(ctx context.Context, d *Dispute, actorID string) error {
	if d.IsParty(actorID) {
		return nil
	}
	return s.requireAdjudicator(ctx, actorID)
}

func (s *Service) requireAdjudicator(ctx context.Context, actorID string) error {
	ok, err := s.adjudicators.IsAdjudicator(ctx, actorID)
	if err != nil {
		return fmt.Errorf("failed to check adjudicator role: %w", err)
	}
	if !ok {
		return apperr.NotAuthorized("adjudicator role required")
	}
	return nil
}

func (s *Service) get(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return d, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, d *Dispute, data map[string]any) {
	data["bookingId"] = d.BookingID
	data["status"] = d.Status
	metrics.DisputesTotal.WithLabelValues(string(d.Status)).Inc()
	s.events.Publish(ctx, events.New(t, d.ID, []string{d.TenantID, d.HunterID}, data))
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, "dispute not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(err, apperr.CodeConflict, "dispute changed concurrently")
	case errors.Is(err, ErrDuplicate):
		return apperr.Wrap(err, apperr.CodeDisputeAlreadyOpen, "booking already has an open dispute")
	default:
		return err
	}
}
