package reschedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/syncutil"
	"github.com/viewpay/viewpay/internal/viewing"
)

// Bookings is the booking side a reschedule reads and moves.
type Bookings interface {
	GetBooking(ctx context.Context, id string) (*viewing.Booking, error)
	ApplyReschedule(ctx context.Context, bookingID string, date time.Time, location string) (*viewing.Booking, error)
}

// Service runs the reschedule protocol.
type Service struct {
	store    Store
	bookings Bookings
	locks    syncutil.Locker
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
}

// NewService creates a reschedule service. A non-positive ttl uses DefaultTTL.
func NewService(store Store, bookings Bookings, locks syncutil.Locker, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:    store,
		bookings: bookings,
		locks:    locks,
		events:   events.Discard{},
		logger:   logger,
		now:      time.Now,
		ttl:      ttl,
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

func lockKey(bookingID string) string { return "reschedule:" + bookingID }

// Propose opens a proposal on a scheduled booking.
func (s *Service) Propose(ctx context.Context, cmd ProposeCommand) (*Request, error) {
	now := s.now().UTC()
	if err := cmd.Validate(now); err != nil {
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
	party, ok := b.Party(cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	if b.Status != viewing.BookingScheduled {
		return nil, apperr.InvalidState(fmt.Sprintf("cannot reschedule a %s booking", b.Status))
	}
	if cmd.NewDate.Equal(b.ScheduledDate) && (cmd.Location == "" || cmd.Location == b.MeetingLocation) {
		return nil, apperr.Validation("proposal matches the current schedule")
	}

	pending, err := s.store.FindPending(ctx, b.ID)
	switch {
	case err == nil && pending.Expired(now):
		if err := s.expire(ctx, pending, now); err != nil {
			return nil, err
		}
	case err == nil:
		return nil, apperr.Newf(apperr.CodeAlreadyPending, "reschedule %s is awaiting a response", pending.ID)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	r := &Request{
		ID:               idgen.WithPrefix("rs_"),
		BookingID:        b.ID,
		ProposedBy:       party,
		ProposerID:       cmd.ActorID,
		ProposedDate:     cmd.NewDate,
		ProposedLocation: cmd.Location,
		Reason:           cmd.Reason,
		Status:           StatusPending,
		ExpiresAt:        now.Add(s.ttl),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, events.RescheduleProposed, r, b, map[string]any{
		"proposedDate":     r.ProposedDate,
		"proposedLocation": r.ProposedLocation,
		"expiresAt":        r.ExpiresAt,
	})
	return r, nil
}

// Respond accepts or rejects a proposal. Only the party that did not
// propose may answer; an expired proposal is closed and reported as a
// conflict.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (*Request, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	r, err := s.get(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, lockKey(r.BookingID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r, err = s.get(ctx, cmd.ID); err != nil {
		return nil, err
	}
	b, err := s.bookings.GetBooking(ctx, r.BookingID)
	if err != nil {
		return nil, err
	}
	party, ok := b.Party(cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	if party == r.ProposedBy {
		return nil, apperr.NotAuthorized("only the other party can answer this proposal")
	}
	if r.Status != StatusPending {
		return nil, apperr.InvalidState(fmt.Sprintf("reschedule is already %s", r.Status))
	}

	now := s.now().UTC()
	if r.Expired(now) {
		if err := s.expire(ctx, r, now); err != nil {
			return nil, err
		}
		if r.Status == StatusAccepted {
			return r, nil
		}
		return nil, apperr.Conflict("reschedule proposal has expired")
	}

	evType := events.RescheduleRejected
	r.Status = StatusRejected
	if cmd.Accept {
		if b, err = s.bookings.ApplyReschedule(ctx, b.ID, r.ProposedDate, r.ProposedLocation); err != nil {
			return nil, err
		}
		r.Status = StatusAccepted
		evType = events.RescheduleAccepted
	}
	r.RespondedAt = &now
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		if cmd.Accept {
			s.logger.Error("booking moved but reschedule not closed",
				"reschedule_id", r.ID, "booking_id", r.BookingID, "error", err)
		}
		return nil, storeErr(err)
	}

	s.publish(ctx, evType, r, b, map[string]any{"respondedBy": party})
	return r, nil
}

// ExpireDue closes pending proposals past their deadline and returns how
// many it expired. Proposals answered in the meantime are left alone.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range due {
		ok, err := s.expireOne(ctx, r.ID, r.BookingID, now)
		if err != nil {
			s.logger.Warn("failed to expire reschedule", "reschedule_id", r.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id, bookingID string, now time.Time) (bool, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(bookingID))
	if err != nil {
		return false, err
	}
	defer unlock()

	r, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}
	if !r.Expired(now) {
		return false, nil
	}
	if err := s.expire(ctx, r, now); err != nil {
		return false, err
	}
	return r.Status == StatusExpired, nil
}

// expire marks r EXPIRED. A proposal whose booking already carries the
// proposed schedule was accepted by a response that failed to close it, so
// it is closed as ACCEPTED instead. Caller holds the booking's reschedule
// lock.
func (s *Service) expire(ctx context.Context, r *Request, now time.Time) error {
	b, err := s.bookings.GetBooking(ctx, r.BookingID)
	if err == nil && applied(b, r) {
		r.Status = StatusAccepted
		r.RespondedAt = &now
		r.UpdatedAt = now
		if err := s.store.Update(ctx, r); err != nil {
			return storeErr(err)
		}
		s.logger.Info("closed reschedule already applied to booking", "reschedule_id", r.ID, "booking_id", b.ID)
		s.publish(ctx, events.RescheduleAccepted, r, b, map[string]any{})
		return nil
	}

	r.Status = StatusExpired
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return storeErr(err)
	}
	recipients := []string{r.ProposerID}
	if b != nil {
		recipients = []string{b.TenantID, b.HunterID}
	}
	s.events.Publish(ctx, events.New(events.RescheduleExpired, r.ID, recipients, map[string]any{
		"bookingId": r.BookingID,
	}))
	return nil
}

// applied reports whether b was moved to r's schedule after r was made.
func applied(b *viewing.Booking, r *Request) bool {
	if !b.ScheduledDate.Equal(r.ProposedDate) || b.UpdatedAt.Before(r.CreatedAt) {
		return false
	}
	return r.ProposedLocation == "" || r.ProposedLocation == b.MeetingLocation
}

// Get returns a proposal if actorID is a party to its booking.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Request, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, r.BookingID, actorID); err != nil {
		return nil, err
	}
	return r, nil
}

// ListByBooking returns a booking's proposals, oldest first.
func (s *Service) ListByBooking(ctx context.Context, bookingID, actorID string) ([]*Request, error) {
	if err := s.authorize(ctx, bookingID, actorID); err != nil {
		return nil, err
	}
	return s.store.ListByBooking(ctx, bookingID)
}

func (s *Service) authorize(ctx context.Context, bookingID, actorID string) error {
	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if _, ok := b.Party(actorID); !ok {
		return apperr.NotAuthorized("not a party to this booking")
	}
	return nil
}

func (s *Service) get(ctx context.Context, id string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, r *Request, b *viewing.Booking, data map[string]any) {
	data["bookingId"] = r.BookingID
	data["proposedBy"] = r.ProposedBy
	data["status"] = r.Status
	metrics.ReschedulesTotal.WithLabelValues(string(r.Status)).Inc()
	s.events.Publish(ctx, events.New(t, r.ID, []string{b.TenantID, b.HunterID}, data))
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, "reschedule request not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(err, apperr.CodeConflict, "reschedule request changed concurrently")
	case errors.Is(err, ErrDuplicate):
		return apperr.Wrap(err, apperr.CodeAlreadyPending, "booking already has a pending reschedule")
	default:
		return err
	}
}
