package viewing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/directory"
	"github.com/viewpay/viewpay/internal/escrow"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/negotiation"
	"github.com/viewpay/viewpay/internal/pagination"
	"github.com/viewpay/viewpay/internal/syncutil"
)

// Escrow is the subset of the escrow ledger the lifecycle drives.
type Escrow interface {
	Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Hold, error)
	Get(ctx context.Context, id string) (*escrow.Hold, error)
	Release(ctx context.Context, req escrow.ReleaseRequest) (*escrow.Settlement, error)
	Refund(ctx context.Context, req escrow.RefundRequest) (*escrow.Settlement, error)
	Split(ctx context.Context, req escrow.SplitRequest) (*escrow.Settlement, error)
	MarkDisputed(ctx context.Context, holdID string) (*escrow.Hold, error)
}

// Config holds lifecycle policy.
type Config struct {
	CommissionRate       string
	Negotiation          negotiation.Policy
	CancelCutoff         time.Duration
	LateCancelForfeitPct int64
}

// DefaultConfig returns 15% commission, 5 rounds, a ±50% band, a 24h
// cancellation cutoff and a 50% late-cancellation forfeit.
func DefaultConfig() Config {
	return Config{
		CommissionRate:       "0.15",
		Negotiation:          negotiation.DefaultPolicy(),
		CancelCutoff:         24 * time.Hour,
		LateCancelForfeitPct: 50,
	}
}

// Service implements the viewing request lifecycle.
type Service struct {
	store     Store
	escrow    Escrow
	directory directory.Directory
	locks     syncutil.Locker
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
}

// NewService creates a viewing service.
func NewService(store Store, esc Escrow, dir directory.Directory, locks syncutil.Locker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		escrow:    esc,
		directory: dir,
		locks:     locks,
		events:    events.Discard{},
		logger:    logger,
		now:       time.Now,
		cfg:       cfg,
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

// LockKey is the per-request lock. Other packages that touch a booking
// take it after their own lock.
func LockKey(requestID string) string { return "viewing:" + requestID }

// CreateRequest places the deposit hold and opens a PENDING request.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*ViewingRequest, error) {
	now := s.now().UTC()
	if err := cmd.Validate(now); err != nil {
		return nil, err
	}
	if cmd.RequestID != "" && !idgen.Valid("vr_", cmd.RequestID) {
		return nil, apperr.Validation("requestId is malformed")
	}

	hunterID, err := s.directory.HunterForProperty(ctx, cmd.PropertyID)
	if errors.Is(err, directory.ErrPropertyNotFound) {
		return nil, apperr.Wrap(err, apperr.CodePropertyNotFound, "property not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve property owner: %w", err)
	}
	if hunterID == cmd.TenantID {
		return nil, apperr.Validation("cannot request a viewing of your own property")
	}

	unlock, err := s.locks.Lock(ctx, "tenantprop:"+cmd.TenantID+":"+cmd.PropertyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id := cmd.RequestID
	if id == "" {
		id = idgen.WithPrefix("vr_")
	} else if existing, err := s.store.Get(ctx, id); err == nil {
		if existing.TenantID != cmd.TenantID || existing.PropertyID != cmd.PropertyID {
			return nil, apperr.Conflict("request id already used for another request")
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if active, err := s.store.FindActive(ctx, cmd.TenantID, cmd.PropertyID); err == nil {
		return nil, apperr.Newf(apperr.CodeDuplicateRequest, "request %s for this property is still open", active.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hold, err := s.escrow.Hold(ctx, escrow.HoldRequest{
		PayerID:          cmd.TenantID,
		Amount:           cmd.Price,
		IdempotencyKey:   id,
		ViewingRequestID: id,
		CommissionRate:   s.cfg.CommissionRate,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEscrowAuthFailed, "could not hold the viewing deposit")
	}
	if hold.State != escrow.StateHeld || hold.Amount != cmd.Price {
		// A retry whose earlier attempt already returned the deposit.
		return nil, apperr.New(apperr.CodeEscrowAuthFailed, "deposit for this request id is no longer held; retry with a new request id")
	}

	r := &ViewingRequest{
		ID:                id,
		TenantID:          cmd.TenantID,
		PropertyID:        cmd.PropertyID,
		HunterID:          hunterID,
		RequestedPrice:    cmd.Price,
		RequestedDate:     cmd.Date,
		RequestedLocation: cmd.Location,
		Status:            StatusPending,
		EscrowRef:         hold.ID,
		LastOfferBy:       negotiation.Tenant,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		s.voidHold(ctx, hold, cmd.TenantID)
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.Wrap(err, apperr.CodeDuplicateRequest, "an open request for this property already exists")
		}
		return nil, fmt.Errorf("failed to record viewing request: %w", err)
	}

	s.transition("NEW", StatusPending)
	s.publish(ctx, events.RequestCreated, r, map[string]any{
		"propertyId": r.PropertyID,
		"price":      r.RequestedPrice,
		"date":       r.RequestedDate,
		"tenantName": s.displayName(ctx, r.TenantID),
		"hunterName": s.displayName(ctx, r.HunterID),
	})
	return r, nil
}

// Counter records a counter-offer. The counter that reaches the round
// limit rejects the request and refunds the deposit.
func (s *Service) Counter(ctx context.Context, cmd CounterCommand) (*ViewingRequest, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, LockKey(cmd.RequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	party, ok := negotiation.PartyOf(r.TenantID, r.HunterID, cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this request")
	}
	if !r.Status.Negotiating() {
		return nil, apperr.InvalidState(fmt.Sprintf("cannot counter a %s request", r.Status))
	}

	now := s.now().UTC()
	out, err := s.cfg.Negotiation.Counter(r.negotiationState(), party, negotiation.Proposal{
		Price:    cmd.Price,
		Date:     cmd.Date,
		Location: cmd.Location,
	}, now)
	if apperr.HasCode(err, apperr.CodeRoundLimitExceeded) {
		if terr := s.terminate(ctx, r, StatusRejected, cmd.ActorID, "negotiation round limit reached", now); terr != nil {
			return nil, terr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	from := r.Status
	date := out.Offer.Date
	r.Status = StatusCountered
	r.CounteredPrice = out.Offer.Price
	r.CounteredDate = &date
	r.CounteredLocation = out.Offer.Location
	r.Round = out.Round
	r.OfferVersion = out.OfferVersion
	r.LastOfferBy = out.LastOfferBy
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		return nil, storeErr(err)
	}

	s.transition(from, r.Status)
	s.publish(ctx, events.RequestCountered, r, map[string]any{
		"by":           party,
		"round":        r.Round,
		"offerVersion": r.OfferVersion,
		"revised":      out.Revised,
		"price":        r.CounteredPrice,
		"date":         date,
		"location":     r.CounteredLocation,
	})
	return r, nil
}

// Accept accepts the current offer and materializes the booking.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*ViewingRequest, *Booking, error) {
	if err := cmd.Validate(); err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, LockKey(cmd.RequestID))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	r, err := s.get(ctx, cmd.RequestID)
	if err != nil {
		return nil, nil, err
	}
	party, ok := negotiation.PartyOf(r.TenantID, r.HunterID, cmd.ActorID)
	if !ok {
		return nil, nil, apperr.NotAuthorized("not a party to this request")
	}
	switch {
	case r.Status == StatusAccepted || r.Status == StatusCompleted:
		return nil, nil, apperr.Conflict("request was already accepted")
	case !r.Status.Negotiating():
		return nil, nil, apperr.InvalidState(fmt.Sprintf("cannot accept a %s request", r.Status))
	}
	if err := s.cfg.Negotiation.CanRespond(r.negotiationState(), party); err != nil {
		return nil, nil, err
	}
	if cmd.OfferVersion != nil && *cmd.OfferVersion != r.OfferVersion {
		return nil, nil, apperr.Newf(apperr.CodeStaleOffer,
			"offer changed (version %d, current %d); review the latest terms", *cmd.OfferVersion, r.OfferVersion)
	}

	now := s.now().UTC()
	offer := r.CurrentOffer()
	if !offer.Date.After(now) {
		return nil, nil, apperr.Validation("the offered viewing date has passed; counter with a new date")
	}
	if err := s.requireHeld(ctx, r.EscrowRef); err != nil {
		return nil, nil, err
	}

	from := r.Status
	finalDate := offer.Date
	r.Status = StatusAccepted
	r.FinalPrice = offer.Price
	r.FinalDate = &finalDate
	r.FinalLocation = offer.Location
	r.UpdatedAt = now

	b := &Booking{
		ID:               idgen.WithPrefix("bk_"),
		ViewingRequestID: r.ID,
		TenantID:         r.TenantID,
		HunterID:         r.HunterID,
		EscrowRef:        r.EscrowRef,
		Price:            offer.Price,
		ScheduledDate:    offer.Date,
		MeetingLocation:  offer.Location,
		Status:           BookingScheduled,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Accept(ctx, r, b); err != nil {
		return nil, nil, storeErr(err)
	}

	s.transition(from, r.Status)
	metrics.BookingTransitionsTotal.WithLabelValues(string(BookingScheduled)).Inc()
	s.publish(ctx, events.RequestAccepted, r, map[string]any{
		"bookingId":  b.ID,
		"finalPrice": r.FinalPrice,
		"finalDate":  finalDate,
		"location":   r.FinalLocation,
	})
	return r, b, nil
}

// Reject declines the current offer and refunds the deposit in full.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (*ViewingRequest, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, LockKey(cmd.RequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	party, ok := negotiation.PartyOf(r.TenantID, r.HunterID, cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this request")
	}
	if !r.Status.Negotiating() {
		return nil, apperr.InvalidState(fmt.Sprintf("cannot reject a %s request", r.Status))
	}
	if err := s.cfg.Negotiation.CanRespond(r.negotiationState(), party); err != nil {
		return nil, err
	}
	if err := s.terminate(ctx, r, StatusRejected, cmd.ActorID, cmd.Reason, s.now().UTC()); err != nil {
		return nil, err
	}
	return r, nil
}

// Cancel withdraws a request. Before acceptance either party may cancel
// with a full refund. After acceptance the booking must still be scheduled
// and in the future; a tenant inside the cutoff window forfeits part of the
// deposit to the hunter.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*ViewingRequest, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, LockKey(cmd.RequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	party, ok := negotiation.PartyOf(r.TenantID, r.HunterID, cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this request")
	}

	now := s.now().UTC()
	switch {
	case r.Status.Negotiating():
		if err := s.terminate(ctx, r, StatusCancelled, cmd.ActorID, cmd.Reason, now); err != nil {
			return nil, err
		}
		return r, nil
	case r.Status == StatusAccepted:
		if err := s.cancelAccepted(ctx, r, party, cmd, now); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, apperr.InvalidState(fmt.Sprintf("cannot cancel a %s request", r.Status))
	}
}

func (s *Service) cancelAccepted(ctx context.Context, r *ViewingRequest, party negotiation.Party, cmd CancelCommand, now time.Time) error {
	b, err := s.bookingForRequest(ctx, r.ID)
	if err != nil {
		return err
	}
	if b.Status != BookingScheduled {
		return apperr.InvalidState(fmt.Sprintf("cannot cancel a %s booking", b.Status))
	}
	if !now.Before(b.ScheduledDate) {
		return apperr.New(apperr.CodeCutoffPassed, "the viewing time has passed")
	}

	req := escrow.RefundRequest{HoldID: r.EscrowRef, ToID: r.TenantID}
	forfeit := "0.00"
	if party == negotiation.Tenant && b.ScheduledDate.Sub(now) < s.cfg.CancelCutoff && s.cfg.LateCancelForfeitPct > 0 {
		price, ok1 := money.Parse(b.Price)
		held, ok2 := money.Parse(r.RequestedPrice)
		if !ok1 || !ok2 {
			return apperr.Invariant("booking amounts are unreadable")
		}
		if f := money.Min(money.Percent(price, s.cfg.LateCancelForfeitPct), held); f.Sign() > 0 {
			req.Amount = money.Format(money.Sub(held, f))
			req.ForfeitTo = r.HunterID
			forfeit = money.Format(f)
		}
	}
	st, err := s.escrow.Refund(ctx, req)
	if err != nil {
		return err
	}

	r.Status = StatusCancelled
	r.FinalPrice = ""
	r.FinalDate = nil
	r.FinalLocation = ""
	r.CancelledBy = cmd.ActorID
	r.CancelReason = cmd.Reason
	r.TerminalAt = &now
	r.UpdatedAt = now
	b.Status = BookingCancelled
	b.UpdatedAt = now
	if err := s.store.UpdateBoth(ctx, r, b); err != nil {
		s.logger.Error("CRITICAL: deposit settled but cancellation not recorded",
			"request_id", r.ID, "booking_id", b.ID, "error", err)
		return storeErr(err)
	}

	s.transition(StatusAccepted, StatusCancelled)
	metrics.BookingTransitionsTotal.WithLabelValues(string(BookingCancelled)).Inc()
	s.publish(ctx, events.RequestCancelled, r, map[string]any{
		"by":           party,
		"bookingId":    b.ID,
		"reason":       r.CancelReason,
		"forfeit":      forfeit,
		"refundAmount": st.RefundAmount,
	})
	return nil
}

// terminate refunds the deposit in full, then records the terminal state.
// Refunding first means a gateway failure leaves the request untouched.
func (s *Service) terminate(ctx context.Context, r *ViewingRequest, to Status, actorID, reason string, now time.Time) error {
	if _, err := s.escrow.Refund(ctx, escrow.RefundRequest{HoldID: r.EscrowRef, ToID: r.TenantID}); err != nil {
		return err
	}

	from := r.Status
	r.Status = to
	r.CancelledBy = actorID
	r.CancelReason = reason
	r.TerminalAt = &now
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r); err != nil {
		s.logger.Error("CRITICAL: deposit refunded but request not updated",
			"request_id", r.ID, "to", to, "error", err)
		return storeErr(err)
	}

	s.transition(from, to)
	evType := events.RequestRejected
	if to == StatusCancelled {
		evType = events.RequestCancelled
	}
	s.publish(ctx, evType, r, map[string]any{"by": actorID, "reason": reason})
	return nil
}

// ConfirmMeeting records that actor met the other party. The first
// confirmation starts the booking; the second completes it.
func (s *Service) ConfirmMeeting(ctx context.Context, cmd BookingCommand) (*Booking, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	r, b, unlock, err := s.lockBooking(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	party, ok := b.Party(cmd.ActorID)
	if !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	switch b.Status {
	case BookingScheduled, BookingInProgress:
	case BookingCompleted:
		return b, nil
	default:
		return nil, apperr.InvalidState(fmt.Sprintf("cannot confirm a %s booking", b.Status))
	}

	now := s.now().UTC()
	flag := &b.ConfirmedByTenant
	if party == negotiation.Hunter {
		flag = &b.ConfirmedByHunter
	}
	if !*flag {
		*flag = true
		if b.Status == BookingScheduled {
			b.Status = BookingInProgress
			metrics.BookingTransitionsTotal.WithLabelValues(string(BookingInProgress)).Inc()
		}
		b.UpdatedAt = now
		if err := s.store.UpdateBooking(ctx, b); err != nil {
			return nil, storeErr(err)
		}
		s.publish(ctx, events.BookingMeetingConfirmed, r, map[string]any{"bookingId": b.ID, "by": party})
	}

	if b.ConfirmedByTenant && b.ConfirmedByHunter {
		return s.complete(ctx, r, b, now)
	}
	return b, nil
}

// Complete finishes a booking both parties confirmed and releases the
// deposit. Calling it on a completed booking retries a pending release.
func (s *Service) Complete(ctx context.Context, cmd BookingCommand) (*Booking, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	r, b, unlock, err := s.lockBooking(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok := b.Party(cmd.ActorID); !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	switch b.Status {
	case BookingCompleted:
		if b.SettlementPending {
			_ = s.settle(ctx, b)
		}
		return b, nil
	case BookingScheduled, BookingInProgress:
		if !b.ConfirmedByTenant || !b.ConfirmedByHunter {
			return nil, apperr.InvalidState("both parties must confirm the meeting first")
		}
		return s.complete(ctx, r, b, s.now().UTC())
	default:
		return nil, apperr.InvalidState(fmt.Sprintf("cannot complete a %s booking", b.Status))
	}
}

// complete commits COMPLETED with a pending settlement, then releases.
// A failed release stays pending for the settlement sweeper.
func (s *Service) complete(ctx context.Context, r *ViewingRequest, b *Booking, now time.Time) (*Booking, error) {
	if err := s.requireHeld(ctx, b.EscrowRef); err != nil {
		return nil, err
	}

	r.Status = StatusCompleted
	r.TerminalAt = &now
	r.UpdatedAt = now
	b.Status = BookingCompleted
	b.SettlementPending = true
	b.CompletedAt = &now
	b.UpdatedAt = now
	if err := s.store.UpdateBoth(ctx, r, b); err != nil {
		return nil, storeErr(err)
	}

	s.transition(StatusAccepted, StatusCompleted)
	metrics.BookingTransitionsTotal.WithLabelValues(string(BookingCompleted)).Inc()
	s.publish(ctx, events.RequestCompleted, r, map[string]any{"bookingId": b.ID})

	_ = s.settle(ctx, b)
	return b, nil
}

// settle releases the booking price to the hunter and clears the pending
// flag. A deposit disputed in the meantime is never released here; the
// booking is moved to DISPUTED to match it. Caller holds the request lock.
func (s *Service) settle(ctx context.Context, b *Booking) error {
	hold, err := s.escrow.Get(ctx, b.EscrowRef)
	if err != nil {
		s.logger.Warn("failed to load deposit; settlement left pending",
			"booking_id", b.ID, "hold_id", b.EscrowRef, "error", err)
		return err
	}
	switch {
	case hold.State == escrow.StateDisputedHeld:
		return s.restoreDispute(ctx, b)
	case hold.IsTerminal() && hold.SettledBy != escrow.OpRelease:
		return apperr.Newf(apperr.CodeHoldAlreadySettled, "deposit is already %s", hold.State)
	}

	st, err := s.escrow.Release(ctx, escrow.ReleaseRequest{HoldID: b.EscrowRef, ToID: b.HunterID, Amount: b.Price})
	if err != nil {
		s.logger.Warn("release failed; settlement left pending",
			"booking_id", b.ID, "hold_id", b.EscrowRef, "error", err)
		return err
	}
	b.SettlementPending = false
	b.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateBooking(ctx, b); err != nil {
		s.logger.Error("released deposit but failed to clear pending flag", "booking_id", b.ID, "error", err)
		return storeErr(err)
	}
	s.events.Publish(ctx, events.New(events.BookingCompleted, b.ID, []string{b.TenantID, b.HunterID}, map[string]any{
		"viewingRequestId": b.ViewingRequestID,
		"hunterAmount":     st.HunterAmount,
		"commissionAmount": st.CommissionAmount,
		"refundAmount":     st.RefundAmount,
	}))
	return nil
}

// restoreDispute finishes a dispute whose booking write was lost after the
// deposit moved to DISPUTED_HELD.
func (s *Service) restoreDispute(ctx context.Context, b *Booking) error {
	s.logger.Warn("deposit is disputed; moving booking to DISPUTED",
		"booking_id", b.ID, "hold_id", b.EscrowRef)
	b.PreDisputeStatus = b.Status
	b.Status = BookingDisputed
	b.SettlementPending = false
	b.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateBooking(ctx, b); err != nil {
		return storeErr(err)
	}
	metrics.BookingTransitionsTotal.WithLabelValues(string(BookingDisputed)).Inc()
	return apperr.InvalidState("deposit is under dispute")
}

// SettlePending retries the release of a completed booking. It is a no-op
// for bookings that are settled, disputed or not completed.
func (s *Service) SettlePending(ctx context.Context, bookingID string) error {
	_, b, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	if b.Status != BookingCompleted || !b.SettlementPending {
		return nil
	}
	return s.settle(ctx, b)
}

// ListPendingSettlement returns completed bookings awaiting release.
func (s *Service) ListPendingSettlement(ctx context.Context, limit int) ([]*Booking, error) {
	return s.store.ListPendingSettlement(ctx, limit)
}

// ApplyReschedule moves a scheduled booking to a new date and place.
func (s *Service) ApplyReschedule(ctx context.Context, bookingID string, date time.Time, location string) (*Booking, error) {
	r, b, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if b.Status != BookingScheduled {
		return nil, apperr.InvalidState(fmt.Sprintf("cannot reschedule a %s booking", b.Status))
	}
	now := s.now().UTC()
	if !date.After(now) {
		return nil, apperr.Validation("new date must be in the future")
	}

	date = date.UTC()
	b.ScheduledDate = date
	if location != "" {
		b.MeetingLocation = location
	}
	b.UpdatedAt = now
	r.FinalDate = &date
	r.FinalLocation = b.MeetingLocation
	r.UpdatedAt = now
	if err := s.store.UpdateBoth(ctx, r, b); err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, events.BookingRescheduled, r, map[string]any{
		"bookingId": b.ID,
		"date":      date,
		"location":  b.MeetingLocation,
	})
	return b, nil
}

// MarkDisputed freezes the deposit and moves the booking to DISPUTED.
// It fails with HOLD_ALREADY_SETTLED once the deposit has been paid out.
func (s *Service) MarkDisputed(ctx context.Context, bookingID, actorID string) (*Booking, error) {
	_, b, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok := b.Party(actorID); !ok {
		return nil, apperr.NotAuthorized("not a party to this booking")
	}
	switch b.Status {
	case BookingScheduled, BookingInProgress, BookingCompleted:
	case BookingDisputed:
		return b, nil
	case BookingCancelled:
		hold, err := s.escrow.Get(ctx, b.EscrowRef)
		if err != nil {
			return nil, err
		}
		if hold.IsTerminal() {
			return nil, apperr.Newf(apperr.CodeHoldAlreadySettled, "deposit is already %s", hold.State)
		}
		return nil, apperr.InvalidState("cannot dispute a CANCELLED booking")
	default:
		return nil, apperr.InvalidState(fmt.Sprintf("cannot dispute a %s booking", b.Status))
	}

	if _, err := s.escrow.MarkDisputed(ctx, b.EscrowRef); err != nil {
		return nil, err
	}
	b.PreDisputeStatus = b.Status
	b.Status = BookingDisputed
	b.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateBooking(ctx, b); err != nil {
		return nil, storeErr(err)
	}
	metrics.BookingTransitionsTotal.WithLabelValues(string(BookingDisputed)).Inc()
	return b, nil
}

// ResolveDispute settles a disputed booking per an adjudicated outcome.
// tenantAmount is used only for a split.
func (s *Service) ResolveDispute(ctx context.Context, bookingID string, outcome Outcome, tenantAmount string) (*Booking, *escrow.Settlement, error) {
	if !outcome.Valid() {
		return nil, nil, apperr.Validation("unknown outcome")
	}
	r, b, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if b.Status != BookingDisputed {
		if st, ok := s.resolvedSettlement(ctx, b, outcome); ok {
			return b, st, nil
		}
		return nil, nil, apperr.InvalidState(fmt.Sprintf("cannot resolve a %s booking", b.Status))
	}

	var st *escrow.Settlement
	switch outcome {
	case OutcomeTenant:
		st, err = s.escrow.Refund(ctx, escrow.RefundRequest{HoldID: b.EscrowRef, ToID: b.TenantID})
	case OutcomeHunter:
		st, err = s.escrow.Release(ctx, escrow.ReleaseRequest{HoldID: b.EscrowRef, ToID: b.HunterID, Amount: b.Price})
	case OutcomeSplit:
		st, err = s.escrow.Split(ctx, escrow.SplitRequest{
			HoldID: b.EscrowRef, HunterID: b.HunterID, TenantID: b.TenantID, TenantAmount: tenantAmount,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	from := r.Status
	b.SettlementPending = false
	b.UpdatedAt = now
	r.UpdatedAt = now
	if outcome == OutcomeTenant {
		b.Status = BookingCancelled
		if r.Status == StatusAccepted {
			r.Status = StatusCancelled
			r.FinalPrice = ""
			r.FinalDate = nil
			r.FinalLocation = ""
			r.CancelReason = "dispute resolved for tenant"
			r.TerminalAt = &now
		}
	} else {
		b.Status = BookingCompleted
		if b.CompletedAt == nil {
			b.CompletedAt = &now
		}
		if r.Status == StatusAccepted {
			r.Status = StatusCompleted
			r.TerminalAt = &now
		}
	}
	if err := s.store.UpdateBoth(ctx, r, b); err != nil {
		s.logger.Error("CRITICAL: dispute settled but booking not updated",
			"booking_id", b.ID, "outcome", outcome, "error", err)
		return nil, nil, storeErr(err)
	}

	if from != r.Status {
		s.transition(from, r.Status)
	}
	metrics.BookingTransitionsTotal.WithLabelValues(string(b.Status)).Inc()
	return b, st, nil
}

// resolvedSettlement returns the settlement of a booking whose dispute was
// already settled with outcome, so a caller that lost its own write can
// finish.
func (s *Service) resolvedSettlement(ctx context.Context, b *Booking, outcome Outcome) (*escrow.Settlement, bool) {
	if b.PreDisputeStatus == "" {
		return nil, false
	}
	hold, err := s.escrow.Get(ctx, b.EscrowRef)
	if err != nil || !hold.IsTerminal() || hold.SettledBy != operationFor(outcome) {
		return nil, false
	}
	return escrow.SettlementOf(hold), true
}

func operationFor(o Outcome) escrow.Operation {
	switch o {
	case OutcomeTenant:
		return escrow.OpRefund
	case OutcomeHunter:
		return escrow.OpRelease
	default:
		return escrow.OpSplit
	}
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*ViewingRequest, error) {
	return s.get(ctx, id)
}

// GetBooking returns a booking by id.
func (s *Service) GetBooking(ctx context.Context, id string) (*Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "booking not found")
	}
	return b, err
}

// GetBookingByRequest returns the booking of an accepted request.
func (s *Service) GetBookingByRequest(ctx context.Context, requestID string) (*Booking, error) {
	return s.bookingForRequest(ctx, requestID)
}

// ListByTenant pages through a tenant's requests, newest first.
func (s *Service) ListByTenant(ctx context.Context, tenantID, cursor string, limit int) (pagination.Page[*ViewingRequest], error) {
	return s.list(ctx, cursor, limit, func(after *pagination.Cursor) ([]*ViewingRequest, error) {
		return s.store.ListByTenant(ctx, tenantID, after, limit+1)
	})
}

// ListByHunter pages through requests for a hunter's properties.
func (s *Service) ListByHunter(ctx context.Context, hunterID, cursor string, limit int) (pagination.Page[*ViewingRequest], error) {
	return s.list(ctx, cursor, limit, func(after *pagination.Cursor) ([]*ViewingRequest, error) {
		return s.store.ListByHunter(ctx, hunterID, after, limit+1)
	})
}

func (s *Service) list(_ context.Context, cursor string, limit int, fetch func(*pagination.Cursor) ([]*ViewingRequest, error)) (pagination.Page[*ViewingRequest], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*ViewingRequest]{}, err
	}
	items, err := fetch(after)
	if err != nil {
		return pagination.Page[*ViewingRequest]{}, err
	}
	return pagination.NewPage(items, limit, (*ViewingRequest).Cursor), nil
}

// lockBooking loads a booking, takes its request lock and re-reads both.
func (s *Service) lockBooking(ctx context.Context, bookingID string) (*ViewingRequest, *Booking, func(), error) {
	b, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := s.locks.Lock(ctx, LockKey(b.ViewingRequestID))
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := s.get(ctx, b.ViewingRequestID)
	if err == nil {
		b, err = s.GetBooking(ctx, bookingID)
	}
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return r, b, unlock, nil
}

func (s *Service) requireHeld(ctx context.Context, holdID string) error {
	hold, err := s.escrow.Get(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.Frozen {
		return apperr.Newf(apperr.CodeEntityFrozen, "deposit %s is frozen pending review", hold.ID)
	}
	if hold.State != escrow.StateHeld {
		return apperr.InvalidState(fmt.Sprintf("deposit is %s", hold.State))
	}
	return nil
}

func (s *Service) voidHold(ctx context.Context, hold *escrow.Hold, tenantID string) {
	if _, err := s.escrow.Refund(ctx, escrow.RefundRequest{HoldID: hold.ID, ToID: tenantID}); err != nil {
		s.logger.Error("CRITICAL: request not recorded and deposit refund failed",
			"hold_id", hold.ID, "error", err)
	}
}

func (s *Service) get(ctx context.Context, id string) (*ViewingRequest, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

func (s *Service) bookingForRequest(ctx context.Context, requestID string) (*Booking, error) {
	b, err := s.store.GetBookingByRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "booking not found")
	}
	return b, err
}

func (s *Service) transition(from, to Status) {
	metrics.ViewingTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (s *Service) publish(ctx context.Context, t events.Type, r *ViewingRequest, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = r.Status
	s.events.Publish(ctx, events.New(t, r.ID, []string{r.TenantID, r.HunterID}, data))
}

func (s *Service) displayName(ctx context.Context, actorID string) string {
	name, err := s.directory.DisplayName(ctx, actorID)
	if err != nil {
		return actorID
	}
	return name
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, "viewing request not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(err, apperr.CodeConflict, "viewing request changed concurrently; refetch and retry")
	case errors.Is(err, ErrDuplicate):
		return apperr.Wrap(err, apperr.CodeDuplicateRequest, "an open request for this property already exists")
	default:
		return err
	}
}
