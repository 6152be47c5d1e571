package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/payments"
	"github.com/viewpay/viewpay/internal/retry"
	"github.com/viewpay/viewpay/internal/syncutil"
	"github.com/viewpay/viewpay/internal/traces"
)

// Service implements the escrow ledger.
type Service struct {
	store   Store
	gateway payments.Gateway
	locks   syncutil.Locker
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time
	persist retry.Policy
}

// NewService creates an escrow service.
func NewService(store Store, gateway payments.Gateway, locks syncutil.Locker, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		locks:   locks,
		events:  events.Discard{},
		logger:  logger,
		now:     time.Now,
		persist: retry.Default,
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

// WithPersistPolicy overrides the retry policy used to record a settlement
// after the gateway has already moved funds.
func (s *Service) WithPersistPolicy(p retry.Policy) *Service {
	s.persist = p
	return s
}

func holdLockKey(id string) string { return "hold:" + id }

// Hold authorizes req.Amount at the gateway and records a HELD hold.
// Repeating an idempotency key returns the existing hold without touching
// the gateway.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.hold", traces.RequestID(req.ViewingRequestID), traces.Amount(req.Amount))
	defer span.End()

	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		return nil, apperr.Validation("hold amount must be a positive decimal with at most two fractional digits")
	}
	if req.IdempotencyKey == "" || req.PayerID == "" {
		return nil, apperr.Validation("payer and idempotency key are required")
	}
	if _, ok := money.ParseRate(req.CommissionRate); !ok {
		return nil, apperr.Validation("invalid commission rate")
	}

	unlock, err := s.locks.Lock(ctx, "holdkey:"+req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	auth, err := s.gateway.AuthorizeHold(ctx, payments.AuthorizeRequest{
		PayerID:   req.PayerID,
		Amount:    money.Format(amount),
		Reference: req.IdempotencyKey,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("hold", "gateway_error").Inc()
		return nil, asGatewayError(err)
	}

	now := s.now().UTC()
	h := &Hold{
		ID:               idgen.WithPrefix("hold_"),
		ViewingRequestID: req.ViewingRequestID,
		PayerID:          req.PayerID,
		Amount:           money.Format(amount),
		CommissionRate:   req.CommissionRate,
		State:            StateHeld,
		GatewayToken:     auth.Token,
		IdempotencyKey:   req.IdempotencyKey,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	entry := s.entry(h.ID, EntryHold, req.PayerID, amount, now)

	if err := s.store.Create(ctx, h, entry); err != nil {
		// Best-effort void so the payer's funds are not stranded.
		if _, vErr := s.gateway.Settle(ctx, payments.SettleRequest{
			Token:         auth.Token,
			ReleaseAmount: "0.00",
			RefundAmount:  h.Amount,
			Reference:     req.IdempotencyKey + ":void",
		}); vErr != nil {
			s.logger.Error("CRITICAL: hold authorized but not recorded and void failed",
				"reference", req.IdempotencyKey, "token", auth.Token, "error", vErr)
		}
		return nil, fmt.Errorf("failed to record hold: %w", err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues("hold", "ok").Inc()
	s.events.Publish(ctx, events.New(events.EscrowHeld, h.ID, []string{h.PayerID}, map[string]any{
		"viewingRequestId": h.ViewingRequestID,
		"amount":           h.Amount,
	}))
	return h, nil
}

// Release pays the hold out to req.ToID. Releasing an already released
// hold returns the prior settlement.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*Settlement, error) {
	if req.ToID == "" {
		return nil, apperr.Validation("release recipient is required")
	}
	return s.settle(ctx, req.HoldID, OpRelease, func(h *Hold, total *big.Int) (*plan, error) {
		captured := new(big.Int).Set(total)
		if req.Amount != "" {
			v, ok := money.ParsePositive(req.Amount)
			if !ok || v.Cmp(total) > 0 {
				return nil, apperr.New(apperr.CodeOfferOutOfBounds, "release amount must be positive and not exceed the held amount")
			}
			captured = v
		}
		commission := money.ApplyRate(captured, commissionBps(h))
		return &plan{
			state:      StateReleased,
			hunter:     money.Sub(captured, commission),
			commission: commission,
			refund:     money.Sub(total, captured),
			releasedTo: req.ToID,
			refundedTo: h.PayerID,
		}, nil
	})
}

// Refund returns the hold to req.ToID. Refunding an already refunded hold
// returns the prior settlement.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Settlement, error) {
	if req.ToID == "" {
		return nil, apperr.Validation("refund recipient is required")
	}
	return s.settle(ctx, req.HoldID, OpRefund, func(h *Hold, total *big.Int) (*plan, error) {
		refund := new(big.Int).Set(total)
		if req.Amount != "" {
			v, ok := money.Parse(req.Amount)
			if !ok || v.Cmp(total) > 0 {
				return nil, apperr.Validation("refund amount must not exceed the held amount")
			}
			refund = v
		}
		forfeit := money.Sub(total, refund)
		p := &plan{state: StateRefunded, refund: refund, refundedTo: req.ToID, hunter: new(big.Int), commission: new(big.Int)}
		if forfeit.Sign() > 0 {
			if req.ForfeitTo == "" {
				return nil, apperr.Validation("partial refund requires a forfeit recipient")
			}
			p.state = StatePartiallyRefunded
			p.forfeit = forfeit
			p.releasedTo = req.ForfeitTo
		}
		return p, nil
	})
}

// Split divides a hold between tenant and hunter.
func (s *Service) Split(ctx context.Context, req SplitRequest) (*Settlement, error) {
	if req.HunterID == "" || req.TenantID == "" {
		return nil, apperr.Validation("split requires both parties")
	}
	return s.settle(ctx, req.HoldID, OpSplit, func(h *Hold, total *big.Int) (*plan, error) {
		tenant, ok := money.Parse(req.TenantAmount)
		if !ok || tenant.Cmp(total) > 0 {
			return nil, apperr.New(apperr.CodeOfferOutOfBounds, "split amount must be between zero and the held amount")
		}
		released := money.Sub(total, tenant)
		commission := money.ApplyRate(released, commissionBps(h))
		state := StatePartiallyRefunded
		switch {
		case tenant.Sign() == 0:
			state = StateReleased
		case released.Sign() == 0:
			state = StateRefunded
		}
		return &plan{
			state:      state,
			hunter:     money.Sub(released, commission),
			commission: commission,
			refund:     tenant,
			releasedTo: req.HunterID,
			refundedTo: req.TenantID,
		}, nil
	})
}

// MarkDisputed moves a HELD hold to DISPUTED_HELD. It is idempotent on a
// hold that is already disputed.
func (s *Service) MarkDisputed(ctx context.Context, holdID string) (*Hold, error) {
	unlock, err := s.locks.Lock(ctx, holdLockKey(holdID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	switch {
	case h.State == StateDisputedHeld:
		return h, nil
	case h.IsTerminal():
		return nil, apperr.Newf(apperr.CodeHoldAlreadySettled, "hold %s is already %s", h.ID, h.State)
	}

	h.State = StateDisputedHeld
	h.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, h, nil); err != nil {
		return nil, storeErr(err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues("dispute", "ok").Inc()
	s.events.Publish(ctx, events.New(events.EscrowDisputed, h.ID, []string{h.PayerID}, map[string]any{
		"viewingRequestId": h.ViewingRequestID,
	}))
	return h, nil
}

// Get returns a hold by id.
func (s *Service) Get(ctx context.Context, id string) (*Hold, error) {
	return s.get(ctx, id)
}

// GetByRequest returns the hold backing a viewing request.
func (s *Service) GetByRequest(ctx context.Context, viewingRequestID string) (*Hold, error) {
	h, err := s.store.GetByRequest(ctx, viewingRequestID)
	if err != nil {
		return nil, storeErr(err)
	}
	return h, nil
}

// Entries returns the ledger lines of a hold.
func (s *Service) Entries(ctx context.Context, holdID string) ([]*Entry, error) {
	if _, err := s.get(ctx, holdID); err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, holdID)
}

// List pages through all holds ordered by id.
func (s *Service) List(ctx context.Context, afterID string, limit int) ([]*Hold, error) {
	return s.store.List(ctx, afterID, limit)
}

// plan is the computed payout of one settlement.
type plan struct {
	state      State
	hunter     *big.Int
	commission *big.Int
	refund     *big.Int
	forfeit    *big.Int
	releasedTo string
	refundedTo string
}

func (p *plan) captured() *big.Int {
	return money.Add(p.hunter, p.commission, p.forfeit)
}

func (s *Service) settle(ctx context.Context, holdID string, op Operation, compute func(*Hold, *big.Int) (*plan, error)) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.HoldID(holdID), traces.Operation(string(op)))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, holdLockKey(holdID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.get(ctx, holdID)
	if err != nil {
		return nil, err
	}

	if h.IsTerminal() {
		if h.SettledBy == op {
			return SettlementOf(h), nil
		}
		return nil, apperr.Newf(apperr.CodeHoldAlreadySettled, "hold %s is already %s", h.ID, h.State)
	}
	if h.Frozen {
		return nil, apperr.Newf(apperr.CodeEntityFrozen, "hold %s is frozen pending review", h.ID)
	}

	total, ok := money.Parse(h.Amount)
	if !ok {
		return nil, s.freeze(ctx, h, "stored amount is unparseable")
	}
	p, err := compute(h, total)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	legs := s.legs(h, p, now)

	existing, err := s.store.Entries(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	if reason := checkBalance(total, existing, legs); reason != "" {
		return nil, s.freeze(ctx, h, reason)
	}

	receipt, err := s.gateway.Settle(ctx, payments.SettleRequest{
		Token:         h.GatewayToken,
		ReleaseAmount: money.Format(p.captured()),
		RefundAmount:  money.Format(p.refund),
		Reference:     h.ID + ":" + string(op),
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(string(op), "gateway_error").Inc()
		return nil, asGatewayError(err)
	}

	h.State = p.state
	h.SettledBy = op
	h.ReleasedTo = p.releasedTo
	h.RefundedTo = p.refundedTo
	h.ReleasedAmount = money.Format(money.Add(p.hunter, p.forfeit))
	h.CommissionAmount = money.Format(p.commission)
	h.RefundedAmount = money.Format(p.refund)
	h.ReceiptID = receipt.ID
	h.SettledAt = &now
	h.UpdatedAt = now

	err = s.persist.Do(ctx, func() error {
		if err := s.store.Update(ctx, h, legs); err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		// Funds already moved at the gateway; the record must be repaired by hand.
		s.logger.Error("CRITICAL: hold settled at gateway but state update failed",
			"hold_id", h.ID, "operation", op, "receipt", receipt.ID, "error", err)
		metrics.EscrowOperationsTotal.WithLabelValues(string(op), "persist_error").Inc()
		return nil, apperr.Wrap(err, apperr.CodeInvariantViolation,
			"settlement recorded at gateway but not persisted (requires manual resolution)")
	}

	metrics.EscrowOperationsTotal.WithLabelValues(string(op), "ok").Inc()
	st := SettlementOf(h)
	evType := events.EscrowReleased
	if op == OpRefund {
		evType = events.EscrowRefunded
	}
	s.events.Publish(ctx, events.New(evType, h.ID, recipients(h), map[string]any{
		"viewingRequestId": h.ViewingRequestID,
		"state":            h.State,
		"hunterAmount":     st.HunterAmount,
		"commissionAmount": st.CommissionAmount,
		"refundAmount":     st.RefundAmount,
	}))
	return st, nil
}

func (s *Service) legs(h *Hold, p *plan, now time.Time) []*Entry {
	var out []*Entry
	add := func(kind EntryKind, party string, amount *big.Int) {
		if amount != nil && amount.Sign() > 0 {
			out = append(out, s.entry(h.ID, kind, party, amount, now))
		}
	}
	add(EntryRelease, p.releasedTo, p.hunter)
	add(EntryCommission, PlatformParty, p.commission)
	add(EntryForfeit, p.releasedTo, p.forfeit)
	add(EntryRefund, p.refundedTo, p.refund)
	return out
}

func (s *Service) entry(holdID string, kind EntryKind, party string, amount *big.Int, now time.Time) *Entry {
	return &Entry{
		ID:        idgen.WithPrefix("le_"),
		HoldID:    holdID,
		Kind:      kind,
		Party:     party,
		Amount:    money.Format(amount),
		CreatedAt: now,
	}
}

// freeze marks h frozen and returns the invariant error for the caller.
func (s *Service) freeze(ctx context.Context, h *Hold, reason string) error {
	h.Frozen = true
	h.FrozenReason = reason
	h.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, h, nil); err != nil {
		s.logger.Error("CRITICAL: failed to freeze inconsistent hold", "hold_id", h.ID, "error", err)
	}
	s.logger.Error("escrow invariant violated, hold frozen", "hold_id", h.ID, "reason", reason)
	metrics.InvariantViolationsTotal.WithLabelValues("escrow_hold").Inc()
	s.events.Publish(ctx, events.New(events.InvariantViolation, h.ID, nil, map[string]any{
		"entity": "escrow_hold",
		"reason": reason,
	}))
	return apperr.Newf(apperr.CodeInvariantViolation, "hold %s failed ledger balance check", h.ID)
}

// Freeze marks a hold frozen from outside a settlement, on an
// adjudicator's request.
func (s *Service) Freeze(ctx context.Context, holdID, reason string) error {
	unlock, err := s.locks.Lock(ctx, holdLockKey(holdID))
	if err != nil {
		return err
	}
	defer unlock()

	h, err := s.get(ctx, holdID)
	if err != nil {
		return err
	}
	if h.Frozen {
		return nil
	}
	_ = s.freeze(ctx, h, reason)
	return nil
}

// FreezeIf re-reads a hold and its entries under the hold lock and freezes
// it only when check still reports a reason. It returns that reason, or ""
// when the hold now balances or is already frozen.
func (s *Service) FreezeIf(ctx context.Context, holdID, source string, check func(*Hold, []*Entry) string) (string, error) {
	unlock, err := s.locks.Lock(ctx, holdLockKey(holdID))
	if err != nil {
		return "", err
	}
	defer unlock()

	h, err := s.get(ctx, holdID)
	if err != nil {
		return "", err
	}
	if h.Frozen {
		return "", nil
	}
	entries, err := s.store.Entries(ctx, h.ID)
	if err != nil {
		return "", err
	}
	reason := check(h, entries)
	if reason == "" {
		return "", nil
	}
	_ = s.freeze(ctx, h, source+": "+reason)
	return reason, nil
}

// checkBalance returns a reason when the ledger does not add up: the hold
// entry must equal the held amount and all payouts, existing and new, must
// sum to exactly that amount.
func checkBalance(total *big.Int, existing, legs []*Entry) string {
	in := new(big.Int)
	out := new(big.Int)
	for _, e := range append(append([]*Entry{}, existing...), legs...) {
		v, ok := money.Parse(e.Amount)
		if !ok {
			return fmt.Sprintf("entry %s has unparseable amount", e.ID)
		}
		if e.Kind == EntryHold {
			in.Add(in, v)
		} else {
			out.Add(out, v)
		}
	}
	if in.Cmp(total) != 0 {
		return fmt.Sprintf("hold entries total %s, expected %s", money.Format(in), money.Format(total))
	}
	if out.Cmp(total) != 0 {
		return fmt.Sprintf("payouts total %s, expected %s", money.Format(out), money.Format(total))
	}
	return ""
}

func (s *Service) get(ctx context.Context, id string) (*Hold, error) {
	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return h, nil
}

func commissionBps(h *Hold) int64 {
	bps, _ := money.ParseRate(h.CommissionRate)
	return bps
}

func recipients(h *Hold) []string {
	out := []string{h.PayerID}
	if h.ReleasedTo != "" && h.ReleasedTo != h.PayerID {
		out = append(out, h.ReleasedTo)
	}
	return out
}

func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, "escrow hold not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(err, apperr.CodeConflict, "escrow hold changed concurrently; retry")
	default:
		return err
	}
}

func asGatewayError(err error) error {
	return payments.Classify(err)
}
