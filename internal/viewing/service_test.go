package viewing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/directory"
	"github.com/viewpay/viewpay/internal/escrow"
	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/logging"
	"github.com/viewpay/viewpay/internal/payments"
	"github.com/viewpay/viewpay/internal/syncutil"
)

const (
	tenant   = "tenant_1"
	hunter   = "hunter_1"
	property = "prop_1"
)

type fixture struct {
	svc     *Service
	store   *failingStore
	escrow  *escrow.Service
	gateway *payments.SimulatedGateway
	dir     *directory.MemoryDirectory
	events  *events.Recorder
	locks   *syncutil.KeyedMutex

	mu  sync.Mutex
	now time.Time
}

// failingStore fails Create or UpdateBooking once when the matching error
// is set.
type failingStore struct {
	*MemoryStore
	createErr        error
	updateBookingErr error
}

func (f *failingStore) UpdateBooking(ctx context.Context, b *Booking) error {
	if f.updateBookingErr != nil {
		err := f.updateBookingErr
		f.updateBookingErr = nil
		return err
	}
	return f.MemoryStore.UpdateBooking(ctx, b)
}

func (f *failingStore) Create(ctx context.Context, r *ViewingRequest) error {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	return f.MemoryStore.Create(ctx, r)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	locks := syncutil.NewKeyedMutex()
	f.locks = locks
	f.gateway = payments.NewSimulatedGateway("10000.00")
	f.events = events.NewRecorder()
	f.escrow = escrow.NewService(escrow.NewMemoryStore(), f.gateway, locks, logging.Discard()).WithClock(f.clock)
	f.dir = directory.NewMemoryDirectory()
	f.dir.AddProperty(property, hunter)
	f.store = &failingStore{MemoryStore: NewMemoryStore()}
	f.svc = NewService(f.store, f.escrow, f.dir, locks, DefaultConfig(), logging.Discard()).
		WithEvents(f.events).
		WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fixture) in(d time.Duration) time.Time { return f.clock().Add(d) }

func (f *fixture) create(t *testing.T, price string) *ViewingRequest {
	t.Helper()
	r, err := f.svc.CreateRequest(context.Background(), CreateRequestCommand{
		TenantID:   tenant,
		PropertyID: property,
		Price:      price,
		Date:       f.in(72 * time.Hour),
		Location:   "12 Harbour St",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func (f *fixture) accepted(t *testing.T, price string) (*ViewingRequest, *Booking) {
	t.Helper()
	r := f.create(t, price)
	r, b, err := f.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: hunter})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return r, b
}

func (f *fixture) hold(t *testing.T, id string) *escrow.Hold {
	t.Helper()
	h, err := f.escrow.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	return h
}

func (f *fixture) confirmBoth(t *testing.T, bookingID string) *Booking {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: bookingID, ActorID: tenant}); err != nil {
		t.Fatalf("tenant confirm: %v", err)
	}
	b, err := f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: bookingID, ActorID: hunter})
	if err != nil {
		t.Fatalf("hunter confirm: %v", err)
	}
	return b
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	f.dir.SetDisplayName(tenant, "Ana")

	r := f.create(t, "2500")
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, hunter, r.HunterID)
	assert.Equal(t, "2500.00", r.RequestedPrice)
	assert.True(t, idgen.Valid("vr_", r.ID))

	h := f.hold(t, r.EscrowRef)
	assert.Equal(t, escrow.StateHeld, h.State)
	assert.Equal(t, "2500.00", h.Amount)
	assert.Equal(t, r.ID, h.ViewingRequestID)
	assert.Equal(t, "7500.00", f.gateway.Balance(tenant))

	require.True(t, f.events.Has(events.RequestCreated))
	for _, ev := range f.events.Events() {
		if ev.Type == events.RequestCreated {
			assert.ElementsMatch(t, []string{tenant, hunter}, ev.Recipients)
			assert.Equal(t, "Ana", ev.Data["tenantName"])
		}
	}
}

func TestCreateRequest_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "2500")

	_, err := f.svc.CreateRequest(context.Background(), CreateRequestCommand{
		TenantID: tenant, PropertyID: property, Price: "100", Date: f.in(48 * time.Hour),
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeDuplicateRequest), "got %v", err)
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestCreateRequest_RetryWithSameID(t *testing.T) {
	f := newFixture(t)
	cmd := CreateRequestCommand{
		RequestID: idgen.WithPrefix("vr_"), TenantID: tenant, PropertyID: property,
		Price: "2500", Date: f.in(72 * time.Hour),
	}
	first, err := f.svc.CreateRequest(context.Background(), cmd)
	require.NoError(t, err)
	second, err := f.svc.CreateRequest(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, cmd.RequestID, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.gateway.Calls())

	_, err = f.svc.CreateRequest(context.Background(), CreateRequestCommand{
		RequestID: "not-an-id", TenantID: tenant, PropertyID: property, Price: "1", Date: f.in(time.Hour),
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}

func TestCreateRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	f.dir.AddProperty("prop_gone", hunter)
	f.dir.TombstoneProperty("prop_gone")
	ctx := context.Background()
	future := f.in(24 * time.Hour)

	tests := []struct {
		name string
		cmd  CreateRequestCommand
		code apperr.Code
	}{
		{"unknown property", CreateRequestCommand{TenantID: tenant, PropertyID: "prop_x", Price: "10", Date: future}, apperr.CodePropertyNotFound},
		{"tombstoned property", CreateRequestCommand{TenantID: tenant, PropertyID: "prop_gone", Price: "10", Date: future}, apperr.CodePropertyNotFound},
		{"own property", CreateRequestCommand{TenantID: hunter, PropertyID: property, Price: "10", Date: future}, apperr.CodeValidation},
		{"zero price", CreateRequestCommand{TenantID: tenant, PropertyID: property, Price: "0", Date: future}, apperr.CodeValidation},
		{"three decimals", CreateRequestCommand{TenantID: tenant, PropertyID: property, Price: "1.001", Date: future}, apperr.CodeValidation},
		{"past date", CreateRequestCommand{TenantID: tenant, PropertyID: property, Price: "10", Date: f.in(-time.Hour)}, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateRequest(ctx, tt.cmd)
			assert.True(t, apperr.HasCode(err, tt.code), "got %v", err)
		})
	}
	assert.Equal(t, 0, f.gateway.Calls())
}

func TestCreateRequest_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetBalance(tenant, "100.00")

	_, err := f.svc.CreateRequest(context.Background(), CreateRequestCommand{
		TenantID: tenant, PropertyID: property, Price: "2500", Date: f.in(72 * time.Hour),
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeEscrowAuthFailed))
	assert.True(t, apperr.HasCode(err, apperr.CodeInsufficientFunds))

	_, err = f.store.FindActive(context.Background(), tenant, property)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRequest_StoreFailureVoidsHold(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("db down")

	_, err := f.svc.CreateRequest(context.Background(), CreateRequestCommand{
		TenantID: tenant, PropertyID: property, Price: "2500", Date: f.in(72 * time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, "10000.00", f.gateway.Balance(tenant))
}

// A counter above the held amount is out of bounds; one within it settles
// at the lower final price with the hold untouched until completion.
func TestScenarioA_CounterAboveHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")

	_, err := f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "3000"})
	assert.True(t, apperr.HasCode(err, apperr.CodeOfferOutOfBounds), "got %v", err)

	r, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "2000"})
	require.NoError(t, err)
	assert.Equal(t, StatusCountered, r.Status)
	assert.Equal(t, 1, r.Round)

	r, b, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant})
	require.NoError(t, err)
	assert.Equal(t, "2000.00", r.FinalPrice)
	assert.Equal(t, "2000.00", b.Price)
	assert.Equal(t, BookingScheduled, b.Status)

	h := f.hold(t, r.EscrowRef)
	assert.Equal(t, escrow.StateHeld, h.State)
	assert.Equal(t, "2500.00", h.Amount)
}

func TestScenarioB_BothConfirmReleasesWithCommission(t *testing.T) {
	f := newFixture(t)
	r, b := f.accepted(t, "2500")

	b, err := f.svc.ConfirmMeeting(context.Background(), BookingCommand{BookingID: b.ID, ActorID: tenant})
	require.NoError(t, err)
	assert.Equal(t, BookingInProgress, b.Status)
	assert.True(t, b.ConfirmedByTenant)

	b = f.confirmBoth(t, b.ID)
	assert.Equal(t, BookingCompleted, b.Status)
	assert.False(t, b.SettlementPending)

	h := f.hold(t, r.EscrowRef)
	assert.Equal(t, escrow.StateReleased, h.State)
	assert.Equal(t, "2125.00", h.ReleasedAmount)
	assert.Equal(t, "375.00", h.CommissionAmount)
	assert.Equal(t, "0.00", h.RefundedAmount)

	got, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, f.events.Has(events.BookingCompleted))
}

func TestComplete_CapturesFinalPriceOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")
	_, err := f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "2000"})
	require.NoError(t, err)
	_, b, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant})
	require.NoError(t, err)

	f.confirmBoth(t, b.ID)

	h := f.hold(t, r.EscrowRef)
	assert.Equal(t, escrow.StateReleased, h.State)
	assert.Equal(t, "1700.00", h.ReleasedAmount)
	assert.Equal(t, "300.00", h.CommissionAmount)
	assert.Equal(t, "500.00", h.RefundedAmount)
	assert.Equal(t, "8000.00", f.gateway.Balance(tenant))
}

func TestComplete_RequiresBothConfirmations(t *testing.T) {
	f := newFixture(t)
	_, b := f.accepted(t, "2500")

	_, err := f.svc.Complete(context.Background(), BookingCommand{BookingID: b.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState))

	_, err = f.svc.ConfirmMeeting(context.Background(), BookingCommand{BookingID: b.ID, ActorID: "stranger"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotAuthorized))
}

func TestScenarioC_LateTenantCancelForfeits(t *testing.T) {
	f := newFixture(t)
	r, b := f.accepted(t, "2500")
	f.setNow(b.ScheduledDate.Add(-2 * time.Hour))

	r, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant, Reason: "sick"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Empty(t, r.FinalPrice)
	assert.Nil(t, r.FinalDate)

	h := f.hold(t, r.EscrowRef)
	assert.Equal(t, escrow.StatePartiallyRefunded, h.State)
	assert.Equal(t, "1250.00", h.RefundedAmount)
	assert.Equal(t, "1250.00", h.ReleasedAmount)
	assert.Equal(t, hunter, h.ReleasedTo)
	assert.Equal(t, "0.00", h.CommissionAmount)
	assert.Equal(t, "8750.00", f.gateway.Balance(tenant))

	b, err = f.svc.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingCancelled, b.Status)
}

func TestCancel_EarlyOrByHunterRefundsInFull(t *testing.T) {
	t.Run("tenant outside cutoff", func(t *testing.T) {
		f := newFixture(t)
		r, _ := f.accepted(t, "2500")
		_, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant})
		require.NoError(t, err)
		assert.Equal(t, escrow.StateRefunded, f.hold(t, r.EscrowRef).State)
		assert.Equal(t, "10000.00", f.gateway.Balance(tenant))
	})
	t.Run("hunter inside cutoff", func(t *testing.T) {
		f := newFixture(t)
		r, b := f.accepted(t, "2500")
		f.setNow(b.ScheduledDate.Add(-time.Hour))
		_, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: hunter})
		require.NoError(t, err)
		assert.Equal(t, escrow.StateRefunded, f.hold(t, r.EscrowRef).State)
	})
}

func TestCancel_AfterViewingTime(t *testing.T) {
	f := newFixture(t)
	r, b := f.accepted(t, "2500")
	f.setNow(b.ScheduledDate.Add(time.Minute))

	_, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeCutoffPassed), "got %v", err)
	assert.Equal(t, escrow.StateHeld, f.hold(t, r.EscrowRef).State)
}

func TestCancel_GatewayFailureLeavesRequestOpen(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "2500")
	f.gateway.FailNext(errors.New("connection reset"))

	_, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeGatewayError), "got %v", err)

	got, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant})
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, f.hold(t, r.EscrowRef).State)
}

func TestScenarioD_DisputeAfterSettlement(t *testing.T) {
	f := newFixture(t)
	_, b := f.accepted(t, "2500")
	f.confirmBoth(t, b.ID)

	_, err := f.svc.MarkDisputed(context.Background(), b.ID, tenant)
	assert.True(t, apperr.HasCode(err, apperr.CodeHoldAlreadySettled), "got %v", err)

	b, err = f.svc.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingCompleted, b.Status)
}

func TestScenarioD_DisputeBeforeSettlementCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, b := f.accepted(t, "2500")
	_, err := f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: tenant})
	require.NoError(t, err)

	f.gateway.FailNext(errors.New("timeout"))
	b, err = f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: hunter})
	require.NoError(t, err)
	assert.Equal(t, BookingCompleted, b.Status)
	assert.True(t, b.SettlementPending)

	b, err = f.svc.MarkDisputed(ctx, b.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, BookingDisputed, b.Status)
	assert.Equal(t, BookingCompleted, b.PreDisputeStatus)
	assert.Equal(t, escrow.StateDisputedHeld, f.hold(t, r.EscrowRef).State)

	// The sweeper leaves disputed bookings alone.
	require.NoError(t, f.svc.SettlePending(ctx, b.ID))
	assert.Equal(t, escrow.StateDisputedHeld, f.hold(t, r.EscrowRef).State)
}

func TestDispute_LostBookingWriteBlocksRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, b := f.accepted(t, "2500")
	_, err := f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: tenant})
	require.NoError(t, err)
	f.gateway.FailNext(errors.New("timeout"))
	_, err = f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: hunter})
	require.NoError(t, err)

	f.store.updateBookingErr = errors.New("db down")
	_, err = f.svc.MarkDisputed(ctx, b.ID, tenant)
	require.Error(t, err)
	assert.Equal(t, escrow.StateDisputedHeld, f.hold(t, r.EscrowRef).State)

	timer := NewSettlementTimer(f.svc, time.Minute, logging.Discard())
	assert.Equal(t, 0, timer.Sweep(ctx))
	assert.Equal(t, escrow.StateDisputedHeld, f.hold(t, r.EscrowRef).State)

	b, err = f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BookingDisputed, b.Status)
	assert.Equal(t, BookingCompleted, b.PreDisputeStatus)
	assert.False(t, b.SettlementPending)

	_, err = f.svc.Complete(ctx, BookingCommand{BookingID: b.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState), "got %v", err)
	assert.Equal(t, escrow.StateDisputedHeld, f.hold(t, r.EscrowRef).State)
}

func TestDispute_CancelledBookingWithSettledDeposit(t *testing.T) {
	f := newFixture(t)
	r, b := f.accepted(t, "2500")
	f.setNow(b.ScheduledDate.Add(-2 * time.Hour))
	_, err := f.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, ActorID: tenant})
	require.NoError(t, err)
	require.Equal(t, escrow.StatePartiallyRefunded, f.hold(t, r.EscrowRef).State)

	_, err = f.svc.MarkDisputed(context.Background(), b.ID, tenant)
	assert.True(t, apperr.HasCode(err, apperr.CodeHoldAlreadySettled), "got %v", err)
}

func TestAccept_BusyRequestIsConflict(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "2500")
	unlock, err := f.locks.Lock(context.Background(), LockKey(r.ID))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: hunter})
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict), "got %v", err)
	assert.Equal(t, http.StatusConflict, apperr.Status(err))
}

func TestSettlementTimer_RetriesPendingRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, b := f.accepted(t, "2500")
	_, err := f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: tenant})
	require.NoError(t, err)
	f.gateway.FailNext(errors.New("timeout"))
	_, err = f.svc.ConfirmMeeting(ctx, BookingCommand{BookingID: b.ID, ActorID: hunter})
	require.NoError(t, err)

	timer := NewSettlementTimer(f.svc, time.Minute, logging.Discard())
	assert.Equal(t, 1, timer.Sweep(ctx))
	assert.Equal(t, 0, timer.Sweep(ctx))

	b, err = f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, b.SettlementPending)
	assert.Equal(t, escrow.StateReleased, f.hold(t, r.EscrowRef).State)
}

func TestAccept_ConcurrentOneWins(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "2500")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: hunter})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, apperr.HasCode(err, apperr.CodeConflict), "got %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestAccept_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")

	_, _, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotAuthorized), "tenant cannot accept own request")

	_, _, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: "stranger"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotAuthorized))

	r, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "2200"})
	require.NoError(t, err)
	stale := r.OfferVersion
	r, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "2300"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Round)

	_, _, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant, OfferVersion: &stale})
	assert.True(t, apperr.HasCode(err, apperr.CodeStaleOffer), "got %v", err)

	current := r.OfferVersion
	r, _, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant, OfferVersion: &current})
	require.NoError(t, err)
	assert.Equal(t, "2300.00", r.FinalPrice)

	_, _, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
}

func TestAccept_PastOfferDate(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "2500")
	f.setNow(r.RequestedDate.Add(time.Hour))

	_, _, err := f.svc.Accept(context.Background(), AcceptCommand{RequestID: r.ID, ActorID: hunter})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation), "got %v", err)
}

func TestCounter_RoundLimitRejectsAndRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")

	turns := []struct {
		actor string
		price string
	}{
		{hunter, "2400"}, {tenant, "2000"}, {hunter, "2300"}, {tenant, "2100"},
	}
	for i, turn := range turns {
		var err error
		r, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: turn.actor, Price: turn.price})
		require.NoError(t, err, "turn %d", i+1)
		assert.Equal(t, i+1, r.Round)
	}

	_, err := f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Price: "2200"})
	assert.True(t, apperr.HasCode(err, apperr.CodeRoundLimitExceeded), "got %v", err)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, escrow.StateRefunded, f.hold(t, r.EscrowRef).State)
	assert.True(t, f.events.Has(events.RequestRejected))
}

func TestCounter_TurnTaking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")

	_, err := f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: tenant, Price: "2000"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotAuthorized), "tenant cannot counter in PENDING")

	newDate := f.in(96 * time.Hour)
	r, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Date: &newDate, Location: "Lobby"})
	require.NoError(t, err)
	assert.Equal(t, "2500.00", r.CurrentOffer().Price)
	assert.True(t, newDate.Equal(*r.CounteredDate))
	assert.Equal(t, "Lobby", r.CounteredLocation)

	_, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: hunter, Location: "Lobby"})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation), "counter must change something")

	_, err = f.svc.Counter(ctx, CounterCommand{RequestID: r.ID, ActorID: tenant, Price: "1000"})
	assert.True(t, apperr.HasCode(err, apperr.CodeOfferOutOfBounds), "below the band")
}

func TestReject_RefundsInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "2500")

	_, err := f.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: tenant})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotAuthorized), "tenant cannot reject own offer")

	r, err = f.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: hunter, Reason: "booked out"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, "booked out", r.CancelReason)
	assert.Equal(t, "10000.00", f.gateway.Balance(tenant))

	_, err = f.svc.Reject(ctx, RejectCommand{RequestID: r.ID, ActorID: hunter})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState))

	// A new request for the same property is allowed once the first is terminal.
	f.create(t, "1500")
}

func TestResolveDispute(t *testing.T) {
	tests := []struct {
		name        string
		outcome     Outcome
		split       string
		wantBooking BookingStatus
		wantRequest Status
		wantHold    escrow.State
	}{
		{"tenant", OutcomeTenant, "", BookingCancelled, StatusCancelled, escrow.StateRefunded},
		{"hunter", OutcomeHunter, "", BookingCompleted, StatusCompleted, escrow.StateReleased},
		{"split", OutcomeSplit, "1000", BookingCompleted, StatusCompleted, escrow.StatePartiallyRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			r, b := f.accepted(t, "2500")
			_, err := f.svc.MarkDisputed(ctx, b.ID, tenant)
			require.NoError(t, err)

			b, st, err := f.svc.ResolveDispute(ctx, b.ID, tt.outcome, tt.split)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBooking, b.Status)
			assert.Equal(t, tt.wantHold, st.State)

			got, err := f.svc.Get(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRequest, got.Status)
		})
	}
}

func TestResolveDispute_SplitAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, b := f.accepted(t, "2500")
	_, err := f.svc.MarkDisputed(ctx, b.ID, hunter)
	require.NoError(t, err)

	_, st, err := f.svc.ResolveDispute(ctx, b.ID, OutcomeSplit, "1000")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", st.RefundAmount)
	assert.Equal(t, "225.00", st.CommissionAmount)
	assert.Equal(t, "1275.00", st.HunterAmount)

	_, _, err = f.svc.ResolveDispute(ctx, b.ID, OutcomeHunter, "")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState))
}

func TestApplyReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, b := f.accepted(t, "2500")
	newDate := f.in(120 * time.Hour)

	b, err := f.svc.ApplyReschedule(ctx, b.ID, newDate, "Side entrance")
	require.NoError(t, err)
	assert.True(t, newDate.Equal(b.ScheduledDate))
	assert.Equal(t, "Side entrance", b.MeetingLocation)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, newDate.Equal(*got.FinalDate))
	assert.Equal(t, "Side entrance", got.FinalLocation)
	assert.True(t, f.events.Has(events.BookingRescheduled))

	_, err = f.svc.ApplyReschedule(ctx, b.ID, f.in(-time.Hour), "")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}

func TestListByTenant_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, p := range []string{"prop_a", "prop_b", "prop_c"} {
		f.dir.AddProperty(p, hunter)
		f.setNow(time.Date(2026, 3, 2, 12, i, 0, 0, time.UTC))
		_, err := f.svc.CreateRequest(ctx, CreateRequestCommand{
			TenantID: tenant, PropertyID: p, Price: "100", Date: f.in(48 * time.Hour),
		})
		require.NoError(t, err)
	}

	page, err := f.svc.ListByTenant(ctx, tenant, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "prop_c", page.Items[0].PropertyID)

	page, err = f.svc.ListByTenant(ctx, tenant, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "prop_a", page.Items[0].PropertyID)

	hunterPage, err := f.svc.ListByHunter(ctx, hunter, "", 10)
	require.NoError(t, err)
	assert.Len(t, hunterPage.Items, 3)
}
