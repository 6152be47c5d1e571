// Package events carries lifecycle notifications to external sinks.
//
// Emission is fire-and-forget: a failed or slow sink is logged and counted
// but never rolls back or delays the state change that produced the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/metrics"
)

// Type names a lifecycle event.
type Type string

const (
	RequestCreated   Type = "REQUEST_CREATED"
	RequestCountered Type = "REQUEST_COUNTERED"
	RequestAccepted  Type = "REQUEST_ACCEPTED"
	RequestRejected  Type = "REQUEST_REJECTED"
	RequestCancelled Type = "REQUEST_CANCELLED"
	RequestCompleted Type = "REQUEST_COMPLETED"

	BookingMeetingConfirmed Type = "BOOKING_MEETING_CONFIRMED"
	BookingCompleted        Type = "BOOKING_COMPLETED"
	BookingRescheduled      Type = "BOOKING_RESCHEDULED"

	EscrowHeld     Type = "ESCROW_HELD"
	EscrowReleased Type = "ESCROW_RELEASED"
	EscrowRefunded Type = "ESCROW_REFUNDED"
	EscrowDisputed Type = "ESCROW_DISPUTED"

	RescheduleProposed Type = "RESCHEDULE_PROPOSED"
	RescheduleAccepted Type = "RESCHEDULE_ACCEPTED"
	RescheduleRejected Type = "RESCHEDULE_REJECTED"
	RescheduleExpired  Type = "RESCHEDULE_EXPIRED"

	DisputeOpened      Type = "DISPUTE_OPENED"
	DisputeResponded   Type = "DISPUTE_RESPONDED"
	DisputeUnderReview Type = "DISPUTE_UNDER_REVIEW"
	DisputeResolved    Type = "DISPUTE_RESOLVED"

	InvariantViolation Type = "INVARIANT_VIOLATION"
)

// Event is one notification. Recipients lists the actor ids that should
// hear about it (tenant, hunter, adjudicator).
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	EntityID   string         `json:"entityId"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New builds an event with a fresh id.
func New(t Type, entityID string, recipients []string, data map[string]any) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       t,
		EntityID:   entityID,
		Recipients: recipients,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher is what lifecycle services depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev Event) error
}

// Emitter fans events out to sinks asynchronously, each delivery bounded
// by timeout.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Emitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Emitter{sinks: sinks, logger: logger, timeout: timeout}
}

// AddSink registers another sink. Not safe for use after Publish starts.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Publish implements Publisher.
func (e *Emitter) Publish(_ context.Context, ev Event) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, s := range e.sinks {
		e.wg.Add(1)
		go e.deliver(s, ev)
	}
}

// Wait blocks until in-flight deliveries finish (shutdown, tests).
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) deliver(s Sink, ev Event) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsEmittedTotal.WithLabelValues(s.Name(), "panic").Inc()
			e.logger.Error("event sink panicked", "sink", s.Name(), "event", ev.Type, "panic", r)
		}
	}()

	// Detached from the request context: delivery outlives the request.
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := s.Emit(ctx, ev); err != nil {
		metrics.EventsEmittedTotal.WithLabelValues(s.Name(), "error").Inc()
		e.logger.Warn("event emit failed", "sink", s.Name(), "event", ev.Type, "entity", ev.EntityID, "error", err)
		return
	}
	metrics.EventsEmittedTotal.WithLabelValues(s.Name(), "ok").Inc()
}

var _ Publisher = (*Emitter)(nil)

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
