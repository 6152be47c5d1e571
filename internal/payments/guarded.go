package payments

import (
	"context"
	"errors"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/circuitbreaker"
	"github.com/viewpay/viewpay/internal/metrics"
	"github.com/viewpay/viewpay/internal/traces"
)

// Guarded bounds every provider call by a timeout, short-circuits a failing
// provider, and translates provider failures into apperr codes. Timeouts
// surface as GATEWAY_ERROR and are never retried here.
type Guarded struct {
	inner   Gateway
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner. A nil breaker disables short-circuiting.
func NewGuarded(inner Gateway, timeout time.Duration, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, timeout: timeout, breaker: breaker}
}

// AuthorizeHold implements Gateway.
func (g *Guarded) AuthorizeHold(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	var out *Authorization
	err := g.call(ctx, "authorize", func(ctx context.Context) error {
		var err error
		out, err = g.inner.AuthorizeHold(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Settle implements Gateway.
func (g *Guarded) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	var out *Receipt
	err := g.call(ctx, "settle", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Settle(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "gateway."+op)
	run := func() error { return g.withTimeout(ctx, fn) }

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(op, countsAgainstProvider, run)
	} else {
		err = run()
	}
	metrics.ObserveGateway(op, start, err)
	err = Classify(err)
	traces.End(span, err)
	return err
}

// withTimeout returns when fn does or when the deadline passes, whichever
// is first, so a provider that ignores ctx cannot stall the caller.
func (g *Guarded) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if g.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Card declines are the payer's problem, not the provider's.
func countsAgainstProvider(err error) bool {
	return !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrDeclined)
}

// Classify maps provider errors onto application error codes. Errors that
// are already classified pass through.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isClassified(err):
		return err
	case errors.Is(err, ErrInsufficientFunds):
		return apperr.Wrap(err, apperr.CodeInsufficientFunds, "payer has insufficient funds")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(err, apperr.CodeGatewayError, "payment provider timed out")
	case errors.Is(err, circuitbreaker.ErrOpen):
		return apperr.Wrap(err, apperr.CodeGatewayError, "payment provider temporarily unavailable")
	case errors.Is(err, ErrAlreadySettled):
		return apperr.Wrap(err, apperr.CodeHoldAlreadySettled, "hold already settled at provider")
	default:
		return apperr.Wrap(err, apperr.CodeGatewayError, "payment provider error")
	}
}

func isClassified(err error) bool {
	_, ok := apperr.As(err)
	return ok
}

var _ Gateway = (*Guarded)(nil)
