package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/viewpay/viewpay/internal/money"
)

// PaymentProfiles resolves a payer to the Stripe customer and saved
// payment method charged for deposits.
type PaymentProfiles interface {
	PaymentProfile(ctx context.Context, payerID string) (customerID, paymentMethodID string, err error)
}

// StripeGateway places holds as manual-capture PaymentIntents. Settling
// captures the release leg; Stripe returns the uncaptured remainder to the
// card. A settlement with nothing to capture cancels the intent.
type StripeGateway struct {
	api      *client.API
	profiles PaymentProfiles
	currency string
}

// StripeOption configures a StripeGateway.
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backendURL string
	httpClient *http.Client
}

// WithStripeBackendURL points the client at a different API host (tests,
// stripe-mock).
func WithStripeBackendURL(url string) StripeOption {
	return func(o *stripeOptions) { o.backendURL = url }
}

// WithStripeHTTPClient overrides the HTTP client.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(o *stripeOptions) { o.httpClient = c }
}

// NewStripeGateway creates a gateway using secretKey. Network retries are
// disabled: the caller owns timeouts and idempotent retry.
func NewStripeGateway(secretKey, currency string, profiles PaymentProfiles, opts ...StripeOption) *StripeGateway {
	o := &stripeOptions{httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(o)
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        o.httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if o.backendURL != "" {
		cfg.URL = stripe.String(o.backendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	return &StripeGateway{
		api:      client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		profiles: profiles,
		currency: currency,
	}
}

// AuthorizeHold implements Gateway.
func (g *StripeGateway) AuthorizeHold(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	amount, ok := money.ParsePositive(req.Amount)
	if !ok || !amount.IsInt64() {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrDeclined, req.Amount)
	}
	customer, method, err := g.profiles.PaymentProfile(ctx, req.PayerID)
	if err != nil {
		return nil, fmt.Errorf("%w: no payment profile for %s: %v", ErrDeclined, req.PayerID, err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount.Int64()),
		Currency:      stripe.String(g.currency),
		Customer:      stripe.String(customer),
		PaymentMethod: stripe.String(method),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold:" + req.Reference)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("payer_id", req.PayerID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, fmt.Errorf("%w: payment intent %s in status %s", ErrDeclined, pi.ID, pi.Status)
	}

	return &Authorization{
		Token:     pi.ID,
		Amount:    money.Format(amount),
		Reference: req.Reference,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Settle implements Gateway.
func (g *StripeGateway) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	release, ok := money.Parse(req.ReleaseAmount)
	if !ok || !release.IsInt64() {
		return nil, fmt.Errorf("%w: invalid release amount %q", ErrDeclined, req.ReleaseAmount)
	}

	var (
		pi  *stripe.PaymentIntent
		err error
	)
	if release.Sign() == 0 {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		params.Context = ctx
		params.SetIdempotencyKey("settle:" + req.Reference)
		pi, err = g.api.PaymentIntents.Cancel(req.Token, params)
	} else {
		params := &stripe.PaymentIntentCaptureParams{
			AmountToCapture: stripe.Int64(release.Int64()),
		}
		params.Context = ctx
		params.SetIdempotencyKey("settle:" + req.Reference)
		pi, err = g.api.PaymentIntents.Capture(req.Token, params)
	}
	if err != nil {
		return nil, translateStripeError(err)
	}

	receiptID := pi.ID
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		receiptID = pi.LatestCharge.ID
	}
	return &Receipt{
		ID:            receiptID,
		Token:         req.Token,
		ReleaseAmount: money.Format(release),
		RefundAmount:  req.RefundAmount,
		Reference:     req.Reference,
		SettledAt:     time.Now().UTC(),
	}, nil
}

func translateStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case se.DeclineCode == stripe.DeclineCodeInsufficientFunds:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Msg)
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	case se.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
		return fmt.Errorf("%w: %s", ErrAlreadySettled, se.Msg)
	case se.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrUnknownHold, se.Msg)
	case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	}
}

var _ Gateway = (*StripeGateway)(nil)
