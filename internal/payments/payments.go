// Package payments abstracts the external payment provider that places and
// settles card holds for viewing deposits.
//
// A hold is authorized once and settled once. Settle captures ReleaseAmount
// (hunter payout plus platform commission) and returns RefundAmount to the
// payer in the same call, so every settlement shape (full release, full
// refund, forfeit, dispute split) is a single provider round-trip.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("payments: insufficient funds")
	ErrDeclined          = errors.New("payments: declined")
	ErrUnknownHold       = errors.New("payments: unknown hold token")
	ErrAlreadySettled    = errors.New("payments: hold already settled")
	ErrUnavailable       = errors.New("payments: provider unavailable")
)

// AuthorizeRequest asks the provider to reserve Amount on the payer's
// instrument. Reference is the idempotency key: repeating it returns the
// original authorization.
type AuthorizeRequest struct {
	PayerID   string
	Amount    string
	Reference string
}

// Authorization is an open hold at the provider.
type Authorization struct {
	Token     string    `json:"token"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"createdAt"`
}

// SettleRequest closes a hold. ReleaseAmount + RefundAmount must equal the
// authorized amount. Reference makes retries idempotent.
type SettleRequest struct {
	Token         string
	ReleaseAmount string
	RefundAmount  string
	Reference     string
}

// Receipt confirms a settlement.
type Receipt struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	ReleaseAmount string    `json:"releaseAmount"`
	RefundAmount  string    `json:"refundAmount"`
	Reference     string    `json:"reference"`
	SettledAt     time.Time `json:"settledAt"`
}

// Gateway is the payment provider capability.
type Gateway interface {
	AuthorizeHold(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Settle(ctx context.Context, req SettleRequest) (*Receipt, error)
}
