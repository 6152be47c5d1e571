// Package negotiation is the offer policy for viewing requests: who may
// counter, accept or reject, how many rounds are allowed, and which prices
// are acceptable.
//
// Flow:
//  1. Tenant opens with an offer (price, date, location); round 0
//  2. Hunter counters, or accepts/rejects the opening offer
//  3. Parties alternate counters; each new turn consumes a round
//  4. The author of the latest offer may revise it before the other side
//     answers; a revision overwrites the offer and keeps the round
//  5. The counter that would reach MaxRounds fails and the request ends
//
// The package holds no state and does no I/O. Callers load the request,
// ask the policy, and persist the outcome under their own lock.
package negotiation

import (
	"math/big"
	"strings"
	"time"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/money"
)

// Party identifies a side of the negotiation.
type Party string

const (
	Tenant Party = "tenant"
	Hunter Party = "hunter"
)

// Other returns the counterparty.
func (p Party) Other() Party {
	if p == Tenant {
		return Hunter
	}
	return Tenant
}

// PartyOf maps an actor onto a side of a request.
func PartyOf(tenantID, hunterID, actorID string) (Party, bool) {
	switch actorID {
	case "":
		return "", false
	case tenantID:
		return Tenant, true
	case hunterID:
		return Hunter, true
	}
	return "", false
}

// Offer is one set of terms.
type Offer struct {
	Price    string    `json:"price"`
	Date     time.Time `json:"date"`
	Location string    `json:"location,omitempty"`
}

// Proposal is a counter. Empty fields keep the current terms.
type Proposal struct {
	Price    string
	Date     *time.Time
	Location string
}

// State is the negotiable view of a request.
type State struct {
	Original     Offer
	Current      Offer
	LastOfferBy  Party
	Round        int
	OfferVersion int64
	// HoldAmount caps every counter price.
	HoldAmount string
}

// Outcome is the state after an accepted counter.
type Outcome struct {
	Offer        Offer
	LastOfferBy  Party
	Round        int
	OfferVersion int64
	Revised      bool
}

// Policy bounds negotiation.
type Policy struct {
	MaxRounds int
	// BandPct is the allowed deviation from the original price, in percent.
	BandPct int64
}

// DefaultPolicy returns five rounds and a ±50% band.
func DefaultPolicy() Policy {
	return Policy{MaxRounds: 5, BandPct: 50}
}

// Counter validates a counter by party against st and returns the new
// offer state. A ROUND_LIMIT_EXCEEDED error means the request must end.
func (p Policy) Counter(st State, by Party, prop Proposal, now time.Time) (Outcome, error) {
	revise := by == st.LastOfferBy
	if revise && st.Round == 0 {
		return Outcome{}, apperr.NotAuthorized("only the hunter may counter an opening request")
	}

	next := st.Current
	if prop.Price != "" {
		price, ok := money.ParsePositive(prop.Price)
		if !ok {
			return Outcome{}, apperr.Validation("price must be a positive decimal with at most two fractional digits")
		}
		min, max, err := p.Bounds(st.Original.Price, st.HoldAmount)
		if err != nil {
			return Outcome{}, err
		}
		if price.Cmp(min) < 0 || price.Cmp(max) > 0 {
			return Outcome{}, apperr.Newf(apperr.CodeOfferOutOfBounds,
				"price must be between %s and %s", money.Format(min), money.Format(max))
		}
		next.Price = money.Format(price)
	}
	if prop.Date != nil {
		if !prop.Date.After(now) {
			return Outcome{}, apperr.Validation("date must be in the future")
		}
		next.Date = prop.Date.UTC()
	}
	if loc := strings.TrimSpace(prop.Location); loc != "" {
		next.Location = loc
	}
	if next.Price == st.Current.Price && next.Date.Equal(st.Current.Date) && next.Location == st.Current.Location {
		return Outcome{}, apperr.Validation("counter must change price, date or location")
	}

	out := Outcome{
		Offer:        next,
		LastOfferBy:  by,
		Round:        st.Round,
		OfferVersion: st.OfferVersion + 1,
		Revised:      revise,
	}
	if !revise {
		out.Round++
		if p.MaxRounds > 0 && out.Round >= p.MaxRounds {
			return Outcome{}, apperr.Newf(apperr.CodeRoundLimitExceeded,
				"negotiation limit of %d rounds reached", p.MaxRounds)
		}
	}
	return out, nil
}

// CanRespond reports whether by may accept or reject the current offer:
// only the party that did not author it may.
func (p Policy) CanRespond(st State, by Party) error {
	if by != p.Accepting(st) {
		return apperr.NotAuthorized("waiting for the other party to respond to your offer")
	}
	return nil
}

// Accepting returns the party expected to answer the current offer.
func (p Policy) Accepting(st State) Party {
	return st.LastOfferBy.Other()
}

// Bounds returns the allowed counter price range: the band around the
// original price, capped at the held amount.
func (p Policy) Bounds(original, hold string) (*big.Int, *big.Int, error) {
	orig, ok := money.ParsePositive(original)
	if !ok {
		return nil, nil, apperr.Invariant("original price is not a valid amount")
	}
	delta := money.Percent(orig, p.BandPct)
	min := money.Sub(orig, delta)
	max := money.Add(orig, delta)
	if hold != "" {
		h, ok := money.Parse(hold)
		if !ok {
			return nil, nil, apperr.Invariant("hold amount is not a valid amount")
		}
		max = money.Min(max, h)
	}
	return min, max, nil
}
