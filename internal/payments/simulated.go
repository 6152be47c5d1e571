package payments

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/money"
)

// SimulatedGateway is an in-memory provider for development and tests.
// Payers start with DefaultBalance unless SetBalance was called.
type SimulatedGateway struct {
	mu             sync.Mutex
	balances       map[string]*big.Int
	holds          map[string]*simHold
	authByRef      map[string]*Authorization
	receiptByRef   map[string]*Receipt
	defaultBalance *big.Int
	latency        time.Duration
	failNext       []error
	calls          int
}

type simHold struct {
	payer   string
	amount  *big.Int
	settled bool
}

// NewSimulatedGateway creates a gateway where unknown payers hold
// defaultBalance (e.g. "100000.00").
func NewSimulatedGateway(defaultBalance string) *SimulatedGateway {
	bal, ok := money.Parse(defaultBalance)
	if !ok {
		bal = new(big.Int)
	}
	return &SimulatedGateway{
		balances:       make(map[string]*big.Int),
		holds:          make(map[string]*simHold),
		authByRef:      make(map[string]*Authorization),
		receiptByRef:   make(map[string]*Receipt),
		defaultBalance: bal,
	}
}

// SetBalance sets the available funds for payer.
func (g *SimulatedGateway) SetBalance(payer, amount string) {
	v, _ := money.Parse(amount)
	g.mu.Lock()
	g.balances[payer] = v
	g.mu.Unlock()
}

// Balance returns the payer's available funds.
func (g *SimulatedGateway) Balance(payer string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return money.Format(g.balanceLocked(payer))
}

// SetLatency delays every call by d (honouring ctx), to exercise timeouts.
func (g *SimulatedGateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	g.latency = d
	g.mu.Unlock()
}

// FailNext queues errors returned by the next calls, in order.
func (g *SimulatedGateway) FailNext(errs ...error) {
	g.mu.Lock()
	g.failNext = append(g.failNext, errs...)
	g.mu.Unlock()
}

// Calls returns the number of calls that reached the gateway.
func (g *SimulatedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// AuthorizeHold implements Gateway.
func (g *SimulatedGateway) AuthorizeHold(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	if err := g.enter(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if auth, ok := g.authByRef[req.Reference]; ok {
		cp := *auth
		return &cp, nil
	}

	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrDeclined, req.Amount)
	}
	bal := g.balanceLocked(req.PayerID)
	if bal.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	g.balances[req.PayerID] = new(big.Int).Sub(bal, amount)

	token := idgen.WithPrefix("sim_hold_")
	g.holds[token] = &simHold{payer: req.PayerID, amount: amount}
	auth := &Authorization{
		Token:     token,
		Amount:    money.Format(amount),
		Reference: req.Reference,
		CreatedAt: time.Now().UTC(),
	}
	g.authByRef[req.Reference] = auth
	cp := *auth
	return &cp, nil
}

// Settle implements Gateway.
func (g *SimulatedGateway) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	if err := g.enter(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.receiptByRef[req.Reference]; ok {
		cp := *r
		return &cp, nil
	}

	h, ok := g.holds[req.Token]
	if !ok {
		return nil, ErrUnknownHold
	}
	if h.settled {
		return nil, ErrAlreadySettled
	}
	release, ok1 := money.Parse(req.ReleaseAmount)
	refund, ok2 := money.Parse(req.RefundAmount)
	if !ok1 || !ok2 || money.Add(release, refund).Cmp(h.amount) != 0 {
		return nil, fmt.Errorf("%w: legs %s+%s do not match hold %s",
			ErrDeclined, req.ReleaseAmount, req.RefundAmount, money.Format(h.amount))
	}

	h.settled = true
	g.balances[h.payer] = money.Add(g.balanceLocked(h.payer), refund)

	r := &Receipt{
		ID:            idgen.WithPrefix("sim_rcpt_"),
		Token:         req.Token,
		ReleaseAmount: money.Format(release),
		RefundAmount:  money.Format(refund),
		Reference:     req.Reference,
		SettledAt:     time.Now().UTC(),
	}
	g.receiptByRef[req.Reference] = r
	cp := *r
	return &cp, nil
}

func (g *SimulatedGateway) enter(ctx context.Context) error {
	g.mu.Lock()
	g.calls++
	latency := g.latency
	var fail error
	if len(g.failNext) > 0 {
		fail = g.failNext[0]
		g.failNext = g.failNext[1:]
	}
	g.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	return fail
}

// caller holds g.mu
func (g *SimulatedGateway) balanceLocked(payer string) *big.Int {
	if b, ok := g.balances[payer]; ok {
		return b
	}
	return new(big.Int).Set(g.defaultBalance)
}

var _ Gateway = (*SimulatedGateway)(nil)
