// Package reconciliation re-checks every escrow hold against its ledger
// entries and flags bookings whose settlement has been pending too long.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/viewpay/viewpay/internal/escrow"
	"github.com/viewpay/viewpay/internal/money"
	"github.com/viewpay/viewpay/internal/viewing"
)

// Ledger is the escrow view reconciliation needs.
type Ledger interface {
	List(ctx context.Context, afterID string, limit int) ([]*escrow.Hold, error)
	Entries(ctx context.Context, holdID string) ([]*escrow.Entry, error)
	FreezeIf(ctx context.Context, holdID, source string, check func(*escrow.Hold, []*escrow.Entry) string) (string, error)
}

// Settlements lists completed bookings whose release has not gone through.
type Settlements interface {
	ListPendingSettlement(ctx context.Context, limit int) ([]*viewing.Booking, error)
}

// Mismatch is one hold whose ledger does not add up.
type Mismatch struct {
	HoldID string `json:"holdId"`
	Reason string `json:"reason"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	HoldsChecked     int        `json:"holdsChecked"`
	AlreadyFrozen    int        `json:"alreadyFrozen"`
	Mismatches       []Mismatch `json:"mismatches"`
	StuckSettlements []string   `json:"stuckSettlements"`
	Duration         string     `json:"duration"`
}

// Service performs reconciliation between hold state and ledger entries.
type Service struct {
	ledger      Ledger
	settlements Settlements
	logger      *slog.Logger
	pageSize    int
	stuckAfter  time.Duration
	now         func() time.Time
}

// NewService creates a reconciliation service.
func NewService(ledger Ledger, settlements Settlements, logger *slog.Logger) *Service {
	return &Service{
		ledger:      ledger,
		settlements: settlements,
		logger:      logger,
		pageSize:    200,
		stuckAfter:  time.Hour,
		now:         time.Now,
	}
}

// SetStuckAfter sets how long a settlement may stay pending before it is
// reported.
func (s *Service) SetStuckAfter(d time.Duration) {
	if d > 0 {
		s.stuckAfter = d
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run checks every hold and freezes the ones whose entries disagree with
// the hold. A hold already frozen is counted but left alone.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Mismatches: []Mismatch{}, StuckSettlements: []string{}}

	after := ""
	for {
		holds, err := s.ledger.List(ctx, after, s.pageSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list holds: %w", err)
		}
		for _, h := range holds {
			report.HoldsChecked++
			if h.Frozen {
				report.AlreadyFrozen++
				continue
			}
			entries, err := s.ledger.Entries(ctx, h.ID)
			if err != nil {
				reconcileErrors.Inc()
				return nil, fmt.Errorf("failed to load entries for %s: %w", h.ID, err)
			}
			if verify(h, entries) == "" {
				continue
			}
			// List and Entries are separate reads; confirm under the hold lock
			// so a settlement landing between them is not flagged.
			reason, err := s.ledger.FreezeIf(ctx, h.ID, "reconciliation", verify)
			if err != nil {
				reconcileErrors.Inc()
				s.logger.Error("failed to freeze mismatched hold", "hold_id", h.ID, "error", err)
				continue
			}
			if reason != "" {
				report.Mismatches = append(report.Mismatches, Mismatch{HoldID: h.ID, Reason: reason})
			}
		}
		if len(holds) < s.pageSize {
			break
		}
		after = holds[len(holds)-1].ID
	}

	stuck, err := s.stuckSettlements(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	report.StuckSettlements = stuck

	elapsed := time.Since(start)
	report.Duration = elapsed.String()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileFrozenHolds.Set(float64(report.AlreadyFrozen + len(report.Mismatches)))
	reconcileStuckSettlements.Set(float64(len(stuck)))

	if len(report.Mismatches) > 0 || len(stuck) > 0 {
		s.logger.Warn("reconciliation found problems",
			"mismatches", len(report.Mismatches), "stuck_settlements", len(stuck))
	} else {
		s.logger.Info("reconciliation clean", "holds", report.HoldsChecked)
	}
	return report, nil
}

func (s *Service) stuckSettlements(ctx context.Context) ([]string, error) {
	pending, err := s.settlements.ListPendingSettlement(ctx, 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	cutoff := s.now().Add(-s.stuckAfter)
	out := []string{}
	for _, b := range pending {
		if b.UpdatedAt.Before(cutoff) {
			out = append(out, b.ID)
		}
	}
	return out, nil
}

// verify returns why h disagrees with its entries, or "" when it balances.
// An open hold has paid nothing out; a settled one has paid out exactly its
// amount and its recorded totals match the payout entries.
func verify(h *escrow.Hold, entries []*escrow.Entry) string {
	total, ok := money.Parse(h.Amount)
	if !ok {
		return "unparseable hold amount"
	}
	in, out := new(big.Int), new(big.Int)
	for _, e := range entries {
		v, ok := money.Parse(e.Amount)
		if !ok {
			return fmt.Sprintf("entry %s has unparseable amount", e.ID)
		}
		if e.Kind == escrow.EntryHold {
			in.Add(in, v)
		} else {
			out.Add(out, v)
		}
	}
	if in.Cmp(total) != 0 {
		return fmt.Sprintf("hold entries total %s, expected %s", money.Format(in), money.Format(total))
	}

	if h.Settleable() {
		if out.Sign() != 0 {
			return fmt.Sprintf("open hold has %s paid out", money.Format(out))
		}
		return ""
	}
	if out.Cmp(total) != 0 {
		return fmt.Sprintf("payouts total %s, expected %s", money.Format(out), money.Format(total))
	}
	recorded := money.Add(amount(h.ReleasedAmount), amount(h.CommissionAmount), amount(h.RefundedAmount))
	if recorded.Cmp(out) != 0 {
		return fmt.Sprintf("hold records %s paid out, entries show %s", money.Format(recorded), money.Format(out))
	}
	return ""
}

func amount(s string) *big.Int {
	if v, ok := money.Parse(s); ok {
		return v
	}
	return new(big.Int)
}
