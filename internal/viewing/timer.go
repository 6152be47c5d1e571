package viewing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viewpay/viewpay/internal/metrics"
)

// SettlementTimer periodically retries releases for completed bookings
// whose settlement did not go through.
type SettlementTimer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSettlementTimer creates a new settlement retry timer.
func NewSettlementTimer(service *Service, interval time.Duration, logger *slog.Logger) *SettlementTimer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SettlementTimer{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the retry loop. Call in a goroutine.
func (t *SettlementTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *SettlementTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Sweep retries one batch and returns how many bookings settled.
func (t *SettlementTimer) Sweep(ctx context.Context) int {
	pending, err := t.service.ListPendingSettlement(ctx, t.batch)
	if err != nil {
		t.logger.Warn("failed to list pending settlements", "error", err)
		return 0
	}

	settled := 0
	for _, b := range pending {
		if err := t.service.SettlePending(ctx, b.ID); err != nil {
			metrics.SettlementRetriesTotal.WithLabelValues("error").Inc()
			t.logger.Warn("settlement retry failed", "booking_id", b.ID, "error", err)
			continue
		}
		metrics.SettlementRetriesTotal.WithLabelValues("ok").Inc()
		settled++
	}
	if settled > 0 {
		t.logger.Info("settled pending bookings", "count", settled)
	}
	return settled
}
