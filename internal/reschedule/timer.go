package reschedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer periodically expires unanswered reschedule proposals.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates a new reschedule expiration timer. A non-positive
// interval defaults to one minute.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the expiration check loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.checkExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) checkExpired(ctx context.Context) {
	n, err := t.service.ExpireDue(ctx, t.service.now().UTC())
	if err != nil {
		t.logger.Warn("failed to expire reschedules", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired reschedule proposals", "count", n)
	}
}
