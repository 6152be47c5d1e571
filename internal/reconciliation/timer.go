package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/viewpay/viewpay/internal/metrics"
)

// DefaultSchedule runs reconciliation every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Scheduler runs reconciliation on a cron schedule.
type Scheduler struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	running  atomic.Bool
}

// NewScheduler creates a reconciliation scheduler. An empty schedule uses
// DefaultSchedule.
func NewScheduler(service *Service, schedule string, logger *slog.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		service:  service,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start registers the job and starts the cron loop. It returns an error for
// an invalid schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.safeRun(ctx) }); err != nil {
		return fmt.Errorf("invalid reconciliation schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running.Store(true)
	s.logger.Info("reconciliation scheduled", "schedule", s.schedule)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.running.Store(false)
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ReconciliationRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if _, err := s.service.Run(ctx); err != nil {
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	metrics.ReconciliationRunsTotal.WithLabelValues("ok").Inc()
}
