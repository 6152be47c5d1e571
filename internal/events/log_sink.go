package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Type == InvariantViolation {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "lifecycle event",
		"event_id", ev.ID,
		"type", ev.Type,
		"entity", ev.EntityID,
		"recipients", ev.Recipients,
	)
	return nil
}
