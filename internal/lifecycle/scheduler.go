package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs an evaluation pass on a fixed interval.
type Scheduler struct {
	evaluator *Evaluator
	interval  time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a scheduler. interval defaults to one minute.
func NewScheduler(ev *Evaluator, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{evaluator: ev, interval: interval, logger: logger}
}

// Run evaluates immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.evaluator.EvaluateAll(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Error("lifecycle pass failed", "err", err)
	}
	s.logger.Info("lifecycle pass complete",
		"evaluated", res.Evaluated,
		"triggered", res.Triggered,
		"closed", res.Closed,
		"settled", res.Settled,
		"skipped", res.Skipped,
		"conflicts", res.Conflicts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
