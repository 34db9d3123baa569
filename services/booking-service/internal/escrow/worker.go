package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Worker drives ProcessDue on a fixed interval.
type Worker struct {
	scheduler *Scheduler
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
}

func NewWorker(s *Scheduler, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{scheduler: s, logger: logger, interval: interval, now: time.Now}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.scheduler.ProcessDue(ctx, w.now().UTC()); err != nil && ctx.Err() == nil {
				w.logger.Error("escrow sweep failed", "err", err)
			}
		}
	}
}
