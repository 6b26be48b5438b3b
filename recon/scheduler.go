package recon

import (
	"context"
	"log/slog"
	"time"
)

// ScheduleConfig controls when the nightly reconciliation run fires.
type ScheduleConfig struct {
	RunHour   int
	RunMinute int
	Disabled  bool
}

// Schedule runs the reconciler once per day at the configured local time,
// covering the previous calendar day, until the context is cancelled.
func Schedule(ctx context.Context, r *Reconciler, cfg ScheduleConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Disabled {
		logger.Info("reconciliation disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		next := nextRun(r.now(), cfg.RunHour, cfg.RunMinute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		end := r.now()
		start := end.Add(-24 * time.Hour)
		if _, err := r.Run(ctx, RunOptions{Start: start, End: end}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("reconciliation run failed", "err", err)
		}
	}
}

func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
