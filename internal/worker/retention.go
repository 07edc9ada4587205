package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionStore is the persistence interface consumed by RetentionWorker.
type RetentionStore interface {
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker deletes request logs older than the retention window
// on a cron schedule.
type RetentionWorker struct {
	store    RetentionStore
	schedule cron.Schedule
	days     int
}

// NewRetentionWorker creates a RetentionWorker. schedule is a standard
// 5-field cron expression; days is the retention window.
func NewRetentionWorker(store RetentionStore, schedule string, days int) (*RetentionWorker, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return &RetentionWorker{store: store, schedule: sched, days: days}, nil
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "log_retention" }

// Run sleeps until the next scheduled fire, sweeps, and repeats until
// ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -w.days)
	deleted, err := w.store.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("retention sweep completed", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
}
