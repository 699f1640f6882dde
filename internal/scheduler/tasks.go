package scheduler

import (
	"context"
	"time"

	"grimm.is/vmlink/internal/logging"
)

// Pruner removes journal rows older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// NewJournalPruneTask creates a task that trims the event journal on the
// given schedule.
func NewJournalPruneTask(p Pruner, retention time.Duration, sched Schedule, logger *logging.Logger) *Task {
	return &Task{
		ID:          "journal-prune",
		Name:        "Journal Prune",
		Description: "Delete journal entries older than the retention window",
		Schedule:    sched,
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			n, err := p.Prune(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.Info("journal pruned", "deleted", n, "retention", retention)
			}
			return nil
		},
	}
}

// NewMetricsCollectionTask creates a task to sample connection metrics.
func NewMetricsCollectionTask(collectFunc func(context.Context) error, interval time.Duration) *Task {
	return &Task{
		ID:          "metrics-collection",
		Name:        "Metrics Collection",
		Description: "Sample per-connection statistics into gauges",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     10 * time.Second,
		Func:        collectFunc,
	}
}
