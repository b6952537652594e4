package state

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically runs the expiration sweeps and interval compaction.
type Janitor struct {
	sync     *StateSync
	interval time.Duration
	logger   *slog.Logger

	// CleanupFn receives the physical cleanup tasks from each sweep. Nil
	// means the tasks are only logged.
	CleanupFn func(ctx context.Context, tasks []SnapshotCleanupTask) error
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(sync *StateSync, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{sync: sync, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor starting", "interval", j.interval.String())

	if err := j.Sweep(ctx); err != nil {
		j.logger.Error("janitor sweep failed", "error", err)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one full maintenance pass: expired environments, expired
// snapshots, then interval compaction.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := time.Now()

	environments, err := j.sync.DeleteExpiredEnvironments(ctx, now)
	if err != nil {
		return err
	}
	for _, env := range environments {
		j.logger.Info("expired environment removed", "environment", env.Name)
	}

	tasks, err := j.sync.DeleteExpiredSnapshots(ctx, now)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		if j.CleanupFn != nil {
			if err := j.CleanupFn(ctx, tasks); err != nil {
				return err
			}
		} else {
			for _, task := range tasks {
				j.logger.Info("expired snapshot table orphaned",
					"table", task.TableInfo.PhysicalTableName(),
					"dev_table_only", task.DevTableOnly)
			}
		}
	}

	return j.sync.CompactIntervals(ctx)
}
