package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/export"
	"github.com/kwrelay/kwrelay/internal/store"
)

// ReconcileJob returns events stuck in queued back to new. A running
// scheduler resolves its claims within seconds, so anything queued for
// longer than staleAfter belongs to a dispatcher that died without a
// clean shutdown (the startup sweep only covers this process).
type ReconcileJob struct {
	store      store.EventStore
	staleAfter time.Duration
	logger     *slog.Logger

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// NewReconcileJob builds the sweep job.
func NewReconcileJob(st store.EventStore, staleAfter time.Duration, logger *slog.Logger) *ReconcileJob {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{store: st, staleAfter: staleAfter, logger: logger, now: time.Now}
}

// Name implements Job.
func (j *ReconcileJob) Name() string { return "reconcile-stale-claims" }

// Schedule implements Job.
func (j *ReconcileJob) Schedule() string { return "*/5 * * * *" }

// Run implements Job.
func (j *ReconcileJob) Run(ctx context.Context) error {
	queued, err := j.store.ListEvents(ctx, store.EventQuery{Status: event.StatusQueued})
	if err != nil {
		return fmt.Errorf("reconcile: list queued: %w", err)
	}

	cutoff := j.now().Add(-j.staleAfter)
	released := 0
	for _, ev := range queued {
		if ev.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.store.Release(ctx, ev.ID); err != nil {
			// Lost a race with the owning dispatcher; not a problem.
			j.logger.Debug("reconcile: release skipped", "event", ev.ID, "error", err)
			continue
		}
		released++
	}

	if released > 0 {
		j.logger.Warn("reconcile: released stale claims", "count", released)
	}
	return nil
}

// ExportJob writes periodic CSV snapshots.
type ExportJob struct {
	exporter *export.Exporter
	schedule string
}

// NewExportJob builds the snapshot job. schedule defaults to hourly.
func NewExportJob(e *export.Exporter, schedule string) *ExportJob {
	if schedule == "" {
		schedule = "0 * * * *"
	}
	return &ExportJob{exporter: e, schedule: schedule}
}

// Name implements Job.
func (j *ExportJob) Name() string { return "export-snapshot" }

// Schedule implements Job.
func (j *ExportJob) Schedule() string { return j.schedule }

// Run implements Job.
func (j *ExportJob) Run(ctx context.Context) error {
	return j.exporter.Snapshot(ctx)
}
