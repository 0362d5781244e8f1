package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/telemetry/internal/store"
)

// DefaultRetentionDays is used when no retention period is configured.
const DefaultRetentionDays = 90

// RetentionConfig holds the dependencies of a Retention job.
type RetentionConfig struct {
	Store  store.Repository
	Logger *slog.Logger
	Days   int
	// DryRun reports what would be deleted without deleting it.
	DryRun bool
	Now    func() time.Time // optional, for tests
}

// Retention deletes time-series rows older than the retention period.
type Retention struct {
	store  store.Repository
	logger *slog.Logger
	days   int
	dryRun bool
	now    func() time.Time
}

// RetentionReport summarizes one retention run.
type RetentionReport struct {
	Cutoff  time.Time
	DryRun  bool
	Found   store.RetentionCounts
	Deleted store.RetentionCounts
	Tables  []store.TableStat
}

// NewRetention creates a Retention job.
func NewRetention(cfg *RetentionConfig) (*Retention, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Days < 0 {
		return nil, fmt.Errorf("invalid retention days: %d", cfg.Days)
	}

	days := cfg.Days
	if days == 0 {
		days = DefaultRetentionDays
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Retention{
		store:  cfg.Store,
		logger: cfg.Logger,
		days:   days,
		dryRun: cfg.DryRun,
		now:    now,
	}, nil
}

// Cutoff returns the instant before which rows are removed.
func (r *Retention) Cutoff() time.Time {
	return r.now().UTC().AddDate(0, 0, -r.days)
}

// Run counts and, unless in dry-run mode, deletes expired rows in each
// series. Series are deleted independently. Table statistics are
// collected last and are best effort.
func (r *Retention) Run(ctx context.Context) (*RetentionReport, error) {
	report := &RetentionReport{Cutoff: r.Cutoff(), DryRun: r.dryRun}
	logger := r.logger.With(
		"cutoff", report.Cutoff.Format(time.RFC3339),
		"retention_days", r.days,
		"dry_run", r.dryRun,
	)
	logger.Info("starting retention cleanup")

	for _, series := range store.AllSeries {
		n, err := r.store.CountOlderThan(ctx, series, report.Cutoff)
		if err != nil {
			return report, fmt.Errorf("failed to count %s: %w", series, err)
		}
		*report.Found.Field(series) = n
		logger.Info("expired rows", "table", series, "count", n)
	}

	if report.Found.Total() == 0 {
		logger.Info("no data to clean up")
	} else if r.dryRun {
		logger.Info("dry run, nothing deleted", "total", report.Found.Total())
	} else {
		for _, series := range store.AllSeries {
			if *report.Found.Field(series) == 0 {
				continue
			}

			n, err := r.store.DeleteOlderThan(ctx, series, report.Cutoff)
			if err != nil {
				return report, fmt.Errorf("failed to delete from %s: %w", series, err)
			}
			*report.Deleted.Field(series) = n
			logger.Info("deleted rows", "table", series, "count", n)
		}
	}

	tables, err := r.store.TableStats(ctx)
	if err != nil {
		logger.Warn("failed to read table statistics", "error", err)
	} else {
		report.Tables = tables
	}

	logger.Info("retention cleanup complete", "deleted", report.Deleted.Total())
	return report, nil
}
