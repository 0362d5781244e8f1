// Package jobs holds the maintenance tasks run from cron: the hourly
// rollup and the retention cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/telemetry/internal/store"
)

// AggregatorConfig holds the dependencies of an Aggregator.
type AggregatorConfig struct {
	Store    store.Repository
	Logger   *slog.Logger
	Location *time.Location   // zone that defines hour boundaries; UTC if nil
	Now      func() time.Time // optional, for tests
}

// Aggregator rolls telemetry up into hourly statistics.
type Aggregator struct {
	store  store.Repository
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// AggregateReport summarizes one aggregation run.
type AggregateReport struct {
	Hour       time.Time
	Found      int
	Aggregated int
	Skipped    int
	Failed     int
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg *AggregatorConfig) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Aggregator{store: cfg.Store, logger: cfg.Logger, loc: loc, now: now}, nil
}

// PreviousHour returns the start of the hour before the one containing
// now, in the aggregator's zone.
func (a *Aggregator) PreviousHour() time.Time {
	return HourStart(a.now().Add(-time.Hour), a.loc)
}

// HourStart truncates t to the start of its hour in loc, keeping t's
// offset so both occurrences of a repeated DST hour stay distinct.
func HourStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	into := time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return local.Add(-into)
}

// Run aggregates the given hour, or the previous hour when hour is nil.
// A device that fails is logged and counted; the run continues and
// reports an error at the end.
func (a *Aggregator) Run(ctx context.Context, hour *time.Time) (*AggregateReport, error) {
	target := a.PreviousHour()
	if hour != nil {
		target = HourStart(*hour, a.loc)
	}

	report := &AggregateReport{Hour: target}
	logger := a.logger.With("hour", target.Format(time.RFC3339))
	logger.Info("aggregating hourly statistics")

	ids, err := a.store.ActiveDeviceIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list active devices: %w", err)
	}
	report.Found = len(ids)
	logger.Info("found active devices", "count", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		aggregated, err := a.aggregateDevice(ctx, id, target)
		switch {
		case err != nil:
			report.Failed++
			logger.Error("failed to aggregate device", "device_id", id, "error", err)
		case aggregated:
			report.Aggregated++
		default:
			report.Skipped++
			logger.Debug("no data for device", "device_id", id)
		}
	}

	logger.Info("aggregation complete",
		"found", report.Found,
		"aggregated", report.Aggregated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)

	if report.Failed > 0 {
		return report, fmt.Errorf("aggregation failed for %d of %d devices", report.Failed, report.Found)
	}
	return report, nil
}

func (a *Aggregator) aggregateDevice(ctx context.Context, deviceID string, hour time.Time) (bool, error) {
	stat, err := a.store.ComputeHourly(ctx, deviceID, hour)
	if err != nil {
		return false, fmt.Errorf("failed to compute statistics: %w", err)
	}
	if stat == nil || stat.SampleCount == 0 {
		return false, nil
	}

	stat.DeviceID = deviceID
	stat.HourTimestamp = hour
	if err := a.store.UpsertHourly(ctx, stat); err != nil {
		return false, fmt.Errorf("failed to store statistics: %w", err)
	}

	a.logger.Debug("aggregated device", "device_id", deviceID, "samples", stat.SampleCount)
	return true, nil
}
