package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"procodus.dev/telemetry/internal/jobs"
	"procodus.dev/telemetry/internal/store"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Roll telemetry up into hourly statistics",
	Long: `Computes count, average, minimum and maximum values per active device for
one hour and upserts them into statistics_hourly. Without --hour the hour
before the current one is aggregated. Run it from cron every hour:

  5 * * * * telemetry aggregate`,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().String("hour", "", `hour to aggregate, e.g. "2024-01-31 14:00" (default: previous hour)`)
}

var hourLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15",
}

func parseHour(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range hourLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --hour %q", s)
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	log := GetLogger("aggregate")

	loc, err := loadLocation()
	if err != nil {
		return err
	}

	var hour *time.Time
	if raw, _ := cmd.Flags().GetString("hour"); raw != "" {
		h, err := parseHour(raw, loc)
		if err != nil {
			return err
		}
		hour = &h
	}

	db, err := store.NewDB(dbConfig(log, true))
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return err
	}
	defer func() { _ = store.CloseDB(db, log) }()

	repo, err := store.NewStore(&store.StoreConfig{DB: db, Logger: log})
	if err != nil {
		return err
	}

	agg, err := jobs.NewAggregator(&jobs.AggregatorConfig{Store: repo, Logger: log, Location: loc})
	if err != nil {
		return err
	}

	report, runErr := agg.Run(context.Background(), hour)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Hour:       %s\n", report.Hour.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(out, "Devices:    %d\n", report.Found)
	fmt.Fprintf(out, "Aggregated: %d\n", report.Aggregated)
	fmt.Fprintf(out, "No data:    %d\n", report.Skipped)
	fmt.Fprintf(out, "Failed:     %d\n", report.Failed)

	return runErr
}
