package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry/internal/jobs"
	"procodus.dev/telemetry/internal/store"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete telemetry older than the retention period",
	Long: `Deletes telemetry samples, events and hourly statistics older than
retention.days (default 90) and prints the size of each table afterwards.
Use --dry-run to only report what would be deleted.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().Bool("dry-run", false, "report what would be deleted without deleting")
	cleanupCmd.Flags().Int("retention-days", jobs.DefaultRetentionDays, "days of data to keep")

	_ = viper.BindPFlag("retention.days", cleanupCmd.Flags().Lookup("retention-days"))
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	log := GetLogger("cleanup")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

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

	job, err := jobs.NewRetention(&jobs.RetentionConfig{
		Store:  repo,
		Logger: log,
		Days:   viper.GetInt("retention.days"),
		DryRun: dryRun,
	})
	if err != nil {
		return err
	}

	report, err := job.Run(context.Background())
	if err != nil {
		log.Error("retention cleanup failed", "error", err)
		return err
	}

	printRetention(cmd, report)
	return nil
}

func printRetention(cmd *cobra.Command, report *jobs.RetentionReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cutoff: %s\n", report.Cutoff.Format("2006-01-02 15:04:05 MST"))
	if report.DryRun {
		fmt.Fprintln(out, "Dry run: nothing was deleted")
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tEXPIRED\tDELETED")
	for _, series := range store.AllSeries {
		fmt.Fprintf(w, "%s\t%d\t%d\n", series, *report.Found.Field(series), *report.Deleted.Field(series))
	}
	_ = w.Flush()

	if len(report.Tables) == 0 {
		return
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSIZE\tROWS (EST.)")
	for _, t := range report.Tables {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.Table, formatBytes(t.SizeBytes), t.Rows)
	}
	_ = w.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
