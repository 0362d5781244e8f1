package telemetry

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry/internal/jobs"
	"procodus.dev/telemetry/internal/store"
)

var _ = Describe("Jobs E2E", func() {
	var (
		ctx  context.Context
		hour time.Time
	)

	sample := func(deviceID string, at time.Time, temp, humidity *float64) {
		Expect(repo.Ingest(ctx, &store.IngestRecord{
			ReceivedAt: at,
			Device:     store.DeviceUpdate{DeviceID: deviceID},
			Sample: store.TelemetrySample{
				Timestamp:   at,
				Temperature: temp,
				Humidity:    humidity,
				FreeHeap:    ptr(int64(20000)),
			},
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		hour = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		resetTables()
	})

	Describe("Aggregator", func() {
		var aggregator *jobs.Aggregator

		BeforeEach(func() {
			var err error
			aggregator, err = jobs.NewAggregator(&jobs.AggregatorConfig{
				Store:    repo,
				Logger:   testLogger,
				Location: time.UTC,
			})
			Expect(err).NotTo(HaveOccurred())

			sample("D1", hour, ptr(20.0), ptr(40.0))
			sample("D1", hour.Add(20*time.Minute), ptr(22.0), ptr(50.0))
			sample("D1", hour.Add(59*time.Minute), ptr(24.0), nil)
			sample("D1", hour.Add(30*time.Minute), nil, ptr(90.0))
			sample("D1", hour.Add(time.Hour), ptr(99.0), nil)
			sample("D2", hour.Add(-time.Minute), ptr(15.0), nil)
		})

		statistics := func(deviceID string) []store.HourlyStatistic {
			stats, err := repo.Statistics(ctx, store.StatisticsQuery{DeviceID: deviceID, Limit: 100})
			Expect(err).NotTo(HaveOccurred())
			return stats
		}

		It("rolls up the hour over samples with a temperature", func() {
			report, err := aggregator.Run(ctx, &hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Found).To(Equal(2))
			Expect(report.Aggregated).To(Equal(1))
			Expect(report.Skipped).To(Equal(1))

			stats := statistics("D1")
			Expect(stats).To(HaveLen(1))

			s := stats[0]
			Expect(s.HourTimestamp).To(BeTemporally("==", hour))
			Expect(s.SampleCount).To(Equal(int64(3)))
			Expect(s.TempAvg).To(HaveValue(BeNumerically("~", 22.0, 1e-9)))
			Expect(s.TempMin).To(HaveValue(Equal(20.0)))
			Expect(s.TempMax).To(HaveValue(Equal(24.0)))
			Expect(s.HumidityAvg).To(HaveValue(BeNumerically("~", 45.0, 1e-9)))
			Expect(s.FreeHeapAvg).To(HaveValue(BeNumerically("~", 20000.0, 1e-9)))
			Expect(s.UptimeAvg).To(BeNil())

			Expect(statistics("D2")).To(BeEmpty())
		})

		It("overwrites the rollup on rerun", func() {
			_, err := aggregator.Run(ctx, &hour)
			Expect(err).NotTo(HaveOccurred())

			_, err = aggregator.Run(ctx, &hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(statistics("D1")).To(HaveLen(1))

			sample("D1", hour.Add(45*time.Minute), ptr(30.0), nil)

			_, err = aggregator.Run(ctx, &hour)
			Expect(err).NotTo(HaveOccurred())

			stats := statistics("D1")
			Expect(stats).To(HaveLen(1))
			Expect(stats[0].SampleCount).To(Equal(int64(4)))
			Expect(stats[0].TempMax).To(HaveValue(Equal(30.0)))
		})
	})

	Describe("Retention", func() {
		var now, cutoff time.Time

		newRetention := func(dryRun bool) *jobs.Retention {
			r, err := jobs.NewRetention(&jobs.RetentionConfig{
				Store:  repo,
				Logger: testLogger,
				Days:   30,
				DryRun: dryRun,
				Now:    func() time.Time { return now },
			})
			Expect(err).NotTo(HaveOccurred())
			return r
		}

		count := func(model any) int64 {
			var n int64
			Expect(db.Model(model).Count(&n).Error).To(Succeed())
			return n
		}

		BeforeEach(func() {
			now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
			cutoff = now.AddDate(0, 0, -30)

			old := cutoff.Add(-time.Hour)
			Expect(repo.Ingest(ctx, &store.IngestRecord{
				ReceivedAt: old,
				Device:     store.DeviceUpdate{DeviceID: "D1"},
				Sample:     store.TelemetrySample{Timestamp: old, Temperature: ptr(1.0)},
				Event:      &store.Event{Timestamp: old, EventType: "info", EventCategory: "general"},
			})).To(Succeed())
			sample("D1", cutoff, ptr(2.0), nil)
			sample("D1", now, ptr(3.0), nil)

			Expect(repo.UpsertHourly(ctx, &store.HourlyStatistic{
				DeviceID: "D1", HourTimestamp: old.Truncate(time.Hour), SampleCount: 1,
			})).To(Succeed())
			Expect(repo.UpsertHourly(ctx, &store.HourlyStatistic{
				DeviceID: "D1", HourTimestamp: now.Truncate(time.Hour), SampleCount: 1,
			})).To(Succeed())
		})

		It("only counts in dry-run mode", func() {
			report, err := newRetention(true).Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.DryRun).To(BeTrue())
			Expect(report.Cutoff).To(Equal(cutoff))
			Expect(report.Found.Telemetry).To(Equal(int64(1)))
			Expect(report.Found.Events).To(Equal(int64(1)))
			Expect(report.Found.Statistics).To(Equal(int64(1)))
			Expect(report.Deleted.Telemetry).To(BeZero())

			Expect(count(&store.TelemetrySample{})).To(Equal(int64(3)))
			Expect(count(&store.Event{})).To(Equal(int64(1)))
			Expect(count(&store.HourlyStatistic{})).To(Equal(int64(2)))
		})

		It("deletes rows strictly older than the cutoff and keeps devices", func() {
			report, err := newRetention(false).Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Deleted.Telemetry).To(Equal(int64(1)))
			Expect(report.Deleted.Events).To(Equal(int64(1)))
			Expect(report.Deleted.Statistics).To(Equal(int64(1)))
			Expect(report.Tables).NotTo(BeEmpty())

			Expect(count(&store.TelemetrySample{})).To(Equal(int64(2)))
			Expect(count(&store.Event{})).To(BeZero())
			Expect(count(&store.HourlyStatistic{})).To(Equal(int64(1)))
			Expect(count(&store.Device{})).To(Equal(int64(1)))

			report, err = newRetention(false).Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted.Telemetry).To(BeZero())
		})
	})
})
