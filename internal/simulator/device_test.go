package simulator_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry/internal/auth"
	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/simulator"
	"procodus.dev/telemetry/internal/store/mock"
)

var _ = Describe("Device", func() {
	var (
		now    time.Time
		device *simulator.Device
	)

	BeforeEach(func() {
		now = time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC)
		var err error
		device, err = simulator.NewDevice(gofakeit.New(42), now)
		Expect(err).NotTo(HaveOccurred())
	})

	It("gets a fake identity", func() {
		Expect(device.ID).To(MatchRegexp(`^esp32-\d{6}$`))
		Expect(device.Name).To(HaveSuffix(" Sensor"))
		Expect(device.MACAddress).To(HaveLen(17))
		Expect(device.IPAddress).NotTo(BeEmpty())
		Expect(device.Firmware).NotTo(BeEmpty())
		Expect(device.Filesystem).To(MatchRegexp(`^fs-\d{4}$`))
	})

	It("is reproducible for a seed", func() {
		again, err := simulator.NewDevice(gofakeit.New(42), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.ID).To(Equal(device.ID))
		Expect(again.MACAddress).To(Equal(device.MACAddress))
	})

	It("produces plausible readings", func() {
		for i := range 50 {
			r := device.Reading(now.Add(time.Duration(i)*time.Minute), 0)
			Expect(r.DeviceID).To(Equal(device.ID))
			Expect(r.Temperature).To(BeNumerically("~", 22, 10))
			Expect(r.Humidity).To(BeNumerically(">=", 5))
			Expect(r.Humidity).To(BeNumerically("<=", 95))
			Expect(r.WifiRSSI).To(BeNumerically("<", 0))
			Expect(r.FreeHeap).To(BeNumerically(">", 0))
			Expect(r.UptimeSeconds).To(BeNumerically(">=", 60))
		}
	})

	It("always attaches an event at full rate", func() {
		for range 20 {
			r := device.Reading(now, 1)
			Expect(r.Event).NotTo(BeNil())
			Expect(r.Event.Type).To(BeElementOf("info", "warning"))
		}
	})

	It("produces payloads the ingestion service accepts", func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		repo := mock.NewMockRepository()
		creds, err := auth.New(false, nil)
		Expect(err).NotTo(HaveOccurred())
		svc, err := ingest.NewService(&ingest.Config{Store: repo, Credentials: creds, Logger: logger})
		Expect(err).NotTo(HaveOccurred())

		body, err := json.Marshal(device.Reading(now, 1))
		Expect(err).NotTo(HaveOccurred())
		payload, err := ingest.DecodeJSON(body)
		Expect(err).NotTo(HaveOccurred())

		id, err := svc.Ingest(context.Background(), ingest.Input{Payload: payload, Source: ingest.SourceHTTP})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(device.ID))

		rec := repo.Ingested()[0]
		Expect(rec.Sample.Timestamp).To(Equal(now))
		Expect(rec.Sample.ExtraData).To(BeNil())
		Expect(rec.Event).NotTo(BeNil())
	})
})
