package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry/internal/auth"
	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/store"
	"procodus.dev/telemetry/internal/store/mock"
)

var _ = Describe("Service", func() {
	var (
		logger  *slog.Logger
		repo    *mock.MockRepository
		creds   *auth.Credentials
		svc     *ingest.Service
		ctx     context.Context
		receipt time.Time
	)

	decode := func(body string) ingest.Payload {
		p, err := ingest.DecodeJSON([]byte(body))
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	ingestOne := func(body string) (store.IngestRecord, error) {
		_, err := svc.Ingest(ctx, ingest.Input{
			Payload:  decode(body),
			Source:   ingest.SourceHTTP,
			Label:    "Kitchen Sensor",
			RemoteIP: "192.0.2.10",
		})
		if err != nil {
			return store.IngestRecord{}, err
		}
		records := repo.Ingested()
		Expect(records).NotTo(BeEmpty())
		return records[len(records)-1], nil
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		repo = mock.NewMockRepository()
		ctx = context.Background()
		receipt = time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

		var err error
		creds, err = auth.New(true, []auth.Credential{{Key: "k1", Label: "Kitchen Sensor"}})
		Expect(err).NotTo(HaveOccurred())

		svc, err = ingest.NewService(&ingest.Config{
			Store:       repo,
			Credentials: creds,
			Logger:      logger,
			Now:         func() time.Time { return receipt },
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewService", func() {
		DescribeTable("rejects incomplete configuration",
			func(mutate func(*ingest.Config), msg string) {
				cfg := &ingest.Config{Store: repo, Credentials: creds, Logger: logger}
				mutate(cfg)
				_, err := ingest.NewService(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
			},
			Entry("store", func(c *ingest.Config) { c.Store = nil }, "store cannot be nil"),
			Entry("credentials", func(c *ingest.Config) { c.Credentials = nil }, "credentials cannot be nil"),
			Entry("logger", func(c *ingest.Config) { c.Logger = nil }, "logger cannot be nil"),
		)

		It("rejects a nil config", func() {
			_, err := ingest.NewService(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})
	})

	Describe("Authorize", func() {
		It("returns the label of a known key", func() {
			label, err := svc.Authorize(ingest.SourceHTTP, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(label).To(Equal("Kitchen Sensor"))
		})

		It("rejects an unknown key", func() {
			_, err := svc.Authorize(ingest.SourceHTTP, "wrong")
			Expect(err).To(MatchError(ingest.ErrUnauthorized))
		})
	})

	Describe("Ingest", func() {
		It("maps a minimal payload", func() {
			rec, err := ingestOne(`{"device_id":"D1","temperature":23.5,"humidity":45.2}`)
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.ReceivedAt).To(Equal(receipt))
			Expect(rec.Device.DeviceID).To(Equal("D1"))
			Expect(rec.Device.DefaultName).To(Equal("Kitchen Sensor"))
			Expect(rec.Device.DeviceName).To(BeNil())
			Expect(rec.Device.IPAddress).To(HaveValue(Equal("192.0.2.10")))
			Expect(rec.Sample.Timestamp).To(Equal(receipt))
			Expect(rec.Sample.Temperature).To(HaveValue(Equal(23.5)))
			Expect(rec.Sample.Humidity).To(HaveValue(Equal(45.2)))
			Expect(rec.Sample.UptimeSeconds).To(BeNil())
			Expect(rec.Sample.Connected).To(BeNil())
			Expect(rec.Sample.ExtraData).To(BeNil())
			Expect(rec.Event).To(BeNil())
		})

		It("maps every known field", func() {
			rec, err := ingestOne(`{
				"device_id": "D1",
				"device_name": "Living Room",
				"firmware_version": "1.4.2",
				"filesystem_version": "fs-9",
				"ip_address": "10.0.0.7",
				"mac_address": "AA:BB:CC:DD:EE:FF",
				"timestamp": "2024-06-01T11:59:00Z",
				"uptime_seconds": 3600,
				"free_heap": "20480",
				"wifi_rssi": -67,
				"ms11_connected": 1
			}`)
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.Device.DeviceName).To(HaveValue(Equal("Living Room")))
			Expect(rec.Device.FirmwareVersion).To(HaveValue(Equal("1.4.2")))
			Expect(rec.Device.FilesystemVersion).To(HaveValue(Equal("fs-9")))
			Expect(rec.Device.IPAddress).To(HaveValue(Equal("10.0.0.7")))
			Expect(rec.Device.MACAddress).To(HaveValue(Equal("AA:BB:CC:DD:EE:FF")))
			Expect(rec.Sample.Timestamp).To(Equal(time.Date(2024, 6, 1, 11, 59, 0, 0, time.UTC)))
			Expect(rec.Sample.UptimeSeconds).To(HaveValue(Equal(int64(3600))))
			Expect(rec.Sample.FreeHeap).To(HaveValue(Equal(int64(20480))))
			Expect(rec.Sample.WifiRSSI).To(HaveValue(Equal(int64(-67))))
			Expect(rec.Sample.Connected).To(HaveValue(BeTrue()))
		})

		It("keeps unknown keys as extra data and leaves the event out of it", func() {
			rec, err := ingestOne(`{"device_id":"D1","battery":3.7,"mode":"eco","event":{"type":"warning"}}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(rec.Sample.ExtraData)).To(MatchJSON(`{"battery":3.7,"mode":"eco"}`))
		})

		It("applies event defaults", func() {
			rec, err := ingestOne(`{"device_id":"D1","event":{}}`)
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.Event).NotTo(BeNil())
			Expect(rec.Event.EventType).To(Equal("info"))
			Expect(rec.Event.EventCategory).To(Equal("general"))
			Expect(rec.Event.Message).To(BeEmpty())
			Expect(rec.Event.Details).To(BeNil())
			Expect(rec.Event.Timestamp).To(Equal(receipt))
		})

		It("keeps event details as JSON", func() {
			rec, err := ingestOne(`{"device_id":"D1","event":{"type":"error","category":"ms11","message":"link lost","details":{"retries":3}}}`)
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.Event.EventType).To(Equal("error"))
			Expect(rec.Event.EventCategory).To(Equal("ms11"))
			Expect(rec.Event.Message).To(Equal("link lost"))
			Expect(string(rec.Event.Details)).To(MatchJSON(`{"retries":3}`))
		})

		It("falls back to the receipt time for unreadable timestamps", func() {
			rec, err := ingestOne(`{"device_id":"D1","timestamp":"not a time"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Sample.Timestamp).To(Equal(receipt))
		})

		It("accepts a numeric device id", func() {
			rec, err := ingestOne(`{"device_id":42}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Device.DeviceID).To(Equal("42"))
		})

		It("treats blank strings as absent", func() {
			rec, err := ingestOne(`{"device_id":"D1","device_name":"  ","temperature":""}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Device.DeviceName).To(BeNil())
			Expect(rec.Sample.Temperature).To(BeNil())
		})

		DescribeTable("rejects payloads without a usable device id",
			func(body string) {
				_, err := ingestOne(body)
				Expect(err).To(MatchError(ingest.ErrMissingDeviceID))
				Expect(repo.Ingested()).To(BeEmpty())
			},
			Entry("absent", `{"temperature":1}`),
			Entry("empty", `{"device_id":""}`),
			Entry("null", `{"device_id":null}`),
			Entry("object", `{"device_id":{"id":"D1"}}`),
			Entry("array", `{"device_id":["D1"]}`),
		)

		DescribeTable("rejects uncoercible fields",
			func(body string, field string) {
				_, err := ingestOne(body)
				Expect(err).To(MatchError(ingest.ErrInvalidField))
				Expect(err.Error()).To(ContainSubstring(field))
				Expect(repo.Ingested()).To(BeEmpty())
			},
			Entry("temperature text", `{"device_id":"D1","temperature":"warm"}`, "temperature"),
			Entry("humidity object", `{"device_id":"D1","humidity":{"v":1}}`, "humidity"),
			Entry("uptime boolean", `{"device_id":"D1","uptime_seconds":true}`, "uptime_seconds"),
			Entry("connected text", `{"device_id":"D1","ms11_connected":"maybe"}`, "ms11_connected"),
			Entry("event scalar", `{"device_id":"D1","event":"boot"}`, "event"),
			Entry("overlong mac", `{"device_id":"D1","mac_address":"AA:BB:CC:DD:EE:FF:00"}`, "mac_address"),
			Entry("overlong event type", `{"device_id":"D1","event":{"type":"aaaaaaaaaaaaaaaaaaaaa"}}`, "event.type"),
			Entry("uptime of 2^63", `{"device_id":"D1","uptime_seconds":9223372036854775808}`, "uptime_seconds"),
			Entry("free heap below int64", `{"device_id":"D1","free_heap":-9223372036854777856}`, "free_heap"),
			Entry("NUL in device id", `{"device_id":"D\u00001"}`, "device_id"),
			Entry("NUL in device name", `{"device_id":"D1","device_name":"a\u0000b"}`, "device_name"),
			Entry("NUL in event message", `{"device_id":"D1","event":{"message":"x\u0000"}}`, "event.message"),
			Entry("NUL in extra value", `{"device_id":"D1","note":"x\u0000y"}`, "extra data"),
			Entry("NUL in nested extra key", `{"device_id":"D1","meta":[{"k\u0000":1}]}`, "extra data"),
			Entry("NUL in event details", `{"device_id":"D1","event":{"details":{"trace":["ok","\u0000"]}}}`, "event.details"),
		)

		It("accepts the smallest int64", func() {
			rec, err := ingestOne(`{"device_id":"D1","wifi_rssi":-9223372036854775808}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Sample.WifiRSSI).To(HaveValue(Equal(int64(math.MinInt64))))
		})

		It("wraps store failures", func() {
			repo.IngestError = errors.New("connection reset")

			_, err := ingestOne(`{"device_id":"D1"}`)
			Expect(err).To(MatchError(ContainSubstring("failed to store payload")))
			Expect(errors.Is(err, ingest.ErrInvalidField)).To(BeFalse())
		})

		It("reports the device id on success", func() {
			id, err := svc.Ingest(ctx, ingest.Input{Payload: decode(`{"device_id":"D9"}`), Source: ingest.SourceAMQP})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("D9"))
			Expect(repo.Ingested()[0].Device.IPAddress).To(BeNil())
		})
	})
})
