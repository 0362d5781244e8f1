// Package ingest validates device payloads and writes them through the
// store. The HTTP handler and the AMQP consumer share one Service.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/telemetry/internal/auth"
	"procodus.dev/telemetry/internal/store"
	"procodus.dev/telemetry/pkg/metrics"
)

// Sources label where a payload came from.
const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"
)

var (
	// ErrUnauthorized is returned for an API key the credential table rejects.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidJSON is returned when the body is not a single JSON object.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrMissingDeviceID is returned when device_id is absent, empty or not a scalar.
	ErrMissingDeviceID = errors.New("missing required field: device_id")
	// ErrInvalidField is returned when a known field cannot be coerced to its type.
	ErrInvalidField = errors.New("invalid field")
)

const (
	defaultEventType     = "info"
	defaultEventCategory = "general"
)

// Config holds the dependencies of a Service.
type Config struct {
	Store       store.Repository
	Credentials *auth.Credentials
	Logger      *slog.Logger
	Location    *time.Location         // zone for timestamps without offset; UTC if nil
	Metrics     *metrics.IngestMetrics // optional
	Now         func() time.Time       // optional, for tests
}

// Service turns authorized payloads into store writes.
type Service struct {
	store   store.Repository
	creds   *auth.Credentials
	logger  *slog.Logger
	loc     *time.Location
	metrics *metrics.IngestMetrics
	now     func() time.Time
}

// Input is one authorized payload.
type Input struct {
	Payload Payload
	Source  string
	// Label is the credential label returned by Authorize.
	Label string
	// RemoteIP is used as ip_address when the payload carries none.
	RemoteIP string
}

// NewService creates a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials cannot be nil")
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

	return &Service{
		store:   cfg.Store,
		creds:   cfg.Credentials,
		logger:  cfg.Logger,
		loc:     loc,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

func (s *Service) count(source, status string) {
	if s.metrics != nil {
		s.metrics.RecordsTotal.WithLabelValues(source, status).Inc()
	}
}

// Authorize resolves apiKey to a device label.
func (s *Service) Authorize(source, apiKey string) (string, error) {
	label, ok := s.creds.Lookup(apiKey)
	if !ok {
		s.count(source, "unauthorized")
		return "", ErrUnauthorized
	}
	return label, nil
}

// Ingest validates in and stores the device update, the sample and the
// optional event atomically. It returns the device id.
func (s *Service) Ingest(ctx context.Context, in Input) (string, error) {
	start := s.now()

	rec, err := s.record(in, start.UTC())
	if err != nil {
		s.count(in.Source, "invalid")
		return "", err
	}

	logger := s.logger.With("device_id", rec.Device.DeviceID, "source", in.Source)

	if err := s.store.Ingest(ctx, rec); err != nil {
		s.count(in.Source, "error")
		logger.Error("failed to store payload", "error", err)
		return "", fmt.Errorf("failed to store payload: %w", err)
	}

	s.count(in.Source, "success")
	if s.metrics != nil {
		s.metrics.ProcessingDuration.WithLabelValues(in.Source).Observe(time.Since(start).Seconds())
		if rec.Event != nil {
			s.metrics.EventsTotal.WithLabelValues(rec.Event.EventType).Inc()
		}
	}

	logger.Debug("payload stored", "event", rec.Event != nil)

	return rec.Device.DeviceID, nil
}

func (s *Service) record(in Input, receivedAt time.Time) (*store.IngestRecord, error) {
	p := in.Payload
	if p == nil {
		return nil, ErrInvalidJSON
	}

	id, err := p.deviceID()
	if err != nil {
		return nil, err
	}

	device := store.DeviceUpdate{DeviceID: id, DefaultName: in.Label}
	for _, f := range []struct {
		dst  **string
		name string
	}{
		{&device.DeviceName, fieldDeviceName},
		{&device.FirmwareVersion, fieldFirmwareVersion},
		{&device.FilesystemVersion, fieldFilesystemVersion},
		{&device.IPAddress, fieldIPAddress},
		{&device.MACAddress, fieldMACAddress},
	} {
		if *f.dst, err = str(f.name, p[f.name]); err != nil {
			return nil, err
		}
	}

	if device.IPAddress == nil && in.RemoteIP != "" {
		ip := in.RemoteIP
		device.IPAddress = &ip
	}

	sample := store.TelemetrySample{DeviceID: id, Timestamp: s.timestamp(p, in.Source, id, receivedAt)}

	if sample.Temperature, err = float(fieldTemperature, p[fieldTemperature]); err != nil {
		return nil, err
	}
	if sample.Humidity, err = float(fieldHumidity, p[fieldHumidity]); err != nil {
		return nil, err
	}
	if sample.UptimeSeconds, err = integer(fieldUptimeSeconds, p[fieldUptimeSeconds]); err != nil {
		return nil, err
	}
	if sample.FreeHeap, err = integer(fieldFreeHeap, p[fieldFreeHeap]); err != nil {
		return nil, err
	}
	if sample.WifiRSSI, err = integer(fieldWifiRSSI, p[fieldWifiRSSI]); err != nil {
		return nil, err
	}
	if sample.Connected, err = boolean(fieldConnected, p[fieldConnected]); err != nil {
		return nil, err
	}

	if sample.ExtraData, err = p.extra(); err != nil {
		return nil, err
	}

	event, err := eventFrom(p[fieldEvent], id, receivedAt)
	if err != nil {
		return nil, err
	}

	return &store.IngestRecord{
		ReceivedAt: receivedAt,
		Device:     device,
		Sample:     sample,
		Event:      event,
	}, nil
}

// timestamp falls back to the receipt time when the payload has none or
// an unreadable one.
func (s *Service) timestamp(p Payload, source, deviceID string, receivedAt time.Time) time.Time {
	raw, ok := p[fieldTimestamp]
	if !ok || raw == nil {
		return receivedAt
	}

	ts, err := ParseTimestamp(raw, s.loc)
	if err != nil {
		s.logger.Debug("unparseable timestamp, using receipt time",
			"device_id", deviceID,
			"timestamp", raw,
		)
		if s.metrics != nil {
			s.metrics.TimestampFallbacks.WithLabelValues(source).Inc()
		}
		return receivedAt
	}

	return ts
}

func eventFrom(v any, deviceID string, receivedAt time.Time) (*store.Event, error) {
	if v == nil {
		return nil, nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, invalidField(fieldEvent, v)
	}

	event := &store.Event{
		DeviceID:      deviceID,
		Timestamp:     receivedAt,
		EventType:     defaultEventType,
		EventCategory: defaultEventCategory,
	}

	if t, err := str("event.type", obj["type"]); err != nil {
		return nil, err
	} else if t != nil {
		event.EventType = *t
	}

	if c, err := str("event.category", obj["category"]); err != nil {
		return nil, err
	} else if c != nil {
		event.EventCategory = *c
	}

	if m, err := str("event.message", obj["message"]); err != nil {
		return nil, err
	} else if m != nil {
		event.Message = *m
	}

	if details, ok := obj["details"]; ok && details != nil {
		if hasNUL(details) {
			return nil, nulField("event.details")
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("%w: event.details: %w", ErrInvalidField, err)
		}
		event.Details = raw
	}

	return event, nil
}
