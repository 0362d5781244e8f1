// Package simulator generates synthetic device readings and sends them to
// the ingestion service over HTTP or AMQP.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/telemetry/pkg/metrics"
)

// Config holds the configuration for a Simulator.
type Config struct {
	Logger    *slog.Logger
	Transport Transport
	Metrics   *metrics.SimulatorMetrics // optional

	// Devices is the number of simulated devices.
	Devices int
	// Interval is the time between readings of one device.
	Interval time.Duration
	// EventRate is the probability in [0, 1] of attaching a random event.
	EventRate float64
	// Seed makes the device fleet reproducible; zero picks a random seed.
	Seed uint64

	Now func() time.Time // optional, for tests
}

// Simulator drives a fleet of simulated devices.
type Simulator struct {
	logger    *slog.Logger
	transport Transport
	metrics   *metrics.SimulatorMetrics
	devices   []*Device
	interval  time.Duration
	eventRate float64
	now       func() time.Time
	wg        sync.WaitGroup
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errInvalidEventRate   = errors.New("event rate must be between 0 and 1")
)

// New creates a Simulator and its devices.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Devices <= 0 {
		return nil, errInvalidDeviceCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	if cfg.EventRate < 0 || cfg.EventRate > 1 {
		return nil, errInvalidEventRate
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	faker := gofakeit.New(cfg.Seed)
	devices := make([]*Device, 0, cfg.Devices)
	for range cfg.Devices {
		d, err := NewDevice(faker, now())
		if err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		devices = append(devices, d)
	}

	return &Simulator{
		logger:    cfg.Logger,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		devices:   devices,
		interval:  cfg.Interval,
		eventRate: cfg.EventRate,
		now:       now,
	}, nil
}

// Devices returns the simulated devices.
func (s *Simulator) Devices() []*Device {
	return s.devices
}

// Send generates and sends one reading for d.
func (s *Simulator) Send(ctx context.Context, d *Device) error {
	reading := d.Reading(s.now(), s.eventRate)

	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.SendDuration.WithLabelValues(s.transport.Name()))
		defer timer.ObserveDuration()
	}

	err := s.transport.Send(ctx, reading)

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.MessagesSent.WithLabelValues(s.transport.Name(), status).Inc()
		if err == nil && reading.Event != nil {
			s.metrics.EventsGenerated.Inc()
		}
	}

	return err
}

// SendAll sends one reading per device and returns the joined errors.
func (s *Simulator) SendAll(ctx context.Context) error {
	var errs []error
	for _, d := range s.devices {
		if err := s.Send(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run reports every device on its own ticker until ctx is canceled or a
// shutdown signal arrives, then closes the transport.
func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for _, d := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, d)
	}

	s.logger.Info("simulator started",
		"devices", len(s.devices),
		"interval", s.interval,
		"transport", s.transport.Name(),
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.wg.Wait()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("failed to close transport", "error", err)
	}

	s.logger.Info("simulator stopped")
	return nil
}

func (s *Simulator) runDevice(ctx context.Context, d *Device) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveDevices.Inc()
		defer s.metrics.ActiveDevices.Dec()
	}

	logger := s.logger.With("device_id", d.ID)
	logger.Debug("device started", "name", d.Name)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to send reading", "error", err)
				continue
			}
			logger.Debug("reading sent")
		}
	}
}
