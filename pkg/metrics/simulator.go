package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	MessagesSent    *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec
	ActiveDevices   prometheus.Gauge
	EventsGenerated prometheus.Counter
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_sent_total",
				Help:      "Total number of simulated readings sent",
			},
			[]string{"transport", "status"}, // transport: http, amqp
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_duration_seconds",
				Help:      "Duration of sending one simulated reading",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices currently reporting",
			},
		),
		EventsGenerated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "events_generated_total",
				Help:      "Total number of simulated events attached to readings",
			},
		),
	}

	MustRegister(
		m.MessagesSent,
		m.SendDuration,
		m.ActiveDevices,
		m.EventsGenerated,
	)

	return m
}
