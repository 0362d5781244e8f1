package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the AMQP client shared by the
// ingestion consumer and the simulator.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	PushDuration      *prometheus.HistogramVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
	Subscriptions     *prometheus.CounterVec
	SubscribeFailures *prometheus.CounterVec
}

// NewMQMetrics creates and registers AMQP client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "messages_published_total",
				Help:      "Total number of confirmed publishes",
			},
			[]string{"queue"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publish attempts",
			},
			[]string{"queue", "reason"}, // reason: not_connected, nack, publish_error, ...
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "publish_duration_seconds",
				Help:      "Duration of Push including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of broker reconnection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "connection_status",
				Help:      "Broker connection status (1=connected, 0=disconnected)",
			},
		),
		Subscriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "subscriptions_total",
				Help:      "Total number of queue subscriptions opened",
			},
			[]string{"queue"},
		),
		SubscribeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "amqp",
				Name:      "subscribe_failures_total",
				Help:      "Total number of failed queue subscriptions",
			},
			[]string{"queue", "reason"},
		),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.Subscriptions,
		m.SubscribeFailures,
	)

	return m
}
