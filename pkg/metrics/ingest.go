package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion pipeline.
type IngestMetrics struct {
	RecordsTotal          *prometheus.CounterVec
	EventsTotal           *prometheus.CounterVec
	TimestampFallbacks    *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	ConsumerMessagesTotal *prometheus.CounterVec
	ActiveConsumers       prometheus.Gauge
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "records_total",
				Help:      "Total number of ingestion attempts",
			},
			[]string{"source", "status"}, // source: http, amqp
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Total number of events stored",
			},
			[]string{"event_type"},
		),
		TimestampFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "timestamp_fallbacks_total",
				Help:      "Total number of unparseable timestamps replaced by the receipt time",
			},
			[]string{"source"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of record ingestion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ConsumerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of messages consumed",
			},
			[]string{"queue", "status"}, // status: ack, reject, requeue
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_consumers",
				Help:      "Number of active message consumers",
			},
		),
	}

	MustRegister(
		m.RecordsTotal,
		m.EventsTotal,
		m.TimestampFallbacks,
		m.ProcessingDuration,
		m.ConsumerMessagesTotal,
		m.ActiveConsumers,
	)

	return m
}
