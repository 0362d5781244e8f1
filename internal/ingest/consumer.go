package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry/pkg/metrics"
	"procodus.dev/telemetry/pkg/mq"
)

// APIKeyHeader is the AMQP header carrying the credential.
const APIKeyHeader = "x-api-key"

// Content types accepted on the queue. Anything else is treated as JSON.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

// Consumer feeds queued device payloads through the ingestion Service.
type Consumer struct {
	service    *Service
	client     mq.ClientInterface
	logger     *slog.Logger
	metrics    *metrics.IngestMetrics
	queue      string
	retryDelay time.Duration
}

// ConsumerConfig holds the dependencies of a Consumer.
type ConsumerConfig struct {
	Service    *Service
	Client     mq.ClientInterface
	Logger     *slog.Logger
	Metrics    *metrics.IngestMetrics // optional
	QueueName  string
	RetryDelay time.Duration // wait between subscribe attempts; 1s if zero
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Service == nil {
		return nil, errors.New("service cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &Consumer{
		service:    cfg.Service,
		client:     cfg.Client,
		logger:     cfg.Logger.With("queue", cfg.QueueName),
		metrics:    cfg.Metrics,
		queue:      cfg.QueueName,
		retryDelay: delay,
	}, nil
}

// Run consumes until ctx is canceled. It resubscribes whenever the broker
// channel is lost.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer")

	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
		defer c.metrics.ActiveConsumers.Dec()
	}

	for {
		deliveries, err := c.subscribe(ctx)
		if err != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		c.logger.Info("consumer subscribed, waiting for messages")

		if done := c.drain(ctx, deliveries); done {
			c.logger.Info("consumer stopped")
			return nil
		}

		c.logger.Warn("deliveries channel closed, resubscribing")

		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return nil
		case <-time.After(c.retryDelay):
		}
	}
}

// subscribe retries Consume until it succeeds or ctx ends.
func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	for {
		if c.client.Ready() {
			deliveries, err := c.client.Consume()
			if err == nil {
				return deliveries, nil
			}
			c.logger.Warn("failed to start consuming", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// drain handles deliveries until the channel closes or ctx ends. It
// returns true when ctx ended.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case delivery, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) outcome(status string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queue, status).Inc()
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	logger := c.logger.With("message_id", delivery.MessageId)

	deviceID, err := c.process(ctx, delivery)
	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
			return
		}
		c.outcome("ack")
		logger.Debug("message ingested", "device_id", deviceID)

	case isRejection(err):
		// Redelivery cannot fix a bad payload or key.
		logger.Warn("dropping message", "error", err)
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
			return
		}
		c.outcome("reject")

	default:
		logger.Error("failed to ingest message, requeueing", "error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack message", "error", nackErr)
			return
		}
		c.outcome("requeue")
	}
}

func (c *Consumer) process(ctx context.Context, delivery amqp.Delivery) (string, error) {
	label, err := c.service.Authorize(SourceAMQP, headerString(delivery.Headers, APIKeyHeader))
	if err != nil {
		return "", err
	}

	var payload Payload
	if isProtobuf(delivery.ContentType) {
		payload, err = DecodeProto(delivery.Body)
	} else {
		payload, err = DecodeJSON(delivery.Body)
	}
	if err != nil {
		return "", fmt.Errorf("failed to decode message: %w", err)
	}

	return c.service.Ingest(ctx, Input{
		Payload: payload,
		Source:  SourceAMQP,
		Label:   label,
	})
}

// isRejection reports whether err was caused by the message itself.
func isRejection(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidJSON) ||
		errors.Is(err, ErrMissingDeviceID) ||
		errors.Is(err, ErrInvalidField)
}

func isProtobuf(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == ContentTypeProtobuf || ct == "application/x-protobuf"
}

func headerString(headers amqp.Table, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
