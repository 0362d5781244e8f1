// Package mq provides a RabbitMQ client with automatic reconnection, used to
// carry device payloads between the simulator and the ingestion consumer.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry/pkg/metrics"
)

// Message is a single publishing. Empty ContentType defaults to JSON.
type Message struct {
	Headers     amqp.Table
	ContentType string
	Body        []byte
}

// Config holds the connection parameters of a Client.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.MQMetrics // optional
	URL       string
	QueueName string
	Durable   bool
}

// Client is a RabbitMQ client that keeps one connection and one confirm-mode
// channel alive and re-establishes both when the broker drops them.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	metrics         *metrics.MQMetrics
	queueName       string
	durable         bool
	isReady         bool
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5

	contentTypeJSON = "application/json"
)

var (
	// ErrNotConnected is returned while the client has no usable channel.
	ErrNotConnected = errors.New("not connected to a server")

	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// New creates a client and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := &Client{
		m:         &sync.Mutex{},
		logger:    cfg.Logger.With("queue", cfg.QueueName),
		metrics:   cfg.Metrics,
		queueName: cfg.QueueName,
		durable:   cfg.Durable,
		done:      make(chan struct{}),
	}
	go client.handleReconnect(cfg.URL)

	return client, nil
}

// Ready reports whether the client currently holds an initialized channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

// handleReconnect waits for a connection error and then keeps dialing
// until it succeeds or the client is closed.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit waits for a channel error and re-initializes the channel.
// It returns true once the client is closed and false when the connection
// itself must be replaced.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable,
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("channel initialized")

	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// backoff sleeps for the current delay and doubles it, capped at maxBackoff.
func (client *Client) backoff(ctx context.Context, delay *time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case <-time.After(*delay):
	}

	*delay *= backoffMultiplier
	if *delay > maxBackoff {
		*delay = maxBackoff
	}
	return nil
}

func (client *Client) pushFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// Push publishes msg and blocks until the broker confirms it. While the
// client is disconnected, or the broker nacks the message, Push retries
// with exponential backoff and gives up after maxRetryAttempts.
func (client *Client) Push(ctx context.Context, msg Message) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	delay := initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "max_attempts", maxRetryAttempts)
			client.pushFailed("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		if !client.Ready() {
			client.logger.Info("not connected, waiting for reconnection", "backoff", delay, "attempt", attempt)
			if err := client.backoff(ctx, &delay); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePush(ctx, msg); err != nil {
			client.logger.Error("push failed, retrying with backoff", "error", err, "backoff", delay, "attempt", attempt)
			if err := client.backoff(ctx, &delay); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			client.pushFailed("context_canceled")
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
				}
				client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "attempt", attempt)
				return nil
			}

			client.logger.Warn("push not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag, "backoff", delay)
			if err := client.backoff(ctx, &delay); err != nil {
				return err
			}
		}
	}
}

// UnsafePush publishes msg without waiting for a confirmation. It only
// fails when the client is not connected or the publish itself errors.
func (client *Client) UnsafePush(ctx context.Context, msg Message) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	contentType := msg.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}

	deliveryMode := amqp.Transient
	if client.durable {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			Headers:      msg.Headers,
			ContentType:  contentType,
			DeliveryMode: deliveryMode,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		},
	)
}

// Consume starts delivering queue items on the returned channel with a
// prefetch of one. Every delivery must be acked or nacked. The channel is
// closed when the underlying AMQP channel goes away; callers call Consume
// again once Ready reports true.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		client.subscribeFailed("qos_error")
		return nil, err
	}

	deliveries, err := ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,
	)
	if err != nil {
		client.subscribeFailed("consume_error")
		return nil, err
	}

	if client.metrics != nil {
		client.metrics.Subscriptions.WithLabelValues(client.queueName).Inc()
	}
	return deliveries, nil
}

func (client *Client) subscribeFailed(reason string) {
	if client.metrics != nil {
		client.metrics.SubscribeFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// Close shuts down the channel and the connection. It also stops the
// background reconnect loop when no connection was ever established.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	client.closeOnce.Do(func() { close(client.done) })

	if !client.isReady {
		return errAlreadyClosed
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
