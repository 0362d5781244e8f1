package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the subset of Client used by publishers and consumers.
type ClientInterface interface {
	// Push publishes msg and waits for the broker confirmation.
	Push(ctx context.Context, msg Message) error

	// UnsafePush publishes msg without waiting for a confirmation.
	UnsafePush(ctx context.Context, msg Message) error

	// Consume delivers queue items until the channel is lost.
	// Each delivery must be acked or nacked.
	Consume() (<-chan amqp.Delivery, error)

	// Ready reports whether the client holds a usable channel.
	Ready() bool

	// Close shuts down the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
