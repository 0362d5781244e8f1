// Package mock provides a test double for mq.ClientInterface.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/telemetry/pkg/mq"
)

// MockClient records calls and returns configurable results.
type MockClient struct {
	mu sync.Mutex

	// PushFunc overrides Push. If nil, PushError is returned.
	PushFunc  func(ctx context.Context, msg mq.Message) error
	PushError error
	PushCalls []mq.Message

	UnsafePushFunc  func(ctx context.Context, msg mq.Message) error
	UnsafePushError error
	UnsafePushCalls []mq.Message

	// ConsumeFunc overrides Consume. If nil, ConsumeChannel and
	// ConsumeError are returned.
	ConsumeFunc    func() (<-chan amqp.Delivery, error)
	ConsumeChannel <-chan amqp.Delivery
	ConsumeError   error
	ConsumeCalls   int

	// NotReady makes Ready report false.
	NotReady bool

	CloseError error
	CloseCalls int
}

// NewMockClient creates a MockClient that succeeds on every call.
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// Push implements mq.ClientInterface.
func (m *MockClient) Push(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	m.PushCalls = append(m.PushCalls, msg)
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	m.UnsafePushCalls = append(m.UnsafePushCalls, msg)
	fn, err := m.UnsafePushFunc, m.UnsafePushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	m.ConsumeCalls++
	fn := m.ConsumeFunc
	ch, err := m.ConsumeChannel, m.ConsumeError
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return ch, err
}

// Ready implements mq.ClientInterface.
func (m *MockClient) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.NotReady
}

// SetReady changes what Ready reports.
func (m *MockClient) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NotReady = !ready
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Pushed returns a copy of the messages passed to Push.
func (m *MockClient) Pushed() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mq.Message(nil), m.PushCalls...)
}

// Consumes returns how often Consume was called.
func (m *MockClient) Consumes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConsumeCalls
}

var _ mq.ClientInterface = (*MockClient)(nil)
