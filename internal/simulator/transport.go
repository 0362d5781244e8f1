package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/pkg/mq"
)

// Transport names.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
)

// Transport delivers readings to the ingestion service.
type Transport interface {
	Name() string
	Send(ctx context.Context, r Reading) error
	Close() error
}

// HTTPTransport posts readings to the ingestion endpoint.
type HTTPTransport struct {
	client *http.Client
	url    string
	apiKey string
}

// NewHTTPTransport creates an HTTPTransport. A nil client uses a client
// with a ten second timeout.
func NewHTTPTransport(client *http.Client, url, apiKey string) (*HTTPTransport, error) {
	if url == "" {
		return nil, errors.New("ingest url cannot be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{client: client, url: url, apiKey: apiKey}, nil
}

// Name implements Transport.
func (t *HTTPTransport) Name() string { return TransportHTTP }

// Send implements Transport. Any status other than 201 is an error.
func (t *HTTPTransport) Send(ctx context.Context, r Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ingest.ContentTypeJSON)
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// AMQPTransport publishes readings to the ingestion queue, either as JSON
// or as a protobuf Struct.
type AMQPTransport struct {
	client   mq.ClientInterface
	apiKey   string
	protobuf bool
}

// NewAMQPTransport creates an AMQPTransport. The transport owns client
// and closes it.
func NewAMQPTransport(client mq.ClientInterface, apiKey string, protobuf bool) (*AMQPTransport, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPTransport{client: client, apiKey: apiKey, protobuf: protobuf}, nil
}

// Name implements Transport.
func (t *AMQPTransport) Name() string { return TransportAMQP }

// Send implements Transport.
func (t *AMQPTransport) Send(ctx context.Context, r Reading) error {
	msg := mq.Message{
		Headers:     amqp.Table{ingest.APIKeyHeader: t.apiKey},
		ContentType: ingest.ContentTypeJSON,
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	if t.protobuf {
		if body, err = structBody(body); err != nil {
			return fmt.Errorf("failed to encode reading: %w", err)
		}
		msg.ContentType = ingest.ContentTypeProtobuf
	}
	msg.Body = body

	if err := t.client.Push(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *AMQPTransport) Close() error {
	return t.client.Close()
}

// structBody re-encodes a JSON object as a serialized google.protobuf.Struct.
func structBody(jsonBody []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(jsonBody, &fields); err != nil {
		return nil, err
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
