package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/telemetry/internal/auth"
	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/store/mock"
	mqmock "procodus.dev/telemetry/pkg/mq/mock"
)

// acknowledger records how each delivery tag was settled.
type acknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
}

func (a *acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *acknowledger) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

func (a *acknowledger) Requeued() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.requeued...)
}

var _ = Describe("Consumer", func() {
	var (
		logger     *slog.Logger
		repo       *mock.MockRepository
		client     *mqmock.MockClient
		ack        *acknowledger
		deliveries chan amqp.Delivery
		consumer   *ingest.Consumer
		cancel     context.CancelFunc
		runErr     chan error
	)

	delivery := func(tag uint64, key string, contentType string, body []byte) amqp.Delivery {
		return amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  tag,
			ContentType:  contentType,
			Headers:      amqp.Table{ingest.APIKeyHeader: key},
			Body:         body,
		}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		repo = mock.NewMockRepository()
		ack = &acknowledger{}
		deliveries = make(chan amqp.Delivery, 8)
		client = mqmock.NewMockClient()
		client.ConsumeChannel = deliveries

		creds, err := auth.New(true, []auth.Credential{{Key: "k1", Label: "Kitchen"}})
		Expect(err).NotTo(HaveOccurred())

		svc, err := ingest.NewService(&ingest.Config{Store: repo, Credentials: creds, Logger: logger})
		Expect(err).NotTo(HaveOccurred())

		consumer, err = ingest.NewConsumer(&ingest.ConsumerConfig{
			Service:    svc,
			Client:     client,
			Logger:     logger,
			QueueName:  "telemetry-ingest",
			RetryDelay: 10 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	start := func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		runErr = make(chan error, 1)
		go func() { runErr <- consumer.Run(ctx) }()
	}

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(runErr).Should(Receive(BeNil()))
			cancel = nil
		}
	})

	Describe("NewConsumer", func() {
		It("rejects a nil config", func() {
			_, err := ingest.NewConsumer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("rejects a missing client", func() {
			_, err := ingest.NewConsumer(&ingest.ConsumerConfig{Service: &ingest.Service{}, Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("mq client cannot be nil")))
		})
	})

	It("acks a stored JSON payload", func() {
		start()
		deliveries <- delivery(1, "k1", ingest.ContentTypeJSON, []byte(`{"device_id":"D1","temperature":20}`))

		Eventually(ack.Acked).Should(ConsistOf(uint64(1)))
		Expect(repo.Ingested()).To(HaveLen(1))
		Expect(repo.Ingested()[0].Device.DefaultName).To(Equal("Kitchen"))
	})

	It("acks a stored protobuf payload", func() {
		s, err := structpb.NewStruct(map[string]any{"device_id": "D2", "humidity": 40.0})
		Expect(err).NotTo(HaveOccurred())
		body, err := proto.Marshal(s)
		Expect(err).NotTo(HaveOccurred())

		start()
		deliveries <- delivery(2, "k1", ingest.ContentTypeProtobuf, body)

		Eventually(ack.Acked).Should(ConsistOf(uint64(2)))
		Expect(repo.Ingested()[0].Sample.Humidity).To(HaveValue(Equal(40.0)))
	})

	It("drops messages with a bad key or payload", func() {
		start()
		deliveries <- delivery(3, "wrong", ingest.ContentTypeJSON, []byte(`{"device_id":"D1"}`))
		deliveries <- delivery(4, "k1", ingest.ContentTypeJSON, []byte(`not json`))
		deliveries <- delivery(5, "k1", ingest.ContentTypeJSON, []byte(`{"temperature":1}`))

		Eventually(ack.Acked).Should(ConsistOf(uint64(3), uint64(4), uint64(5)))
		Expect(ack.Requeued()).To(BeEmpty())
		Expect(repo.Ingested()).To(BeEmpty())
	})

	It("drops messages with characters the database cannot store", func() {
		start()
		deliveries <- delivery(7, "k1", ingest.ContentTypeJSON, []byte(`{"device_id":"D1","device_name":"a\u0000b"}`))
		deliveries <- delivery(8, "k1", ingest.ContentTypeJSON, []byte(`{"device_id":"D1","note":"x\u0000y"}`))

		Eventually(ack.Acked).Should(ConsistOf(uint64(7), uint64(8)))
		Expect(ack.Requeued()).To(BeEmpty())
		Expect(repo.Ingested()).To(BeEmpty())
	})

	It("requeues on store failure", func() {
		repo.IngestError = errors.New("database is down")

		start()
		deliveries <- delivery(6, "k1", ingest.ContentTypeJSON, []byte(`{"device_id":"D1"}`))

		Eventually(ack.Requeued).Should(ConsistOf(uint64(6)))
		Expect(ack.Acked()).To(BeEmpty())
	})

	It("waits for the client and resubscribes after the channel closes", func() {
		client.SetReady(false)
		start()

		Consistently(client.Consumes, 50*time.Millisecond).Should(BeZero())

		client.SetReady(true)
		Eventually(client.Consumes).Should(Equal(1))

		close(deliveries)
		Eventually(client.Consumes).Should(BeNumerically(">=", 2))
	})
})
