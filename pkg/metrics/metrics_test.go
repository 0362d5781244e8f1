package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/telemetry/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	Describe("HTTPMetrics", func() {
		It("passes requests through when nil", func() {
			var m *metrics.HTTPMetrics
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})

			rec := httptest.NewRecorder()
			m.Instrument("ingest", next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			Expect(rec.Code).To(Equal(http.StatusTeapot))
		})

		It("counts requests per handler, method and code", func() {
			m := metrics.NewHTTPMetrics("metrics_test_http")
			h := m.Instrument("query", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			}))

			for range 2 {
				h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/query", nil))
			}

			Expect(testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", "get", "400"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.RequestsInFlight)).To(BeZero())
		})
	})

	It("registers ingestion, store, mq and simulator collectors", func() {
		ingest := metrics.NewIngestMetrics("metrics_test")
		store := metrics.NewStoreMetrics("metrics_test")
		mq := metrics.NewMQMetrics("metrics_test")
		sim := metrics.NewSimulatorMetrics("metrics_test")

		ingest.RecordsTotal.WithLabelValues("http", "success").Inc()
		store.RowsDeleted.WithLabelValues("events").Add(3)
		mq.Subscriptions.WithLabelValues("telemetry-ingest").Inc()
		sim.MessagesSent.WithLabelValues("amqp", "success").Inc()

		Expect(testutil.ToFloat64(store.RowsDeleted.WithLabelValues("events"))).To(Equal(3.0))

		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body, err := io.ReadAll(rec.Body)
		Expect(err).NotTo(HaveOccurred())

		Expect(string(body)).To(And(
			ContainSubstring("metrics_test_ingest_records_total"),
			ContainSubstring("metrics_test_db_rows_deleted_total"),
			ContainSubstring("metrics_test_amqp_subscriptions_total"),
			ContainSubstring("metrics_test_simulator_messages_sent_total"),
		))
	})
})
