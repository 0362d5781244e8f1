package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/telemetry/internal/api"
	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/store"
	"procodus.dev/telemetry/pkg/logger"
	"procodus.dev/telemetry/pkg/metrics"
	"procodus.dev/telemetry/pkg/mq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and query server",
	Long: `Run the telemetry server that:
- Accepts device readings on POST /api/ingest
- Answers read queries on GET /api/query
- Optionally consumes readings from an AMQP queue
- Optionally serves the gRPC health service`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "telemetry", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "telemetry", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serveCmd.Flags().Int("http-port", 8080, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", 0, "gRPC health server port (0 disables it)")
	serveCmd.Flags().String("amqp-url", "", "RabbitMQ URL; enables the ingestion consumer")
	serveCmd.Flags().String("queue-name", "telemetry-ingest", "RabbitMQ ingestion queue")

	_ = viper.BindPFlag("db.host", serveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("db.port", serveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("db.user", serveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("db.password", serveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("db.name", serveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", serveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.http.port", serveCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("server.grpc.port", serveCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("amqp.url", serveCmd.Flags().Lookup("amqp-url"))
	_ = viper.BindPFlag("amqp.queue_name", serveCmd.Flags().Lookup("queue-name"))
}

func runServe(_ *cobra.Command, _ []string) error {
	log := GetLogger("serve")
	log.Info("starting telemetry server")

	loc, err := loadLocation()
	if err != nil {
		return err
	}

	creds, err := loadCredentials()
	if err != nil {
		log.Error("invalid credentials configuration", "error", err)
		return err
	}
	if !creds.Required() {
		log.Warn("API key authentication is disabled")
	}

	db, err := store.NewDB(dbConfig(log, false))
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return err
	}
	defer func() {
		if err := store.CloseDB(db, log); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	repo, err := store.NewStore(&store.StoreConfig{
		DB:      db,
		Logger:  logger.WithComponent(log, "store"),
		Metrics: metrics.NewStoreMetrics(metricsNamespace),
	})
	if err != nil {
		return err
	}

	ingestMetrics := metrics.NewIngestMetrics(metricsNamespace)
	svc, err := ingest.NewService(&ingest.Config{
		Store:       repo,
		Credentials: creds,
		Logger:      logger.WithComponent(log, "ingest"),
		Location:    loc,
		Metrics:     ingestMetrics,
	})
	if err != nil {
		return err
	}

	cfg := &api.ServerConfig{
		Logger:   log,
		Store:    repo,
		Service:  svc,
		Location: loc,
		Metrics:  metrics.NewHTTPMetrics(metricsNamespace),
		HTTPPort: viper.GetInt("server.http.port"),
		GRPCPort: viper.GetInt("server.grpc.port"),
	}

	if url := viper.GetString("amqp.url"); url != "" {
		queue := viper.GetString("amqp.queue_name")
		mqLogger := logger.WithComponent(log, "amqp-consumer")

		client, err := mq.New(&mq.Config{
			Logger:    mqLogger,
			Metrics:   metrics.NewMQMetrics(metricsNamespace),
			URL:       url,
			QueueName: queue,
			Durable:   true,
		})
		if err != nil {
			return fmt.Errorf("failed to create mq client: %w", err)
		}

		consumer, err := ingest.NewConsumer(&ingest.ConsumerConfig{
			Service:   svc,
			Client:    client,
			Logger:    mqLogger,
			Metrics:   ingestMetrics,
			QueueName: queue,
		})
		if err != nil {
			_ = client.Close()
			return err
		}

		cfg.Consumer = consumer
		cfg.MQClient = client
	}

	server, err := api.NewServer(cfg)
	if err != nil {
		log.Error("failed to create server", "error", err)
		return err
	}

	log.Info("server configuration",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"timezone", loc.String(),
		"auth_required", creds.Required(),
		"api_keys", creds.Len(),
		"amqp_consumer", cfg.Consumer != nil,
	)

	if err := server.Run(context.Background()); err != nil {
		log.Error("server error", "error", err)
		return err
	}

	log.Info("telemetry server stopped")
	return nil
}
