// Package api serves the HTTP ingestion and query endpoints, health checks
// and the optional gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/store"
	"procodus.dev/telemetry/pkg/metrics"
	"procodus.dev/telemetry/pkg/mq"
)

const (
	requestTimeout      = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 15 * time.Second
)

// Server exposes the telemetry API.
type Server struct {
	logger       *slog.Logger
	store        store.Repository
	service      *ingest.Service
	loc          *time.Location
	metrics      *metrics.HTTPMetrics
	actions      map[string]queryFunc
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	consumer     *ingest.Consumer
	mqClient     mq.ClientInterface
	stopConsumer context.CancelFunc
	consumerDone chan struct{}
	config       *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger   *slog.Logger
	Store    store.Repository
	Service  *ingest.Service
	Location *time.Location       // zone for zone-less query times; UTC if nil
	Metrics  *metrics.HTTPMetrics // optional

	// Consumer and its client are optional. The server runs the consumer
	// and closes the client on shutdown.
	Consumer *ingest.Consumer
	MQClient mq.ClientInterface

	HTTPPort int
	// GRPCPort enables the gRPC health service when positive.
	GRPCPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Service == nil {
		return nil, errors.New("ingest service cannot be nil")
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port: %d", cfg.HTTPPort)
	}
	if cfg.GRPCPort < 0 || cfg.GRPCPort > 65535 {
		return nil, fmt.Errorf("invalid gRPC port: %d", cfg.GRPCPort)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Server{
		logger:   cfg.Logger,
		store:    cfg.Store,
		service:  cfg.Service,
		loc:      loc,
		metrics:  cfg.Metrics,
		consumer: cfg.Consumer,
		mqClient: cfg.MQClient,
		health:   health.NewServer(),
		config:   cfg,
	}
	s.actions = s.queryActions()

	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	ingestHandler := s.metrics.Instrument("ingest", http.HandlerFunc(s.handleIngest))
	queryHandler := s.metrics.Instrument("query", http.HandlerFunc(s.handleQuery))

	// The .php paths keep older device firmware working.
	r.Handle("/api/ingest", ingestHandler)
	r.Handle("/api/ingest.php", ingestHandler)
	r.Handle("/api/query", queryHandler)
	r.Handle("/api/query.php", queryHandler)

	return r
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// Run starts the servers and the consumer and blocks until ctx is
// canceled, a signal arrives or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting telemetry server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serveErr := make(chan error, 2)

	if s.config.GRPCPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)

		s.logger.Info("starting gRPC health server", "address", addr)
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				serveErr <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()

		go s.watchHealth(ctx)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.consumer != nil {
		consumerCtx, stop := context.WithCancel(context.Background())
		s.stopConsumer = stop
		s.consumerDone = make(chan struct{})
		go func() {
			defer close(s.consumerDone)
			if err := s.consumer.Run(consumerCtx); err != nil {
				s.logger.Error("consumer stopped with error", "error", err)
			}
		}()
	}

	s.logger.Info("telemetry server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		runErr = err
	}

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// watchHealth mirrors database reachability into the gRPC health status.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.store.Ping(pingCtx); err != nil {
			s.logger.Warn("database health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		cancel()
		s.health.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown gracefully stops the HTTP server, the consumer, the MQ client
// and the gRPC server, in that order.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down telemetry server")

	var shutdownErr error
	appendErr := func(what string, err error) {
		s.logger.Error("shutdown step failed", "step", what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			appendErr("HTTP server shutdown error", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	if s.stopConsumer != nil {
		s.stopConsumer()
		<-s.consumerDone
		s.logger.Info("consumer stopped")
	}

	if s.mqClient != nil {
		if err := s.mqClient.Close(); err != nil {
			s.logger.Warn("failed to close mq client", "error", err)
		}
	}

	if s.grpcServer != nil {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if shutdownErr != nil {
		return shutdownErr
	}

	s.logger.Info("telemetry server shutdown completed successfully")
	return nil
}
