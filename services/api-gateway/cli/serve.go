package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scribeq/scribeq/internal/kafka"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
	"github.com/scribeq/scribeq/pkg/telemetry"
	"github.com/scribeq/scribeq/services/api-gateway/config"
	"github.com/scribeq/scribeq/services/api-gateway/handler"
	"github.com/scribeq/scribeq/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("queue-mode", "local", "queue mode: external (Kafka) | local (DB polling)")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses (external mode)")
	serveCmd.Flags().String("queue-topic", queue.TopicPending, "topic new job messages are published to (external mode)")
	serveCmd.Flags().String("queue-dlq-topic", queue.TopicDLQ, "dead-letter topic (external mode)")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("queue_mode", serveCmd.Flags(), "queue-mode")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("queue_topic", serveCmd.Flags(), "queue-topic")
	bindFlag("queue_dlq_topic", serveCmd.Flags(), "queue-dlq-topic")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	// Queue mode is decided once, here. A bad combination refuses to
	// start rather than failing on the first enqueue.
	mode, err := queue.ParseMode(cfg.QueueMode)
	if err != nil {
		return err
	}
	brokers := strings.Split(cfg.KafkaBrokers, ",")
	if err := queue.ValidateModeConfig(mode, brokers, cfg.QueueTopic, cfg.QueueDLQTopic); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	var transport queue.Transport
	if mode == queue.ModeExternal {
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		transport = queue.NewKafkaTransport(producer, cfg.QueueTopic, cfg.QueueDLQTopic)
		logger.Info("queue mode: external", slog.String("brokers", cfg.KafkaBrokers))
	} else {
		transport = queue.NewLocalTransport(logger)
		logger.Info("queue mode: local, jobs served by the poller")
	}

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	producer := queue.NewProducer(repo, transport, logger)
	restHandler := handler.NewREST(producer, transport, store, repo, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", restHandler.SubmitJob)
		r.Get("/jobs", restHandler.ListJobs)
		r.Get("/jobs/{id}", restHandler.GetJob)
		r.Post("/jobs/{id}/cancel", restHandler.CancelJob)
		r.Get("/deadletters", restHandler.ListDeadLetters)
		r.Post("/deadletters/{job_id}/replay", restHandler.ReplayDeadLetter)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
