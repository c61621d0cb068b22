package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scribeq/scribeq/internal/kafka"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
	"github.com/scribeq/scribeq/pkg/telemetry"
	"github.com/scribeq/scribeq/services/dispatcher"
	"github.com/scribeq/scribeq/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("queue-topic", queue.TopicPending, "topic new job messages arrive on")
	serveCmd.Flags().String("queue-dlq-topic", queue.TopicDLQ, "dead-letter topic")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Int("rate-limit", 100, "max jobs per second per job type (0 = disabled)")
	serveCmd.Flags().String("metrics-addr", ":9093", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("queue_topic", serveCmd.Flags(), "queue-topic")
	bindFlag("queue_dlq_topic", serveCmd.Flags(), "queue-dlq-topic")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "dispatcher")

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	if err := queue.ValidateModeConfig(queue.ModeExternal, brokers, cfg.QueueTopic, cfg.QueueDLQTopic); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "dispatcher", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	consumer := kafka.NewConsumer(brokers, cfg.QueueTopic, "dispatcher-group", logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	var limiter redisstore.RateLimiter
	if cfg.RateLimit > 0 {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, time.Second)
		logger.Info("rate limiter enabled", slog.Int("limit_per_second", cfg.RateLimit))
	}

	d := dispatcher.NewDispatcher(consumer, producer, cfg.QueueTopic, cfg.QueueDLQTopic, limiter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("dispatcher starting", slog.String("topic", cfg.QueueTopic))
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("stopped")
	return nil
}
