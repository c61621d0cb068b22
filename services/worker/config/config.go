package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service. The worker
// only runs against the external queue; local-mode deployments run the
// poller service instead.
type Config struct {
	LogLevel          string
	KafkaBrokers      string
	QueueTopic        string
	QueueDLQTopic     string
	RedisAddr         string
	PostgresDSN       string
	WorkerType        string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	JobTimeout        time.Duration
	CaptionEndpoint   string
	GeneratorEndpoint string
	MetricsAddr       string
	OTelEndpoint      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		QueueTopic:        v.GetString("queue_topic"),
		QueueDLQTopic:     v.GetString("queue_dlq_topic"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		WorkerType:        v.GetString("worker_type"),
		MaxRetries:        v.GetInt("max_retries"),
		RetryBaseDelay:    v.GetDuration("retry_base_delay"),
		RetryMaxDelay:     v.GetDuration("retry_max_delay"),
		JobTimeout:        v.GetDuration("job_timeout"),
		CaptionEndpoint:   v.GetString("caption_endpoint"),
		GeneratorEndpoint: v.GetString("generator_endpoint"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
