package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the poller service, the
// local-mode replacement for dispatcher plus worker: one process that
// scans the job table and executes due jobs in place.
type Config struct {
	LogLevel          string
	RedisAddr         string
	PostgresDSN       string
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
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
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		PollInterval:      v.GetDuration("poll_interval"),
		BatchSize:         v.GetInt("batch_size"),
		Concurrency:       v.GetInt("concurrency"),
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
