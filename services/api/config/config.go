package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the imageflow service.
// An empty address disables the integration behind it.
type Config struct {
	LogLevel    string
	HTTPPort    string
	GRPCPort    string
	MetricsAddr string

	QueueSize       int
	HistorySize     int
	IdleLogInterval time.Duration

	OutputDir         string
	Renderer          string // http | placeholder
	RendererURL       string
	RetentionDays     int
	RetentionSchedule string

	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string

	RateLimit      int
	RateWindow     time.Duration
	WebhookTimeout time.Duration
	OTelEndpoint   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		HTTPPort:          v.GetString("http_port"),
		GRPCPort:          v.GetString("grpc_port"),
		MetricsAddr:       v.GetString("metrics_addr"),
		QueueSize:         v.GetInt("queue_size"),
		HistorySize:       v.GetInt("history_size"),
		IdleLogInterval:   v.GetDuration("idle_log_interval"),
		OutputDir:         v.GetString("output_dir"),
		Renderer:          v.GetString("renderer"),
		RendererURL:       v.GetString("renderer_url"),
		RetentionDays:     v.GetInt("retention_days"),
		RetentionSchedule: v.GetString("retention_schedule"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		RateLimit:         v.GetInt("rate_limit"),
		RateWindow:        v.GetDuration("rate_window"),
		WebhookTimeout:    v.GetDuration("webhook_timeout"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}

// Brokers splits KafkaBrokers; nil when Kafka is disabled.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Retention converts RetentionDays to a duration; zero disables the sweeper.
func (c Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
