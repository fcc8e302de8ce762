// Package config loads runtime configuration for the broker process.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the broker.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the duplex message channel.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// BrokerConfig controls the broker core's resource bounds.
type BrokerConfig struct {
	HistoryCapacity       int   `mapstructure:"history_capacity"`        // C, default 100
	QueueCapacity          int   `mapstructure:"queue_capacity"`          // Q, default 64
	MaxPayloadBytes        int   `mapstructure:"max_payload_bytes"`       // M, default 1 MiB
	MaxTopics              int   `mapstructure:"max_topics"`
	MaxSubscriptionsPerSession int `mapstructure:"max_subscriptions_per_session"`
	MaxSessions            int   `mapstructure:"max_sessions"`
	AcceptRatePerSecond    float64 `mapstructure:"accept_rate_per_second"`
	PublishRatePerSession  float64 `mapstructure:"publish_rate_per_session"`
}

// AdminConfig controls the administrative HTTP surface (C7).
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	StrictMode bool   `mapstructure:"strict_mode"` // topic-exists is an error instead of idempotent-ok
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.read_buffer_size", 16<<10)
	v.SetDefault("server.write_buffer_size", 16<<10)
	v.SetDefault("server.shutdown_grace", 5*time.Second)

	v.SetDefault("broker.history_capacity", 100)
	v.SetDefault("broker.queue_capacity", 64)
	v.SetDefault("broker.max_payload_bytes", 1<<20)
	v.SetDefault("broker.max_topics", 10000)
	v.SetDefault("broker.max_subscriptions_per_session", 256)
	v.SetDefault("broker.max_sessions", 100000)
	v.SetDefault("broker.accept_rate_per_second", 500.0)
	v.SetDefault("broker.publish_rate_per_session", 1000.0)

	v.SetDefault("admin.listen_addr", ":8081")
	v.SetDefault("admin.strict_mode", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("broker")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optional config file; absence is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Broker.HistoryCapacity <= 0 {
		cfg.Broker.HistoryCapacity = 100
	}
	if cfg.Broker.QueueCapacity <= 0 {
		cfg.Broker.QueueCapacity = 64
	}
	if cfg.Broker.MaxPayloadBytes <= 0 {
		cfg.Broker.MaxPayloadBytes = 1 << 20
	}

	return cfg, nil
}
