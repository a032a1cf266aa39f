// Package config loads dashboard and relay settings from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8090"`
	RelayAddr string `env:"RELAY_ADDR" envDefault:":8091"`
	VendorID  string `env:"VENDOR_ID" envDefault:"vnd-1001"`

	// Repository selects the backend: demo, postgres, or rest.
	Repository   string `env:"REPOSITORY" envDefault:"demo"`
	PostgresURL  string `env:"POSTGRES_URL"`
	BackendURL   string `env:"BACKEND_URL"`
	BackendToken string `env:"BACKEND_TOKEN"`

	// FeedDriver selects the realtime transport: kafka, redis, or none.
	FeedDriver   string   `env:"FEED_DRIVER" envDefault:"none"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"orders.changed"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID"`
	RedisAddr    string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"2s"`
	RelayOverlap  time.Duration `env:"RELAY_OVERLAP" envDefault:"1m"`

	// Simulator settings apply to the demo repository only.
	SimulateOrders bool          `env:"SIMULATE_ORDERS" envDefault:"true"`
	SimulateEvery  time.Duration `env:"SIMULATE_EVERY" envDefault:"8s"`
}

// Load parses the environment. Every dashboard instance gets its own
// Kafka consumer group unless one is pinned, so instances fan out
// instead of splitting the topic.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.KafkaGroupID == "" {
		cfg.KafkaGroupID = "dashboard-" + uuid.New().String()[:8]
	}
	return cfg, nil
}

// Validate checks the settings a dashboard process needs.
func (c Config) Validate() error {
	switch c.Repository {
	case "demo":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required when REPOSITORY=postgres")
		}
	case "rest":
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required when REPOSITORY=rest")
		}
	default:
		return fmt.Errorf("unknown repository %q (want demo, postgres, or rest)", c.Repository)
	}
	return c.validateFeed(false)
}

// ValidateRelay checks the settings the feed relay needs: it always
// reads Postgres and always publishes somewhere.
func (c Config) ValidateRelay() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required for the relay")
	}
	return c.validateFeed(true)
}

func (c Config) validateFeed(required bool) error {
	switch c.FeedDriver {
	case "none":
		if required {
			return fmt.Errorf("FEED_DRIVER must be kafka or redis for the relay")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when FEED_DRIVER=kafka")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when FEED_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unknown feed driver %q (want kafka, redis, or none)", c.FeedDriver)
	}
	return nil
}
