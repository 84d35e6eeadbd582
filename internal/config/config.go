// Package config holds the typed service configuration read from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/totalizator/wager-engine/pkg/envconf"
)

type Config struct {
	HTTPPort        string        `env:"HTTP_PORT" default:"8080"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" default:"INFO"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"5s"`

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// PostgresConfig sizes the ledger connection pool. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN            string        `env:"DATABASE_URL" default:""`
	PoolSize       int           `env:"POOL_SIZE" default:"8"`
	ConnectTimeout time.Duration `env:"POOL_CONNECT_TIMEOUT" default:"5s"`
}

// RedisConfig enables the reference-data cache when URL is set.
type RedisConfig struct {
	URL string        `env:"REDIS_URL" default:""`
	TTL time.Duration `env:"CACHE_TTL" default:"30s"`
}

// KafkaConfig enables ledger event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers string `env:"KAFKA_BROKERS" default:""`
	Topic   string `env:"KAFKA_TOPIC" default:"ledger_events"`
}

var ErrInvalid = errors.New("config: invalid value")

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconf.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.PoolSize < 1 {
		return fmt.Errorf("%w: POOL_SIZE must be at least 1, got %d", ErrInvalid, c.Postgres.PoolSize)
	}
	if c.Postgres.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: POOL_CONNECT_TIMEOUT must be positive", ErrInvalid)
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("%w: CACHE_TTL must be positive", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: SHUTDOWN_TIMEOUT must be positive", ErrInvalid)
	}
	return nil
}
