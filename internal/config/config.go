// Package config loads the relay configuration: defaults, then an optional
// TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nadmax/relay/internal/delivery"
	"github.com/nadmax/relay/internal/engine"
	"github.com/nadmax/relay/internal/logger"
	"github.com/nadmax/relay/internal/store"
	"github.com/nadmax/relay/internal/strategy"
)

type Config struct {
	Server   ServerConfig    `toml:"server"`
	Redis    RedisConfig     `toml:"redis"`
	Postgres PostgresConfig  `toml:"postgres"`
	Engine   engine.Config   `toml:"engine"`
	Delivery delivery.Config `toml:"delivery"`
	Logging  logger.Config   `toml:"logging"`
}

type ServerConfig struct {
	Port            string        `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr            string        `toml:"addr"`
	TelemetryMaxAge time.Duration `toml:"telemetry_max_age"`
}

type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	EnsureSchema bool   `toml:"ensure_schema"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			TelemetryMaxAge: store.DefaultTelemetryMaxAge,
		},
		Postgres: PostgresConfig{
			EnsureSchema: true,
		},
		Engine:   engine.DefaultConfig(),
		Delivery: delivery.Config{FromName: "Relay"},
		Logging: logger.Config{
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}

		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"REDIS_ADDR":       &c.Redis.Addr,
		"POSTGRES_DSN":     &c.Postgres.DSN,
		"PORT":             &c.Server.Port,
		"EMAIL_API_KEY":    &c.Delivery.APIKey,
		"FROM_NAME":        &c.Delivery.FromName,
		"FROM_ADDRESS":     &c.Delivery.FromAddress,
		"FORWARD_TO":       &c.Delivery.ForwardTo,
		"LOG_LEVEL":        &c.Logging.Level,
		"INITIAL_STRATEGY": &c.Engine.InitialStrategy,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("OPTIMIZE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid OPTIMIZE_INTERVAL: %w", err)
		}
		c.Engine.OptimizeInterval = d
	}

	if v, ok := lookup("LOG_DEVELOPMENT"); ok && v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_DEVELOPMENT: %w", err)
		}
		c.Logging.Development = dev
	}

	return nil
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port must be specified"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr must be specified"))
	}
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres dsn must be specified (POSTGRES_DSN)"))
	}
	if _, err := strategy.Parse(c.Engine.InitialStrategy); err != nil {
		errs = append(errs, fmt.Errorf("engine initial_strategy: %w", err))
	}
	if c.Engine.SwitchThreshold <= 0 {
		errs = append(errs, errors.New("engine switch_threshold must be positive"))
	}
	if c.Engine.OptimizeInterval <= 0 {
		errs = append(errs, errors.New("engine optimize_interval must be positive"))
	}
	if c.Engine.QueueCapacity <= 0 {
		errs = append(errs, errors.New("engine queue_capacity must be positive"))
	}

	h := c.Engine.Health
	if h.Window <= 0 {
		errs = append(errs, errors.New("health window must be positive"))
	}
	if h.ConsecutiveFailureThreshold == 0 {
		errs = append(errs, errors.New("health consecutive_failure_threshold must be positive"))
	}
	if h.CriticalSuccessRate < 0 || h.CriticalSuccessRate > h.WarningSuccessRate || h.WarningSuccessRate > 1 {
		errs = append(errs, errors.New("health success rate thresholds must satisfy 0 <= critical <= warning <= 1"))
	}
	if h.CriticalFailureRatio <= 0 || h.CriticalFailureRatio > 1 {
		errs = append(errs, errors.New("health critical_failure_ratio must be in (0, 1]"))
	}

	if c.Delivery.APIKey != "" && (c.Delivery.FromAddress == "" || c.Delivery.ForwardTo == "") {
		errs = append(errs, errors.New("delivery from_address and forward_to are required when an API key is set"))
	}

	return errors.Join(errs...)
}

// DeliveryEnabled reports whether message forwarding is configured.
func (c *Config) DeliveryEnabled() bool {
	return c.Delivery.APIKey != ""
}
