// Package config loads process configuration from environment variables
// (with an optional .env convenience file) and the facade's JSON config
// trees (handlers/, brokers/, input-channels/, output-channels/,
// ingesters/, chains/, users.json, apikeys.json).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds process-wide settings. It is loaded once at startup and is
// effectively immutable afterward; components receive it (or the fields
// they need) via explicit construction, never a package-level variable.
type Config struct {
	Addr         string `env:"GATEWAY_ADDR" envDefault:":8080"`
	ConfigDir    string `env:"GATEWAY_CONFIG_DIR" envDefault:"./config"`
	NodeID       string `env:"GATEWAY_NODE_ID" envDefault:""`
	NodeHost     string `env:"GATEWAY_NODE_HOST" envDefault:"localhost"`
	NodePort     int    `env:"GATEWAY_NODE_PORT" envDefault:"7946"`
	ClusterSeeds string `env:"GATEWAY_CLUSTER_SEEDS" envDefault:""`
	NodeRole     string `env:"GATEWAY_NODE_ROLE" envDefault:"BOTH"`

	MaxConcurrentWorkers int `env:"GATEWAY_MAX_WORKERS" envDefault:"5000"`
	MaxConcurrentStreams int `env:"GATEWAY_MAX_STREAMS" envDefault:"1000"`
	HistoryRingSize      int `env:"GATEWAY_HISTORY_RING_SIZE" envDefault:"1000"`
	HistoryMaxAge        time.Duration `env:"GATEWAY_HISTORY_MAX_AGE" envDefault:"1h"`
	SystemMaxTTL         time.Duration `env:"GATEWAY_SYSTEM_MAX_TTL" envDefault:"30m"`

	HeartbeatInterval  time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL" envDefault:"5s"`
	ForwardTimeout     time.Duration `env:"GATEWAY_FORWARD_TIMEOUT" envDefault:"30s"`
	ClusterEnabled     bool          `env:"GATEWAY_CLUSTER_ENABLED" envDefault:"false"`
	NATSUrl            string        `env:"GATEWAY_NATS_URL" envDefault:"nats://localhost:4222"`
	NodeVersion        string        `env:"GATEWAY_NODE_VERSION" envDefault:"dev"`

	MemoryLimitBytes int64   `env:"GATEWAY_MEMORY_LIMIT" envDefault:"0"`
	HeapMaxMB        float64 `env:"GATEWAY_HEAP_MAX_MB" envDefault:"1024"`

	MetricsInterval time.Duration `env:"GATEWAY_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and the process
// environment. Priority: ENV vars > .env file > struct defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// Missing .env is fine in production deployments (Docker/K8s set
		// real env vars); only a malformed file is worth surfacing.
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the process unsafe to
// start; a config placeholder left unresolved or an invalid enum is a
// fatal startup error per §7.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if c.MaxConcurrentWorkers < 1 {
		return fmt.Errorf("GATEWAY_MAX_WORKERS must be > 0, got %d", c.MaxConcurrentWorkers)
	}
	if c.HistoryRingSize < 1 {
		return fmt.Errorf("GATEWAY_HISTORY_RING_SIZE must be > 0, got %d", c.HistoryRingSize)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json|pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a single structured event,
// mirroring the startup log line every process in this fleet produces.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("config_dir", c.ConfigDir).
		Str("node_id", c.NodeID).
		Bool("cluster_enabled", c.ClusterEnabled).
		Int("max_workers", c.MaxConcurrentWorkers).
		Int("max_streams", c.MaxConcurrentStreams).
		Int("history_ring_size", c.HistoryRingSize).
		Dur("history_max_age", c.HistoryMaxAge).
		Str("log_level", c.LogLevel).
		Msg("gateway configuration loaded")
}
