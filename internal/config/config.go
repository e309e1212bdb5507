package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/tracing"
)

// EngineConfig holds the runtime knobs of the router/consumer/outbox
// pipeline.
type EngineConfig struct {
	OutputPollInterval time.Duration `mapstructure:"output_poll_interval"`
	MaxPendingBatch    int           `mapstructure:"max_pending_commands_per_batch"`
	ConsumerParallel   int           `mapstructure:"consumer_parallelism"`
	MarkPolicy         string        `mapstructure:"mark_policy"`
	DispatchRateLimit  float64       `mapstructure:"dispatch_rate_limit"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	TriggerBuffer      int           `mapstructure:"trigger_buffer"`
}

// StorageConfig selects and configures the stream store backend.
type StorageConfig struct {
	Backend  string                `mapstructure:"backend"` // memory | postgres | sqlite
	Postgres stream.PostgresConfig `mapstructure:"postgres"`
	SQLite   struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`
}

// RedisConfig configures the optional Redis transports. An empty Addr keeps
// everything in-process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Config is the full service configuration.
type Config struct {
	Engine        EngineConfig        `mapstructure:"engine"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"http"`
}

// Path returns the config file path: CONFIG_PATH or the default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/app/config/unistream.yaml"
}

// Load reads the config file, applies defaults, then env overrides. A
// missing file yields the defaults.
func Load() (*Config, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.output_poll_interval", time.Second)
	v.SetDefault("engine.max_pending_commands_per_batch", 100)
	v.SetDefault("engine.consumer_parallelism", 8)
	v.SetDefault("engine.mark_policy", "claim-before-execute")
	v.SetDefault("engine.dispatch_rate_limit", 0.0)
	v.SetDefault("engine.sweep_interval", 30*time.Second)
	v.SetDefault("engine.trigger_buffer", 1024)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.sqlite.path", "unistream.db")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("http.port", 8080)
}

func applyEnvOverrides(cfg *Config) {
	if b := os.Getenv("UNISTREAM_STORAGE_BACKEND"); b != "" {
		cfg.Storage.Backend = b
	}
	if a := os.Getenv("UNISTREAM_REDIS_ADDR"); a != "" {
		cfg.Redis.Addr = a
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Observability.Logging.Level = l
	}
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil && port > 0 {
			cfg.Observability.Metrics.Port = port
		}
	}
}
