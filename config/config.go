// Package config loads runtime configuration and sets up logging.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/progression-engine/coordinator"
)

// Config holds the full application configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server" mapstructure:"server"`
	Store       StoreConfig        `yaml:"store" mapstructure:"store"`
	Catalog     CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Coordinator coordinator.Config `yaml:"coordinator" mapstructure:"coordinator"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Log         LogConfig          `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // memory | sqlite
	Path   string `yaml:"path" mapstructure:"path"`
}

// CatalogConfig points at a JSON catalog. Empty means the built-in one.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RateLimitConfig bounds write requests per learner. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" mapstructure:"per_second"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROGRESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	defaults := coordinator.DefaultConfig()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "progression.db")
	v.SetDefault("catalog.path", "")
	v.SetDefault("coordinator.max_conflict_retries", defaults.MaxConflictRetries)
	v.SetDefault("coordinator.commit_timeout", defaults.CommitTimeout)
	v.SetDefault("rate_limit.per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Coordinator.MaxConflictRetries < 0 {
		return eris.New("config: coordinator.max_conflict_retries must not be negative")
	}
	if c.Coordinator.CommitTimeout <= 0 {
		return eris.New("config: coordinator.commit_timeout must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
