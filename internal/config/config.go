// Package config loads the engine configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradeflow/positionengine/internal/infrastructure/db"
)

// EngineSection tunes the trade processors.
type EngineSection struct {
	// ForwardHorizonDays bounds how far ahead an effective date may lie.
	ForwardHorizonDays int `yaml:"forward_horizon_days"`
	// RetryBaseDelay and RetryMaxDelay shape the version-conflict backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	// ColdReplaysPerSecond throttles backdated reconciliations.
	ColdReplaysPerSecond float64 `yaml:"cold_replays_per_second"`
	// DefaultTaxLotMethod applies when a contract has no rule.
	DefaultTaxLotMethod string `yaml:"default_tax_lot_method"`
}

// CacheSection configures the contract-rules read-through cache.
type CacheSection struct {
	Redis struct {
		Addr     string        `yaml:"addr"`
		DB       int           `yaml:"db"`
		Password string        `yaml:"password"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
}

// ServerSection configures the operational HTTP listener.
type ServerSection struct {
	Addr string `yaml:"addr"`
}

// SchedulerSection configures background jobs.
type SchedulerSection struct {
	// ArchiveInterval is how often terminated snapshots are swept.
	ArchiveInterval time.Duration `yaml:"archive_interval"`
	// ArchiveAfter is the age a terminated snapshot must reach first.
	ArchiveAfter time.Duration `yaml:"archive_after"`
}

// LogSection configures zerolog output.
type LogSection struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full application configuration.
type Config struct {
	Database  db.Config        `yaml:"database"`
	Engine    EngineSection    `yaml:"engine"`
	Cache     CacheSection     `yaml:"cache"`
	Server    ServerSection    `yaml:"server"`
	Scheduler SchedulerSection `yaml:"scheduler"`
	Log       LogSection       `yaml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{
		Database: db.DefaultConfig(),
		Engine: EngineSection{
			ForwardHorizonDays:   365,
			RetryBaseDelay:       50 * time.Millisecond,
			RetryMaxDelay:        200 * time.Millisecond,
			MaxRetries:           3,
			ColdReplaysPerSecond: 20,
			DefaultTaxLotMethod:  "FIFO",
		},
		Server:    ServerSection{Addr: ":8080"},
		Scheduler: SchedulerSection{ArchiveInterval: time.Hour, ArchiveAfter: 90 * 24 * time.Hour},
		Log:       LogSection{Level: "info"},
	}
	cfg.Cache.Redis.TTL = 15 * time.Minute
	return cfg
}

// Load reads the YAML file (when path is non-empty and present), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Cache.Redis.Password = pw
	}
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if horizon := os.Getenv("FORWARD_HORIZON_DAYS"); horizon != "" {
		if val, err := strconv.Atoi(horizon); err == nil {
			cfg.Engine.ForwardHorizonDays = val
		}
	}
	if rate := os.Getenv("COLD_REPLAYS_PER_SECOND"); rate != "" {
		if val, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Engine.ColdReplaysPerSecond = val
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.ForwardHorizonDays <= 0 {
		return fmt.Errorf("forward_horizon_days must be positive")
	}
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.Engine.RetryBaseDelay <= 0 || c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		return fmt.Errorf("retry delays must be positive and max >= base")
	}
	switch c.Engine.DefaultTaxLotMethod {
	case "FIFO", "LIFO", "HIFO":
	default:
		return fmt.Errorf("default_tax_lot_method must be FIFO, LIFO or HIFO")
	}
	if c.Database.Hot.MaxOpenConns <= 0 || c.Database.Cold.MaxOpenConns <= 0 {
		return fmt.Errorf("pool max_open_conns must be positive")
	}
	return nil
}
