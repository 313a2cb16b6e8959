package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Scanner   ScannerConfig   `koanf:"scanner"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	MetricsPort     int           `koanf:"metrics_port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Enabled gates the tail/summary cache; the engine runs fine
	// without it.
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	PoolSize int    `koanf:"pool_size"`
}

type LedgerConfig struct {
	// AppendTimeout bounds one append, critical section included.
	AppendTimeout time.Duration `koanf:"append_timeout" validate:"min=1"`
}

type ScannerConfig struct {
	// TamperInterval is how often the tamper scan replays its window.
	TamperInterval time.Duration `koanf:"tamper_interval"`
	// TamperWindow is how many of the newest records each pass covers;
	// zero replays the full chain.
	TamperWindow int64 `koanf:"tamper_window" validate:"min=0"`
	// ComplianceInterval is how often the compliance rules run.
	ComplianceInterval time.Duration `koanf:"compliance_interval"`
	// ComplianceLookback bounds the record window rules evaluate.
	ComplianceLookback time.Duration `koanf:"compliance_lookback"`
}

type RetentionConfig struct {
	// EvaluationInterval is how often automatic policies are evaluated.
	EvaluationInterval time.Duration `koanf:"evaluation_interval"`
}

// Load reads configuration in ascending precedence: struct defaults, then
// the optional YAML file, then OPSLEDGER_-prefixed environment variables
// (OPSLEDGER_DATABASE_URL sets database.url).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			MetricsPort:     9090,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/opsledger?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 10,
		},
		Ledger: LedgerConfig{
			AppendTimeout: 5 * time.Second,
		},
		Scanner: ScannerConfig{
			TamperInterval:     5 * time.Minute,
			TamperWindow:       10000,
			ComplianceInterval: 15 * time.Minute,
			ComplianceLookback: 24 * time.Hour,
		},
		Retention: RetentionConfig{
			EvaluationInterval: time.Hour,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("OPSLEDGER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OPSLEDGER_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
