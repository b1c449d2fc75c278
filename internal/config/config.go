// Package config provides configuration loading for the runner.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all runner configuration.
type Config struct {
	// Policy file path (TOML rule list)
	PolicyPath string `json:"policy_path" validate:"required"`
	// Output schema path (YAML or JSON)
	SchemaPath string `json:"schema_path" validate:"required"`

	// Audit backend: "memory", "sqlite", or "postgres"
	AuditBackend string `json:"audit_backend" validate:"oneof=memory sqlite postgres"`
	// SQLite database path (audit_backend = "sqlite")
	AuditPath string `json:"audit_path,omitempty"`
	// Postgres DSN (audit_backend = "postgres")
	PostgresDSN string `json:"postgres_dsn,omitempty"`

	// Retention for finalized chains (sqlite backend only)
	Retention RetentionConfig `json:"retention,omitempty"`

	// OTLP endpoint for traces (empty = tracing disabled)
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" validate:"oneof=debug info warn error"`
}

// RetentionConfig schedules purges of finalized audit chains.
type RetentionConfig struct {
	// Cron schedule (empty = retention disabled)
	Schedule string `json:"schedule,omitempty"`
	// MaxAge is a Go duration string, e.g. "720h"
	MaxAge string `json:"max_age,omitempty"`
}

// MaxAgeDuration parses the retention age. Zero when unset.
func (r RetentionConfig) MaxAgeDuration() (time.Duration, error) {
	if r.MaxAge == "" {
		return 0, nil
	}
	return time.ParseDuration(r.MaxAge)
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		PolicyPath:   "policy.toml",
		SchemaPath:   "schema.yaml",
		AuditBackend: "memory",
		LogLevel:     "info",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("CUSTOS_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("CUSTOS_SCHEMA_PATH"); v != "" {
		cfg.SchemaPath = v
	}
	if v := os.Getenv("CUSTOS_AUDIT_BACKEND"); v != "" {
		cfg.AuditBackend = v
	}
	if v := os.Getenv("CUSTOS_AUDIT_PATH"); v != "" {
		cfg.AuditPath = v
	}
	if v := os.Getenv("CUSTOS_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("CUSTOS_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("CUSTOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := validate.Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	if cfg.AuditBackend == "sqlite" && cfg.AuditPath == "" {
		return cfg, fmt.Errorf("audit_backend sqlite requires audit_path")
	}
	if cfg.AuditBackend == "postgres" && cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("audit_backend postgres requires postgres_dsn")
	}
	if _, err := cfg.Retention.MaxAgeDuration(); err != nil {
		return cfg, fmt.Errorf("parse retention max_age: %w", err)
	}

	return cfg, nil
}
