package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.AuditBackend != "memory" {
		t.Errorf("default audit backend should be memory, got %q", cfg.AuditBackend)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level should be info, got %q", cfg.LogLevel)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"policy_path": "demo/policy.toml",
		"schema_path": "demo/schema.yaml",
		"audit_backend": "sqlite",
		"audit_path": "/tmp/audit.db",
		"log_level": "debug",
		"retention": {"schedule": "0 3 * * *", "max_age": "720h"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CUSTOS_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PolicyPath != "demo/policy.toml" {
		t.Errorf("policy path not loaded: %q", cfg.PolicyPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env must override file, got %q", cfg.LogLevel)
	}

	maxAge, err := cfg.Retention.MaxAgeDuration()
	if err != nil {
		t.Fatalf("max age: %v", err)
	}
	if maxAge != 720*time.Hour {
		t.Errorf("expected 720h, got %v", maxAge)
	}
}

func TestValidation(t *testing.T) {
	write := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	cases := []struct {
		name    string
		content string
	}{
		{"bad backend", `{"policy_path": "p", "schema_path": "s", "audit_backend": "tape", "log_level": "info"}`},
		{"sqlite without path", `{"policy_path": "p", "schema_path": "s", "audit_backend": "sqlite", "log_level": "info"}`},
		{"postgres without dsn", `{"policy_path": "p", "schema_path": "s", "audit_backend": "postgres", "log_level": "info"}`},
		{"bad log level", `{"policy_path": "p", "schema_path": "s", "audit_backend": "memory", "log_level": "loud"}`},
		{"bad retention age", `{"policy_path": "p", "schema_path": "s", "audit_backend": "memory", "log_level": "info", "retention": {"max_age": "soon"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(write(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
