package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("default store driver %q, want memory", cfg.Store.Driver)
	}
	if cfg.Engine.FillTimeout != 30*time.Second {
		t.Fatalf("default fill timeout %s", cfg.Engine.FillTimeout)
	}
	if cfg.Backend.Mode != "sim" {
		t.Fatalf("default backend mode %q, want sim", cfg.Backend.Mode)
	}
}

func TestLoadMergesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	payload := []byte(`
environment: staging
store:
  driver: postgres
  dsn: postgres://strata@localhost:5432/strata
  retry:
    maxElapsedTime: 30s
engine:
  fillTimeout: 45s
  compensationTimeout: 5s
lifecycle:
  errorCeiling: 5
coordinator:
  maxOpenInstances: 3
  entryThrottle: 0.5
backend:
  mode: websocket
  url: wss://exec.example.com/feed
telemetry:
  otlpEndpoint: http://localhost:4318
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment %s, want staging", cfg.Environment)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Fatalf("store not merged: %+v", cfg.Store)
	}
	if cfg.Store.Retry.MaxElapsedTime != 30*time.Second {
		t.Fatalf("retry maxElapsedTime %s, want 30s", cfg.Store.Retry.MaxElapsedTime)
	}
	if cfg.Store.Retry.InitialInterval != 50*time.Millisecond {
		t.Fatalf("untouched retry default drifted: %s", cfg.Store.Retry.InitialInterval)
	}
	if cfg.Engine.FillTimeout != 45*time.Second || cfg.Engine.CompensationTimeout != 5*time.Second {
		t.Fatalf("engine not merged: %+v", cfg.Engine)
	}
	if cfg.Lifecycle.ErrorCeiling != 5 {
		t.Fatalf("error ceiling %d, want 5", cfg.Lifecycle.ErrorCeiling)
	}
	if cfg.Coordinator.MaxOpenInstances != 3 || cfg.Coordinator.EntryThrottle != 0.5 {
		t.Fatalf("coordinator not merged: %+v", cfg.Coordinator)
	}
	if cfg.Backend.Mode != "websocket" {
		t.Fatalf("backend mode %q, want websocket", cfg.Backend.Mode)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	if err := os.WriteFile(path, []byte("environment: staging\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STRATA_ENV", "production")
	t.Setenv("STRATA_STORE_DRIVER", "postgres")
	t.Setenv("STRATA_STORE_DSN", "postgres://strata@db:5432/strata")
	t.Setenv("STRATA_FILL_TIMEOUT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("environment %s, want production", cfg.Environment)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("store driver %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Engine.FillTimeout != 90*time.Second {
		t.Fatalf("fill timeout %s, want 90s", cfg.Engine.FillTimeout)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"zero fill timeout", func(c *Config) { c.Engine.FillTimeout = 0 }},
		{"compensation beyond fill", func(c *Config) {
			c.Engine.FillTimeout = time.Second
			c.Engine.CompensationTimeout = 2 * time.Second
		}},
		{"zero error ceiling", func(c *Config) { c.Lifecycle.ErrorCeiling = 0 }},
		{"zero throttle", func(c *Config) { c.Coordinator.EntryThrottle = 0 }},
		{"websocket without url", func(c *Config) { c.Backend.Mode = "websocket"; c.Backend.URL = "" }},
		{"inverted retry intervals", func(c *Config) {
			c.Store.Retry.InitialInterval = 5 * time.Second
			c.Store.Retry.MaxInterval = time.Second
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
