// Package config loads the Strata coordinator configuration with precedence
// defaults -> YAML -> environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment environment.
type Environment string

const (
	EnvDev     Environment = "development"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "production"
)

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string
	DSN    string
	// MigrationsDir holds the SQL migrations applied at startup (postgres
	// only). Empty uses the migrations embedded in the binary.
	MigrationsDir string
	Retry         RetryConfig
}

// RetryConfig bounds the store retry wrapper.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// EngineConfig tunes the execution engine's windows.
type EngineConfig struct {
	FillTimeout         time.Duration
	CompensationTimeout time.Duration
}

// LifecycleConfig tunes per-instance error recovery and archival.
type LifecycleConfig struct {
	ErrorCeiling    int
	RecoveryTimeout time.Duration
	RetentionWindow time.Duration
}

// CoordinatorConfig tunes admission and restart recovery.
type CoordinatorConfig struct {
	MaxOpenInstances int
	MaxLegQuantity   int64
	EntryThrottle    float64
	EntryBurst       int
	RecoveryWorkers  int
}

// BackendConfig selects the order backend.
type BackendConfig struct {
	// Mode is "sim" or "websocket".
	Mode string
	URL  string
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint   string
	ServiceName    string
	MetricInterval time.Duration
}

// Config is the unified Strata configuration.
type Config struct {
	Environment Environment
	Store       StoreConfig
	Engine      EngineConfig
	Lifecycle   LifecycleConfig
	Coordinator CoordinatorConfig
	Backend     BackendConfig
	Telemetry   TelemetryConfig
}

type configYAML struct {
	Environment string `yaml:"environment"`
	Store       struct {
		Driver        string `yaml:"driver"`
		DSN           string `yaml:"dsn"`
		MigrationsDir string `yaml:"migrationsDir"`
		Retry         struct {
			InitialInterval string `yaml:"initialInterval"`
			MaxInterval     string `yaml:"maxInterval"`
			MaxElapsedTime  string `yaml:"maxElapsedTime"`
		} `yaml:"retry"`
	} `yaml:"store"`
	Engine struct {
		FillTimeout         string `yaml:"fillTimeout"`
		CompensationTimeout string `yaml:"compensationTimeout"`
	} `yaml:"engine"`
	Lifecycle struct {
		ErrorCeiling    int    `yaml:"errorCeiling"`
		RecoveryTimeout string `yaml:"recoveryTimeout"`
		RetentionWindow string `yaml:"retentionWindow"`
	} `yaml:"lifecycle"`
	Coordinator struct {
		MaxOpenInstances int     `yaml:"maxOpenInstances"`
		MaxLegQuantity   int64   `yaml:"maxLegQuantity"`
		EntryThrottle    float64 `yaml:"entryThrottle"`
		EntryBurst       int     `yaml:"entryBurst"`
		RecoveryWorkers  int     `yaml:"recoveryWorkers"`
	} `yaml:"coordinator"`
	Backend struct {
		Mode string `yaml:"mode"`
		URL  string `yaml:"url"`
	} `yaml:"backend"`
	Telemetry struct {
		OTLPEndpoint   string `yaml:"otlpEndpoint"`
		ServiceName    string `yaml:"serviceName"`
		MetricInterval string `yaml:"metricInterval"`
	} `yaml:"telemetry"`
}

// Load builds the configuration: code defaults, then the YAML file at path
// (or STRATA_CONFIG, or config/strata.yaml), then STRATA_* env overrides.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if err := cfg.loadYAML(path); err != nil && !isNotFound(err) {
		return Config{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Environment: EnvDev,
		Store: StoreConfig{
			Driver:        "memory",
			DSN:           "",
			MigrationsDir: "",
			Retry: RetryConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  15 * time.Second,
			},
		},
		Engine: EngineConfig{
			FillTimeout:         30 * time.Second,
			CompensationTimeout: 10 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ErrorCeiling:    3,
			RecoveryTimeout: 5 * time.Minute,
			RetentionWindow: 24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			MaxOpenInstances: 8,
			MaxLegQuantity:   100,
			EntryThrottle:    2,
			EntryBurst:       1,
			RecoveryWorkers:  0,
		},
		Backend: BackendConfig{
			Mode: "sim",
			URL:  "",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "",
			ServiceName:    "strata-coordinator",
			MetricInterval: 15 * time.Second,
		},
	}
}

func (c *Config) loadYAML(path string) error {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var yc configYAML
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yc.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yc.Environment)))
	}
	if yc.Store.Driver != "" {
		c.Store.Driver = strings.ToLower(strings.TrimSpace(yc.Store.Driver))
	}
	if yc.Store.DSN != "" {
		c.Store.DSN = strings.TrimSpace(yc.Store.DSN)
	}
	if yc.Store.MigrationsDir != "" {
		c.Store.MigrationsDir = strings.TrimSpace(yc.Store.MigrationsDir)
	}
	mergeDuration(&c.Store.Retry.InitialInterval, yc.Store.Retry.InitialInterval)
	mergeDuration(&c.Store.Retry.MaxInterval, yc.Store.Retry.MaxInterval)
	mergeDuration(&c.Store.Retry.MaxElapsedTime, yc.Store.Retry.MaxElapsedTime)
	mergeDuration(&c.Engine.FillTimeout, yc.Engine.FillTimeout)
	mergeDuration(&c.Engine.CompensationTimeout, yc.Engine.CompensationTimeout)
	if yc.Lifecycle.ErrorCeiling > 0 {
		c.Lifecycle.ErrorCeiling = yc.Lifecycle.ErrorCeiling
	}
	mergeDuration(&c.Lifecycle.RecoveryTimeout, yc.Lifecycle.RecoveryTimeout)
	mergeDuration(&c.Lifecycle.RetentionWindow, yc.Lifecycle.RetentionWindow)
	if yc.Coordinator.MaxOpenInstances > 0 {
		c.Coordinator.MaxOpenInstances = yc.Coordinator.MaxOpenInstances
	}
	if yc.Coordinator.MaxLegQuantity > 0 {
		c.Coordinator.MaxLegQuantity = yc.Coordinator.MaxLegQuantity
	}
	if yc.Coordinator.EntryThrottle > 0 {
		c.Coordinator.EntryThrottle = yc.Coordinator.EntryThrottle
	}
	if yc.Coordinator.EntryBurst > 0 {
		c.Coordinator.EntryBurst = yc.Coordinator.EntryBurst
	}
	if yc.Coordinator.RecoveryWorkers > 0 {
		c.Coordinator.RecoveryWorkers = yc.Coordinator.RecoveryWorkers
	}
	if yc.Backend.Mode != "" {
		c.Backend.Mode = strings.ToLower(strings.TrimSpace(yc.Backend.Mode))
	}
	if yc.Backend.URL != "" {
		c.Backend.URL = strings.TrimSpace(yc.Backend.URL)
	}
	if yc.Telemetry.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = strings.TrimSpace(yc.Telemetry.OTLPEndpoint)
	}
	if yc.Telemetry.ServiceName != "" {
		c.Telemetry.ServiceName = strings.TrimSpace(yc.Telemetry.ServiceName)
	}
	mergeDuration(&c.Telemetry.MetricInterval, yc.Telemetry.MetricInterval)
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("STRATA_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_STORE_DRIVER")); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_STORE_DSN")); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_BACKEND_MODE")); v != "" {
		c.Backend.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_BACKEND_URL")); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_FILL_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Engine.FillTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRATA_ERROR_CEILING")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lifecycle.ErrorCeiling = n
		}
	}
}

// Validate checks the merged configuration for semantic consistency.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}
	if c.Store.Retry.InitialInterval <= 0 || c.Store.Retry.MaxInterval <= 0 || c.Store.Retry.MaxElapsedTime <= 0 {
		return fmt.Errorf("store retry intervals must be >0")
	}
	if c.Store.Retry.InitialInterval > c.Store.Retry.MaxInterval {
		return fmt.Errorf("store retry initialInterval exceeds maxInterval")
	}

	if c.Engine.FillTimeout <= 0 {
		return fmt.Errorf("engine fillTimeout must be >0")
	}
	if c.Engine.CompensationTimeout <= 0 {
		return fmt.Errorf("engine compensationTimeout must be >0")
	}
	if c.Engine.CompensationTimeout > c.Engine.FillTimeout {
		return fmt.Errorf("compensationTimeout exceeds fillTimeout")
	}

	if c.Lifecycle.ErrorCeiling <= 0 {
		return fmt.Errorf("lifecycle errorCeiling must be >0")
	}
	if c.Lifecycle.RecoveryTimeout <= 0 || c.Lifecycle.RetentionWindow <= 0 {
		return fmt.Errorf("lifecycle durations must be >0")
	}

	if c.Coordinator.MaxOpenInstances <= 0 || c.Coordinator.MaxLegQuantity <= 0 {
		return fmt.Errorf("coordinator limits must be >0")
	}
	if c.Coordinator.EntryThrottle <= 0 || c.Coordinator.EntryBurst <= 0 {
		return fmt.Errorf("coordinator throttle must be >0")
	}

	switch c.Backend.Mode {
	case "sim":
	case "websocket":
		if strings.TrimSpace(c.Backend.URL) == "" {
			return fmt.Errorf("websocket backend requires a url")
		}
	default:
		return fmt.Errorf("unknown backend mode: %s", c.Backend.Mode)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "strata-coordinator"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 15 * time.Second
	}
	return nil
}

func mergeDuration(dst *time.Duration, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		*dst = dur
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) || strings.Contains(err.Error(), "open strata config")
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	add(path)
	add(os.Getenv("STRATA_CONFIG"))
	add("config/strata.yaml")
	add("config/strata.example.yaml")

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open strata config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open strata config: %w", lastErr)
}
