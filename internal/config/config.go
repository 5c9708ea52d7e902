// Package config loads coordinator configuration from defaults, an optional
// config file, environment variables, and runtime overrides, in that order
// of increasing precedence — mirroring the teacher's layered viper setup.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "COORDINATOR"

// ServerConfig configures the public HTTP surface (spec.md §6).
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"` // STRUCTURED or CONSOLE
	LogFile string `mapstructure:"log_file"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig toggles the health-check surface.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles diagnostic surfaces not meant for production traffic.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StoreConfig selects and configures the KV/Queue Adapter backend
// (spec.md §9 "pluggable backends").
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory" or "sqlite"
	Path    string `mapstructure:"path"`    // sqlite backend only
}

// LeaseConfig carries the timing constants from spec.md §5.
type LeaseConfig struct {
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
	HeartbeatCadence      time.Duration `mapstructure:"heartbeat_cadence"`
	HeartbeatStaleTimeout time.Duration `mapstructure:"heartbeat_stale_timeout"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
}

// SignatureConfig carries the identity-verification freshness window
// (spec.md §4.1).
type SignatureConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

// NodeConfig carries node-liveness constants (spec.md §3).
type NodeConfig struct {
	OnlineWindow      time.Duration `mapstructure:"online_window"`
	SoftTTL           time.Duration `mapstructure:"soft_ttl"`
	InactivityHorizon time.Duration `mapstructure:"inactivity_horizon"`
	FingerprintLength int           `mapstructure:"fingerprint_length"`
}

// JobDefaultsConfig carries the canonical job defaults from spec.md §6.
type JobDefaultsConfig struct {
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	Priority    int     `mapstructure:"priority"`
	CleanupAge  time.Duration `mapstructure:"cleanup_age"`
}

// ArchiveConfig optionally configures archival of completed job results to
// a pkg/provider backend: "s3" (the default, requires Bucket) or "file" (a
// local/NFS directory tree, requires BaseDir) for on-prem deployments with
// no object store.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// RateLimitConfig bounds submission throughput on the shared job queue and
// per-node churn on heartbeat/registration traffic.
type RateLimitConfig struct {
	SubmitRPS    float64 `mapstructure:"submit_rps"`
	SubmitBurst  int     `mapstructure:"submit_burst"`
	NodeRPS      float64 `mapstructure:"node_rps"`
	NodeBurst    int     `mapstructure:"node_burst"`
}

// Config is the fully resolved coordinator configuration.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Health   HealthConfig      `mapstructure:"health"`
	Debug    DebugConfig       `mapstructure:"debug"`
	Workers  int               `mapstructure:"workers"`
	Store    StoreConfig       `mapstructure:"store"`
	Lease    LeaseConfig       `mapstructure:"lease"`
	Signature SignatureConfig  `mapstructure:"signature"`
	Node     NodeConfig        `mapstructure:"node"`
	Defaults JobDefaultsConfig `mapstructure:"defaults"`
	Archive  ArchiveConfig     `mapstructure:"archive"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
}

var (
	configMu      sync.RWMutex
	activeConfig  *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("logging.log_file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "coordinator.db")

	v.SetDefault("lease.lock_ttl", 300*time.Second)
	v.SetDefault("lease.heartbeat_cadence", 30*time.Second)
	v.SetDefault("lease.heartbeat_stale_timeout", 60*time.Second)
	v.SetDefault("lease.sweep_interval", 60*time.Second)

	v.SetDefault("signature.freshness_window", 5*time.Minute)

	v.SetDefault("node.online_window", 15*time.Minute)
	v.SetDefault("node.soft_ttl", 7*24*time.Hour)
	v.SetDefault("node.inactivity_horizon", 30*24*time.Hour)
	v.SetDefault("node.fingerprint_length", 6)

	v.SetDefault("defaults.model", "llama3.2:3b")
	v.SetDefault("defaults.max_tokens", 1000)
	v.SetDefault("defaults.temperature", 0.7)
	v.SetDefault("defaults.priority", 0)
	v.SetDefault("defaults.cleanup_age", 24*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "s3")
	v.SetDefault("archive.prefix", "jobs/")

	v.SetDefault("rate_limit.submit_rps", 50.0)
	v.SetDefault("rate_limit.submit_burst", 100)
	v.SetDefault("rate_limit.node_rps", 5.0)
	v.SetDefault("rate_limit.node_burst", 10)
}

type envSpec struct {
	Name string
	Path string
}

func envSpecs() []envSpec {
	return []envSpec{
		{envPrefix + "_HOST", "server.host"},
		{envPrefix + "_PORT", "server.port"},
		{envPrefix + "_READ_TIMEOUT", "server.read_timeout"},
		{envPrefix + "_WRITE_TIMEOUT", "server.write_timeout"},
		{envPrefix + "_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{envPrefix + "_LOG_LEVEL", "logging.level"},
		{envPrefix + "_LOG_PROFILE", "logging.profile"},
		{envPrefix + "_METRICS_ENABLED", "metrics.enabled"},
		{envPrefix + "_METRICS_PORT", "metrics.port"},
		{envPrefix + "_STORE_BACKEND", "store.backend"},
		{envPrefix + "_STORE_PATH", "store.path"},
		{envPrefix + "_LOCK_TTL", "lease.lock_ttl"},
		{envPrefix + "_HEARTBEAT_CADENCE", "lease.heartbeat_cadence"},
		{envPrefix + "_SWEEP_INTERVAL", "lease.sweep_interval"},
	}
}

// Load resolves configuration from defaults, a "coordinator.yaml" file on
// the search path (working dir, /etc/coordinator, $HOME/.config/coordinator),
// environment variables, then the optional runtime overrides map, in
// ascending precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	v := viper.New()
	v.SetConfigName("coordinator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coordinator")
	v.AddConfigPath("$HOME/.config/coordinator")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range envSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// v.Set is viper's highest layer, so overrides win over env vars.
	var applyOverrides func(prefix string, m map[string]any)
	applyOverrides = func(prefix string, m map[string]any) {
		for k, val := range m {
			if nested, ok := val.(map[string]any); ok {
				applyOverrides(prefix+k+".", nested)
				continue
			}
			v.Set(prefix+k, val)
		}
	}
	for _, o := range overrides {
		applyOverrides("", o)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	activeConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil if Load has
// never been called.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return activeConfig
}
