// Package config provides configuration types and defaults for fleetreg.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/fleetreg/internal/bus"
	"github.com/zjrosen/fleetreg/internal/controlplane/api"
	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/flags"
	"github.com/zjrosen/fleetreg/internal/gateway"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/paths"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/retry"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

// Config holds all configuration options for fleetreg.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Gateway   gateway.Config  `mapstructure:"gateway" yaml:"gateway"`
	API       api.Config      `mapstructure:"api" yaml:"api"`
	Bus       bus.Config      `mapstructure:"bus" yaml:"bus"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Tracing   tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
	Manifest  ManifestConfig  `mapstructure:"manifest" yaml:"manifest"`
	Summary   SummaryConfig   `mapstructure:"summary" yaml:"summary"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Flags     map[string]bool `mapstructure:"flags" yaml:"flags"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	// Path is the SQLite database file. "~/" is expanded.
	Path string `mapstructure:"path" yaml:"path"`

	// AttemptTimeout bounds a single store call.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`

	// RetryBackoff is the wait before the one retry of a transient failure.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// Retry converts the store settings into a retry policy.
func (s StoreConfig) Retry() retry.Policy {
	return retry.Policy{AttemptTimeout: s.AttemptTimeout, Backoff: s.RetryBackoff}
}

// CacheConfig controls the read cache.
type CacheConfig struct {
	// TTL bounds how long discovery trusts a full snapshot.
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	BroadcastBuffer int           `mapstructure:"broadcast_buffer" yaml:"broadcast_buffer"`
}

// CacheOptions converts to the cache package's config.
func (c CacheConfig) CacheOptions() cache.Config {
	return cache.Config{TTL: c.TTL, CleanupInterval: c.CleanupInterval, BroadcastBuffer: c.BroadcastBuffer}
}

// HealthConfig controls the sweep and the health policy.
type HealthConfig struct {
	// SweepInterval is the monitor tick.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// Workers bounds concurrent writes within one sweep.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// DefaultHeartbeatInterval applies to entities registered without one.
	DefaultHeartbeatInterval time.Duration `mapstructure:"default_heartbeat_interval" yaml:"default_heartbeat_interval"`

	// DeregisterAfter retires entities offline this long. 0 disables.
	DeregisterAfter time.Duration `mapstructure:"deregister_after" yaml:"deregister_after"`

	DegradedAfter float64 `mapstructure:"degraded_after" yaml:"degraded_after"`
	OfflineAfter  float64 `mapstructure:"offline_after" yaml:"offline_after"`
	HardPenalty   int     `mapstructure:"hard_penalty" yaml:"hard_penalty"`
	SoftPenalty   int     `mapstructure:"soft_penalty" yaml:"soft_penalty"`
	MinScoreDelta int     `mapstructure:"min_score_delta" yaml:"min_score_delta"`
}

// Policy returns the configured health policy.
func (h HealthConfig) Policy() domain.HealthPolicy {
	return domain.HealthPolicy{
		DegradedAfter: h.DegradedAfter,
		OfflineAfter:  h.OfflineAfter,
		HardPenalty:   h.HardPenalty,
		SoftPenalty:   h.SoftPenalty,
		MinScoreDelta: h.MinScoreDelta,
	}
}

// DiscoveryConfig holds discovery defaults.
type DiscoveryConfig struct {
	// DefaultStrategy is used by SelectOne when the caller names none.
	DefaultStrategy string `mapstructure:"default_strategy" yaml:"default_strategy"`
}

// PolicyConfig configures the OPA authorizer behind the opa-authz flag.
type PolicyConfig struct {
	// Path is a Rego module. Empty uses the built-in allow-all policy.
	Path string `mapstructure:"path" yaml:"path"`
}

// ManifestConfig points at an optional declarative fleet file.
type ManifestConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// SummaryConfig controls the summary-export ticker.
type SummaryConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Path is the log file. Empty logs to stderr.
	Path  string `mapstructure:"path" yaml:"path"`
	Level string `mapstructure:"level" yaml:"level"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	policy := domain.DefaultHealthPolicy()
	cacheDef := cache.DefaultConfig()
	retryDef := retry.DefaultPolicy()
	tracingDef := tracing.DefaultConfig()
	tracingDef.FilePath = filepath.Join(paths.DataDir(), "traces", "traces.jsonl")

	knownFlags := make(map[string]bool, len(flags.Known))
	for _, name := range flags.Known {
		knownFlags[name] = false
	}

	return Config{
		Store: StoreConfig{
			Path:           paths.DefaultStorePath(),
			AttemptTimeout: retryDef.AttemptTimeout,
			RetryBackoff:   retryDef.Backoff,
		},
		Cache: CacheConfig{
			TTL:             cacheDef.TTL,
			CleanupInterval: cacheDef.CleanupInterval,
			BroadcastBuffer: cacheDef.BroadcastBuffer,
		},
		Health: HealthConfig{
			SweepInterval:            5 * time.Second,
			Workers:                  8,
			DefaultHeartbeatInterval: domain.DefaultHeartbeatInterval,
			DegradedAfter:            policy.DegradedAfter,
			OfflineAfter:             policy.OfflineAfter,
			HardPenalty:              policy.HardPenalty,
			SoftPenalty:              policy.SoftPenalty,
			MinScoreDelta:            policy.MinScoreDelta,
		},
		Discovery: DiscoveryConfig{
			DefaultStrategy: string(discovery.DefaultStrategy),
		},
		Gateway: gateway.DefaultConfig(),
		API:     api.DefaultConfig(),
		Bus:     bus.DefaultConfig(),
		Tracing: tracingDef,
		Manifest: ManifestConfig{
			Debounce: 500 * time.Millisecond,
		},
		Summary: SummaryConfig{
			Interval: discovery.DefaultExportInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
		Flags: knownFlags,
	}
}

// Validate checks the configuration for errors. Zero values that have
// defaults are accepted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.AttemptTimeout < 0 || c.Store.RetryBackoff < 0 {
		return fmt.Errorf("store.attempt_timeout and store.retry_backoff must not be negative")
	}
	if c.Cache.TTL < 0 || c.Cache.BroadcastBuffer < 0 {
		return fmt.Errorf("cache.ttl and cache.broadcast_buffer must not be negative")
	}
	if err := validateHealth(c.Health); err != nil {
		return err
	}
	if _, err := discovery.ParseStrategy(c.Discovery.DefaultStrategy); err != nil {
		return fmt.Errorf("discovery.default_strategy: %w", err)
	}
	if c.Gateway.QueueSize < 0 {
		return fmt.Errorf("gateway.queue_size must not be negative, got %d", c.Gateway.QueueSize)
	}
	if c.Summary.Interval < 0 {
		return fmt.Errorf("summary.interval must not be negative")
	}
	if c.Flags[flags.FlagManifestWatch] && c.Manifest.Path == "" {
		return fmt.Errorf("manifest.path is required when the %q flag is on", flags.FlagManifestWatch)
	}
	if c.Flags[flags.FlagNATSBridge] && c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when the %q flag is on", flags.FlagNATSBridge)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return ValidateTracing(c.Tracing)
}

func validateHealth(h HealthConfig) error {
	if h.SweepInterval < 0 || h.DefaultHeartbeatInterval < 0 || h.DeregisterAfter < 0 {
		return fmt.Errorf("health intervals must not be negative")
	}
	if h.Workers < 0 {
		return fmt.Errorf("health.workers must not be negative, got %d", h.Workers)
	}
	if h.DegradedAfter <= 0 || h.OfflineAfter <= h.DegradedAfter {
		return fmt.Errorf("health thresholds need 0 < degraded_after < offline_after, got %v and %v",
			h.DegradedAfter, h.OfflineAfter)
	}
	if h.HardPenalty < 0 || h.SoftPenalty < 0 || h.MinScoreDelta < 0 {
		return fmt.Errorf("health penalties and min_score_delta must not be negative")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing tracing.Config) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Path requirements only matter once tracing is on.
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// LogLevel maps the configured level name onto the logger's levels.
func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}
