package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/zjrosen/fleetreg/internal/flags"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/paths"
)

// EnvPrefix prefixes every environment override, e.g. FLEETREG_API_ADDR.
const EnvPrefix = "FLEETREG"

// Resolve picks the config file to read: the explicit path when given,
// then ./.fleetreg.yaml, then the user config file. Empty means none exists.
func Resolve(explicit string) string {
	if explicit != "" {
		return paths.Expand(explicit)
	}
	if _, err := os.Stat(paths.LocalConfigFile); err == nil {
		return paths.LocalConfigFile
	}
	if user := paths.UserConfigFile(); user != "" {
		if _, err := os.Stat(user); err == nil {
			return user
		}
	}
	return ""
}

// SetDefaults registers every key with v so environment overrides and
// partial config files both resolve against Defaults().
func SetDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.attempt_timeout", d.Store.AttemptTimeout)
	v.SetDefault("store.retry_backoff", d.Store.RetryBackoff)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.broadcast_buffer", d.Cache.BroadcastBuffer)

	v.SetDefault("health.sweep_interval", d.Health.SweepInterval)
	v.SetDefault("health.workers", d.Health.Workers)
	v.SetDefault("health.default_heartbeat_interval", d.Health.DefaultHeartbeatInterval)
	v.SetDefault("health.deregister_after", d.Health.DeregisterAfter)
	v.SetDefault("health.degraded_after", d.Health.DegradedAfter)
	v.SetDefault("health.offline_after", d.Health.OfflineAfter)
	v.SetDefault("health.hard_penalty", d.Health.HardPenalty)
	v.SetDefault("health.soft_penalty", d.Health.SoftPenalty)
	v.SetDefault("health.min_score_delta", d.Health.MinScoreDelta)

	v.SetDefault("discovery.default_strategy", d.Discovery.DefaultStrategy)

	v.SetDefault("gateway.queue_size", d.Gateway.QueueSize)
	v.SetDefault("gateway.write_timeout", d.Gateway.WriteTimeout)
	v.SetDefault("gateway.ping_interval", d.Gateway.PingInterval)
	v.SetDefault("gateway.read_timeout", d.Gateway.ReadTimeout)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("bus.url", d.Bus.URL)
	v.SetDefault("bus.prefix", d.Bus.Prefix)
	v.SetDefault("bus.name", d.Bus.Name)
	v.SetDefault("bus.token", d.Bus.Token)
	v.SetDefault("bus.user", d.Bus.User)
	v.SetDefault("bus.password", d.Bus.Password)
	v.SetDefault("bus.reconnect_wait", d.Bus.ReconnectWait)
	v.SetDefault("bus.max_reconnects", d.Bus.MaxReconnects)
	v.SetDefault("bus.connect_timeout", d.Bus.ConnectTimeout)

	v.SetDefault("policy.path", d.Policy.Path)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("manifest.path", d.Manifest.Path)
	v.SetDefault("manifest.debounce", d.Manifest.Debounce)

	v.SetDefault("summary.interval", d.Summary.Interval)

	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)

	for _, name := range flags.Known {
		v.SetDefault("flags."+name, d.Flags[name])
	}
}

// Load reads configuration into a fresh Config: defaults, then the resolved
// config file (if any), then FLEETREG_* environment variables. It returns
// the file that was read, empty when none was.
func Load(v *viper.Viper, explicit string) (Config, string, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	file := Resolve(explicit)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, file, fmt.Errorf("reading config %s: %w", file, err)
		}
		log.Debug(log.CatConfig, "config file loaded", "path", file)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, file, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Store.Path = paths.Expand(cfg.Store.Path)
	cfg.Manifest.Path = paths.Expand(cfg.Manifest.Path)
	cfg.Policy.Path = paths.Expand(cfg.Policy.Path)
	cfg.Tracing.FilePath = paths.Expand(cfg.Tracing.FilePath)
	cfg.Log.Path = paths.Expand(cfg.Log.Path)

	if err := cfg.Validate(); err != nil {
		return Config{}, file, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, file, nil
}
