// Package config loads hailstorm agent configuration through three layers
// in order: compiled defaults, then environment variables, then functional
// options.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dghilardi/hailstorm/internal/herrors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of an agent process.
type Config struct {
	ListenAddress          string
	Upstreams              map[string]string
	MaxRunningBots         int
	ShapeSources           map[string]string
	ScriptPath             string
	SimulationManifestPath string
	AgentID                uint32
	AgentName              string
	DiscoveryRedisURL      string
	TelemetryOTLPEndpoint  string
	LogLevel               string
	LogFormat              string
	BucketCap              int
	SnapshotPeriods        int
	SnapshotPeriod         time.Duration
	DefaultTickInterval    time.Duration
	SpawnConcurrency       int
	StopGraceMultiplier    int
	CSVExportPath          string
}

// Option mutates a Config; each returns an error so validation failures
// surface at the call site rather than silently clamping values.
type Option func(*Config) error

// Default returns a Config holding the compiled defaults, before environment
// variables or options are applied. AgentID starts out random.
func Default() *Config {
	return &Config{
		ListenAddress:       ":7781",
		AgentID:             rand.Uint32(),
		Upstreams:           map[string]string{},
		ShapeSources:        map[string]string{},
		LogLevel:            "info",
		LogFormat:           "text",
		BucketCap:           48,
		SnapshotPeriods:     8,
		SnapshotPeriod:      time.Second,
		DefaultTickInterval: 5000 * time.Millisecond,
		SpawnConcurrency:    16,
		StopGraceMultiplier: 2,
	}
}

// ManifestFile is the optional YAML payload referenced by hs_sim_manifest,
// letting an operator hand an agent a full LoadSim without a live controller.
type ManifestFile struct {
	Script           string            `yaml:"script"`
	ClientsEvolution map[string]string `yaml:"clients_evolution"`
}

// LoadFromEnv overlays `hs_*` environment variables onto cfg.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("hs_address"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("hs_max_running_bots"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_max_running_bots: %v", err)
		}
		c.MaxRunningBots = n
	}
	if v := os.Getenv("hs_script_path"); v != "" {
		c.ScriptPath = v
	}
	if v := os.Getenv("hs_sim_manifest"); v != "" {
		c.SimulationManifestPath = v
	}
	if v := os.Getenv("hs_agent_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_agent_id: %v", err)
		}
		c.AgentID = uint32(n)
	}
	if v := os.Getenv("hs_agent_name"); v != "" {
		c.AgentName = v
	}
	if v := os.Getenv("hs_discovery_redis_url"); v != "" {
		c.DiscoveryRedisURL = v
	}
	if v := os.Getenv("hs_telemetry_endpoint"); v != "" {
		c.TelemetryOTLPEndpoint = v
	}
	if v := os.Getenv("hs_log_level"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("hs_log_format"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("hs_histogram_max_buckets"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_histogram_max_buckets: %v", v)
		}
		c.BucketCap = n
	}
	if v := os.Getenv("hs_histogram_ring_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_histogram_ring_size: %v", v)
		}
		c.SnapshotPeriods = n
	}
	if v := os.Getenv("hs_histogram_period"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_histogram_period: %v", err)
		}
		c.SnapshotPeriod = d
	}
	if v := os.Getenv("hs_model_tick_interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_model_tick_interval: %v", err)
		}
		c.DefaultTickInterval = d
	}
	if v := os.Getenv("hs_spawn_concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_spawn_concurrency: %v", v)
		}
		c.SpawnConcurrency = n
	}
	if v := os.Getenv("hs_csv_export_path"); v != "" {
		c.CSVExportPath = v
	}
	if v := os.Getenv("hs_stop_grace_multiplier"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return herrors.Newf("Config.LoadFromEnv", herrors.KindConfig, "invalid hs_stop_grace_multiplier: %v", v)
		}
		c.StopGraceMultiplier = n
	}

	const upstreamPrefix = "hs_upstream."
	const shapePrefix = "hs_clients_distribution."
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, upstreamPrefix):
			c.Upstreams[strings.TrimPrefix(key, upstreamPrefix)] = val
		case strings.HasPrefix(key, shapePrefix):
			c.ShapeSources[strings.TrimPrefix(key, shapePrefix)] = val
		}
	}

	return c.Validate()
}

// LoadManifest reads the optional YAML simulation manifest, if configured.
func (c *Config) LoadManifest() (*ManifestFile, error) {
	if c.SimulationManifestPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.SimulationManifestPath)
	if err != nil {
		return nil, herrors.New("Config.LoadManifest", herrors.KindConfig, fmt.Errorf("read manifest: %w", err))
	}
	var m ManifestFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, herrors.New("Config.LoadManifest", herrors.KindConfig, fmt.Errorf("parse manifest: %w", err))
	}
	return &m, nil
}

// Validate checks invariants that must hold before an agent can start.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return herrors.Newf("Config.Validate", herrors.KindConfig, "listen address is required")
	}
	if c.BucketCap <= 0 {
		return herrors.Newf("Config.Validate", herrors.KindConfig, "bucket cap must be positive")
	}
	if c.SnapshotPeriods <= 0 {
		return herrors.Newf("Config.Validate", herrors.KindConfig, "snapshot ring size must be positive")
	}
	if c.SpawnConcurrency <= 0 {
		return herrors.Newf("Config.Validate", herrors.KindConfig, "spawn concurrency must be positive")
	}
	return nil
}

// WithAgentName sets the human-readable agent name.
func WithAgentName(name string) Option {
	return func(c *Config) error { c.AgentName = name; return nil }
}

// WithListenAddress sets the downstream server's bind address.
func WithListenAddress(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return herrors.Newf("WithListenAddress", herrors.KindConfig, "address must not be empty")
		}
		c.ListenAddress = addr
		return nil
	}
}

// WithUpstream adds or overrides a named parent URL.
func WithUpstream(name, url string) Option {
	return func(c *Config) error { c.Upstreams[name] = url; return nil }
}

// New builds a Config from defaults, environment, then options, validating
// once all three layers have applied.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
