// Package config provides configuration management for fabricbench.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (FABRICBENCH_* prefix)
//  3. Configuration file (fabricbench.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/bench"
)

// Config holds all configuration for fabricbench.
type Config struct {
	// AdapterID selects the fabric adapter to use.
	AdapterID int `mapstructure:"adapter_id"`

	// Region describes the memory region pair a benchmark runs against.
	Region RegionConfig `mapstructure:"region"`

	// Backend selects where the local buffer lives.
	Backend BackendConfig `mapstructure:"backend"`

	// Bench configures the initiator run.
	Bench BenchConfig `mapstructure:"bench"`

	// Fabric tunes the in-process loopback fabric.
	Fabric FabricConfig `mapstructure:"fabric"`

	// Metrics configures the responder's observability endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// RegionConfig identifies both ends of a benchmark pair.
type RegionConfig struct {
	// LocalID is the fabric id this process exposes its region under.
	LocalID uint32 `mapstructure:"local_id"`

	// RemoteID is the fabric id of the peer's exposed region.
	RemoteID uint32 `mapstructure:"remote_id"`

	// TriggerID is the fabric id a responder registers its validation
	// trigger under; an initiator fires the same id on the peer.
	TriggerID uint32 `mapstructure:"trigger_id"`

	// Size is the byte length of the region. Both ends must agree.
	Size int64 `mapstructure:"size"`
}

// BackendConfig selects the local buffer backend.
type BackendConfig struct {
	// Kind is "host" or "device".
	Kind string `mapstructure:"kind"`

	// DeviceID selects the accelerator when Kind is "device".
	DeviceID int `mapstructure:"device_id"`
}

// EntryConfig is one transfer-vector entry.
type EntryConfig struct {
	LocalOffset  uint64 `mapstructure:"local_offset"`
	RemoteOffset uint64 `mapstructure:"remote_offset"`
	Size         uint64 `mapstructure:"size"`
}

// BenchConfig configures an initiator run.
type BenchConfig struct {
	// Mode is the transfer mode name, see `fabricbench modes`.
	Mode string `mapstructure:"mode"`

	// Repeat is the number of back-to-back iterations.
	Repeat int `mapstructure:"repeat"`

	// Entries is the transfer vector. When empty, a single entry covering
	// the whole region is used.
	Entries []EntryConfig `mapstructure:"entries"`

	// Output selects the result rendering: "table", "json" or "yaml".
	Output string `mapstructure:"output"`
}

// FabricConfig tunes the simulated loopback fabric.
type FabricConfig struct {
	// TransferLatency is the simulated per-submission DMA latency.
	TransferLatency time.Duration `mapstructure:"transfer_latency"`

	// PayloadLatency is the simulated per-interrupt payload latency.
	PayloadLatency time.Duration `mapstructure:"payload_latency"`
}

// MetricsConfig configures the responder's HTTP endpoint.
type MetricsConfig struct {
	// Enabled turns the /metrics and /healthz endpoint on.
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`
}

// Options are command line overrides.
type Options struct {
	AdapterID   int
	RegionSize  int64
	BackendKind string
	DeviceID    int
	Mode        string
	Repeat      int
	MetricsPort int
	LogLevel    string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("fabricbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fabricbench")
		v.AddConfigPath("$HOME/.fabricbench")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("FABRICBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.AdapterID != 0 {
		v.Set("adapter_id", opts.AdapterID)
	}
	if opts.RegionSize != 0 {
		v.Set("region.size", opts.RegionSize)
	}
	if opts.BackendKind != "" {
		v.Set("backend.kind", opts.BackendKind)
	}
	if opts.DeviceID != 0 {
		v.Set("backend.device_id", opts.DeviceID)
	}
	if opts.Mode != "" {
		v.Set("bench.mode", opts.Mode)
	}
	if opts.Repeat != 0 {
		v.Set("bench.repeat", opts.Repeat)
	}
	if opts.MetricsPort != 0 {
		v.Set("metrics.port", opts.MetricsPort)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter_id", 0)

	// Region defaults
	v.SetDefault("region.local_id", 1)
	v.SetDefault("region.remote_id", 2)
	v.SetDefault("region.trigger_id", 1)
	v.SetDefault("region.size", 4*1024*1024) // 4MB

	// Backend defaults
	v.SetDefault("backend.kind", "host")
	v.SetDefault("backend.device_id", 0)

	// Bench defaults
	v.SetDefault("bench.mode", "")
	v.SetDefault("bench.repeat", 1)
	v.SetDefault("bench.output", "table")

	// Loopback fabric defaults
	v.SetDefault("fabric.transfer_latency", 20*time.Microsecond)
	v.SetDefault("fabric.payload_latency", 5*time.Microsecond)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)

	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if _, err := backend.ParseKind(c.Backend.Kind); err != nil {
		return err
	}
	if c.Backend.DeviceID < 0 {
		return fmt.Errorf("backend.device_id must not be negative, got %d", c.Backend.DeviceID)
	}

	if c.Region.Size <= 0 {
		return fmt.Errorf("region.size must be positive, got %d", c.Region.Size)
	}

	if c.Bench.Mode != "" {
		if _, err := bench.ParseMode(c.Bench.Mode); err != nil {
			return err
		}
	}
	if c.Bench.Repeat < 1 {
		return fmt.Errorf("bench.repeat must be at least 1, got %d", c.Bench.Repeat)
	}
	switch c.Bench.Output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("invalid bench.output %q, want table, json or yaml", c.Bench.Output)
	}

	for i, e := range c.Bench.Entries {
		if e.Size == 0 {
			return fmt.Errorf("bench.entries[%d].size must be positive", i)
		}
		size := uint64(c.Region.Size)
		if e.Size > size || e.LocalOffset > size-e.Size || e.RemoteOffset > size-e.Size {
			return fmt.Errorf("bench.entries[%d] exceeds region size %d", i, c.Region.Size)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	if c.Fabric.TransferLatency < 0 || c.Fabric.PayloadLatency < 0 {
		return fmt.Errorf("fabric latencies must not be negative")
	}

	return nil
}

// TransferEntries converts the configured entries into the benchmark form,
// defaulting to one entry covering the whole region.
func (c *Config) TransferEntries() []EntryConfig {
	if len(c.Bench.Entries) > 0 {
		return c.Bench.Entries
	}
	return []EntryConfig{{LocalOffset: 0, RemoteOffset: 0, Size: uint64(c.Region.Size)}}
}
