// Package config loads the simulation and monitor configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/sarchlab/calmon/timing/cache"
	"github.com/sarchlab/calmon/timing/monitor"
)

// EnvPrefix is the prefix of environment variables, e.g.
// CALMON_MONITOR_THRESHOLD.
const EnvPrefix = "CALMON"

// Resource names accepted in Monitor.Resources.
const (
	ResourceL1D = "L1D"
	ResourceL2  = "L2"
)

// CacheConfig describes one cache level.
type CacheConfig struct {
	Size          int    `mapstructure:"size"`
	Associativity int    `mapstructure:"associativity"`
	BlockSize     int    `mapstructure:"block_size"`
	HitLatency    uint64 `mapstructure:"hit_latency"`
	MissLatency   uint64 `mapstructure:"miss_latency"`
}

// Cache converts the configuration for the cache model.
func (c CacheConfig) Cache() cache.Config {
	return cache.Config{
		Size:          c.Size,
		Associativity: c.Associativity,
		BlockSize:     c.BlockSize,
		HitLatency:    c.HitLatency,
		MissLatency:   c.MissLatency,
	}
}

// MonitorConfig holds the settings shared by all monitors.
type MonitorConfig struct {
	// Threshold is the miss-count granularity of a sample.
	Threshold uint64 `mapstructure:"threshold"`
	// BlockSize is the default block size. Monitored caches switch to it at
	// their first sample, overriding l1d.block_size and l2.block_size.
	BlockSize uint32 `mapstructure:"block_size"`
	// NominalBlockSize normalizes the CaL ratio.
	NominalBlockSize uint32 `mapstructure:"nominal_block_size"`
	// DrivingSequence is a whitespace-separated list of block sizes.
	DrivingSequence string `mapstructure:"driving_sequence"`
	// Resources lists the monitored caches.
	Resources []string `mapstructure:"resources"`
	// NonFinite selects the report tokens for NaN and infinite ratios: "c"
	// (-nan, inf) or "js" (NaN, Infinity).
	NonFinite string `mapstructure:"non_finite"`
}

// Config holds every configurable value of a run.
type Config struct {
	Trace     string `mapstructure:"trace"`
	CPUs      int    `mapstructure:"cpus"`
	OutputDir string `mapstructure:"output_dir"`
	Archive   string `mapstructure:"archive"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// WarmupInstructions is the length of the warmup phase. Zero skips
	// warmup.
	WarmupInstructions uint64 `mapstructure:"warmup_instructions"`
	// SimulationInstructions is the length of the detailed phase. Zero runs
	// to the end of the trace.
	SimulationInstructions uint64 `mapstructure:"simulation_instructions"`

	Monitor MonitorConfig `mapstructure:"monitor"`
	L1D     CacheConfig   `mapstructure:"l1d"`
	L2      CacheConfig   `mapstructure:"l2"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	l1d := cache.DefaultL1DConfig()
	l2 := cache.DefaultL2Config()

	v.SetDefault("trace", "")
	v.SetDefault("cpus", 1)
	v.SetDefault("output_dir", "./")
	v.SetDefault("archive", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("warmup_instructions", 1000000)
	v.SetDefault("simulation_instructions", 0)

	v.SetDefault("monitor.threshold", 1000)
	v.SetDefault("monitor.block_size", l1d.BlockSize)
	v.SetDefault("monitor.nominal_block_size", monitor.DefaultNominalBlockSize)
	v.SetDefault("monitor.driving_sequence", "")
	v.SetDefault("monitor.resources", []string{ResourceL1D, ResourceL2})
	v.SetDefault("monitor.non_finite", "c")

	setCacheDefaults(v, "l1d", l1d)
	setCacheDefaults(v, "l2", l2)
}

func setCacheDefaults(v *viper.Viper, prefix string, c cache.Config) {
	v.SetDefault(prefix+".size", c.Size)
	v.SetDefault(prefix+".associativity", c.Associativity)
	v.SetDefault(prefix+".block_size", c.BlockSize)
	v.SetDefault(prefix+".hit_latency", c.HitLatency)
	v.SetDefault(prefix+".miss_latency", c.MissLatency)
}

// Default returns the default configuration.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("cannot decode default config: %v", err))
	}
	cfg.normalize()

	return &cfg
}

// Load reads configuration from (in decreasing priority) values already set
// on v (e.g. bound flags), environment variables, the optional config file,
// and the defaults.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile reads configuration from a file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	return Load(viper.New(), path)
}

func (c *Config) normalize() {
	if c.OutputDir != "" && !strings.HasSuffix(c.OutputDir, string(os.PathSeparator)) {
		c.OutputDir += string(os.PathSeparator)
	}
	for i, r := range c.Monitor.Resources {
		c.Monitor.Resources[i] = strings.ToUpper(strings.TrimSpace(r))
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be > 0")
	}
	if c.Monitor.Threshold == 0 {
		return fmt.Errorf("monitor.threshold must be > 0")
	}
	if c.Monitor.BlockSize == 0 {
		return fmt.Errorf("monitor.block_size must be > 0")
	}
	seq, err := monitor.ParseDrivingSequence(c.Monitor.DrivingSequence)
	if err != nil {
		return fmt.Errorf("monitor.driving_sequence: %w", err)
	}
	if _, err := monitor.ParseNonFinite(c.Monitor.NonFinite); err != nil {
		return fmt.Errorf("monitor.non_finite: %w", err)
	}
	if err := c.L1D.Cache().Validate(); err != nil {
		return fmt.Errorf("l1d: %w", err)
	}
	if err := c.L2.Cache().Validate(); err != nil {
		return fmt.Errorf("l2: %w", err)
	}

	for _, r := range c.Monitor.Resources {
		geometry, ok := c.Resource(r)
		if !ok {
			return fmt.Errorf("monitor.resources: unknown resource %q", r)
		}

		if err := validBlockSize(geometry, c.Monitor.BlockSize); err != nil {
			return fmt.Errorf("monitor.block_size: %s: %w", r, err)
		}
		for _, bs := range seq {
			if err := validBlockSize(geometry, bs); err != nil {
				return fmt.Errorf("monitor.driving_sequence: %s: %w", r, err)
			}
		}
	}

	return nil
}

// Resource returns the cache configuration of a monitored resource.
func (c *Config) Resource(name string) (CacheConfig, bool) {
	switch name {
	case ResourceL1D:
		return c.L1D, true
	case ResourceL2:
		return c.L2, true
	}
	return CacheConfig{}, false
}

// validBlockSize checks that the cache can be rebuilt with block size bs.
func validBlockSize(c CacheConfig, bs uint32) error {
	geometry := c.Cache()
	geometry.BlockSize = int(bs)
	return geometry.Validate()
}
