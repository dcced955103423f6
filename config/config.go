// Package config provides configuration loading and access for the tracer.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/driftline/scenario"
	"github.com/pthm-cable/driftline/tracker"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all run configuration parameters.
type Config struct {
	Tracker   TrackerConfig   `yaml:"tracker"`
	Model     ModelConfig     `yaml:"model"`
	Scenario  scenario.Config `yaml:"scenario"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// TrackerConfig holds the integration parameters.
type TrackerConfig struct {
	StepFactor            float64 `yaml:"step_factor"`
	StepFactorMin         float64 `yaml:"step_factor_min"`
	StepFactorMax         float64 `yaml:"step_factor_max"`
	CellLength            string  `yaml:"cell_length"`      // last-cell-length, cur-cell-vel-dir, ...
	MinimumVelocity       float64 `yaml:"minimum_velocity"` // Floor for |v| in the step time
	MaxSteps              int64   `yaml:"max_steps"`        // 0 = unlimited
	MaxIntegrationTime    float64 `yaml:"max_integration_time"`
	AdaptiveReintegration bool    `yaml:"adaptive_reintegration"`
	Workers               int     `yaml:"workers"` // 0 = GOMAXPROCS
}

// ModelConfig holds the integration model settings.
type ModelConfig struct {
	Physics        string     `yaml:"physics"` // matida or ballistic
	Stepper        string     `yaml:"stepper"` // euler, rk2 or rk4
	Tolerance      float64    `yaml:"tolerance"`
	NonPlanarQuads bool       `yaml:"non_planar_quads"`
	Gravity        [3]float64 `yaml:"gravity"`
}

// ClusterConfig holds the distributed run settings.
type ClusterConfig struct {
	Ranks     int      `yaml:"ranks"`     // 1 = single process tracker
	Transport string   `yaml:"transport"` // local or websocket
	Rank      int      `yaml:"rank"`      // this process's rank for websocket
	Addresses []string `yaml:"addresses"` // one host:port per rank for websocket
	PollMS    int      `yaml:"poll_ms"`
}

// OutputConfig holds output settings.
type OutputConfig struct {
	Dir        string `yaml:"dir"` // empty = no files
	WritePaths bool   `yaml:"write_paths"`
}

// TelemetryConfig holds logging and timing parameters.
type TelemetryConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json or text
	PerfWindow int    `yaml:"perf_window"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	CellLength   tracker.CellLengthMode
	Gravity      r3.Vec
	PollInterval time.Duration
	LogLevel     slog.Level
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.computeDerived(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() error {
	mode, err := tracker.ParseCellLengthMode(c.Tracker.CellLength)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Derived.CellLength = mode
	c.Derived.Gravity = r3.Vec{X: c.Model.Gravity[0], Y: c.Model.Gravity[1], Z: c.Model.Gravity[2]}

	if c.Cluster.Ranks < 1 {
		c.Cluster.Ranks = 1
	}
	if c.Cluster.PollMS <= 0 {
		c.Cluster.PollMS = 5
	}
	c.Derived.PollInterval = time.Duration(c.Cluster.PollMS) * time.Millisecond
	switch c.Cluster.Transport {
	case "", "local":
		c.Cluster.Transport = "local"
	case "websocket":
		if len(c.Cluster.Addresses) != c.Cluster.Ranks {
			return fmt.Errorf("config: websocket transport needs %d addresses, got %d",
				c.Cluster.Ranks, len(c.Cluster.Addresses))
		}
		if c.Cluster.Rank < 0 || c.Cluster.Rank >= c.Cluster.Ranks {
			return fmt.Errorf("config: rank %d outside [0, %d)", c.Cluster.Rank, c.Cluster.Ranks)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Cluster.Transport)
	}

	if err := c.Derived.LogLevel.UnmarshalText([]byte(strings.ToUpper(c.Telemetry.LogLevel))); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	return nil
}

// TrackerSettings returns the integration parameters for tracker.New.
func (c *Config) TrackerSettings() tracker.Config {
	return tracker.Config{
		StepFactor:            c.Tracker.StepFactor,
		StepFactorMin:         c.Tracker.StepFactorMin,
		StepFactorMax:         c.Tracker.StepFactorMax,
		CellLength:            c.Derived.CellLength,
		MinimumVelocity:       c.Tracker.MinimumVelocity,
		MaxSteps:              c.Tracker.MaxSteps,
		MaxIntegrationTime:    c.Tracker.MaxIntegrationTime,
		AdaptiveReintegration: c.Tracker.AdaptiveReintegration,
		Workers:               c.Tracker.Workers,
		PerfWindow:            c.Telemetry.PerfWindow,
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
