// Package config provides configuration loading and access for the fluid engine.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is returned by Validate when a loaded config cannot drive an engine.
var ErrInvalid = errors.New("invalid config")

// Config holds all configuration parameters.
type Config struct {
	Screen      ScreenConfig      `yaml:"screen"`
	Sim         SimConfig         `yaml:"sim"`
	Solver      SolverConfig      `yaml:"solver"`
	Bifurcation BifurcationConfig `yaml:"bifurcation"`
	Fallback    FallbackConfig    `yaml:"fallback"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Stream      StreamConfig      `yaml:"stream"`
	Sweep       SweepConfig       `yaml:"sweep"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// ScreenConfig holds display settings.
type ScreenConfig struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	TargetFPS int `yaml:"target_fps"`
}

// SimConfig holds the host-facing simulation parameters.
type SimConfig struct {
	Dims              int        `yaml:"dims"` // 2 or 3
	DT                float64    `yaml:"dt"`
	Gravity           [3]float64 `yaml:"gravity"`
	ParticleCount     int        `yaml:"particle_count"`
	GridRes           int        `yaml:"grid_res"`
	Substeps          int        `yaml:"substeps"`
	PerturbationSigma float64    `yaml:"perturbation_sigma"`
	Seed              int64      `yaml:"seed"`
}

// SolverConfig holds MLS-MPM solver knobs.
type SolverConfig struct {
	UnitMass        float64 `yaml:"unit_mass"`
	RestDensity     float64 `yaml:"rest_density"` // 0 = derive from seeding
	EOSStiffness    float64 `yaml:"eos_stiffness"`
	EOSPower        float64 `yaml:"eos_power"`
	Viscosity       float64 `yaml:"viscosity"`
	Smoothing       float64 `yaml:"smoothing"`
	BFECC           bool    `yaml:"bfecc"`
	Accumulation    string  `yaml:"accumulation"` // fixed | float
	FixedPointScale float64 `yaml:"fixed_point_scale"`
	BoundaryCells   int     `yaml:"boundary_cells"`
	Workers         int     `yaml:"workers"` // 0 = GOMAXPROCS
}

// BifurcationConfig holds the two-lobe experiment layout and measurement settings.
type BifurcationConfig struct {
	LobeRadius      float64 `yaml:"lobe_radius"`     // fraction of grid_res
	LobeSeparation  float64 `yaml:"lobe_separation"` // centre offset from mirror plane, fraction of grid_res
	LobeHeight      float64 `yaml:"lobe_height"`     // centre height, fraction of grid_res
	PerturbMode     string  `yaml:"perturb_mode"`    // gaussian | simplex
	NoiseScale      float64 `yaml:"noise_scale"`     // simplex frequency per lattice unit
	HistogramBins   int     `yaml:"histogram_bins"`
	SymmetryEpsilon float64 `yaml:"symmetry_epsilon"`
}

// FallbackConfig holds the degraded CPU integrator settings.
type FallbackConfig struct {
	ParticleCount int     `yaml:"particle_count"`
	Damping       float64 `yaml:"damping"`
	Restitution   float64 `yaml:"restitution"`
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindow         float64 `yaml:"stats_window"` // simulated time units per stats window
	PerfCollectorWindow int     `yaml:"perf_collector_window"`
	BookmarkHistorySize int     `yaml:"bookmark_history_size"`
}

// StreamConfig holds websocket streaming parameters.
type StreamConfig struct {
	Addr            string `yaml:"addr"`
	FrameIntervalMS int    `yaml:"frame_interval_ms"`
	MaxPoints       int    `yaml:"max_points"`
}

// SweepConfig holds sigma sweep parameters.
type SweepConfig struct {
	SigmaMin   float64 `yaml:"sigma_min"`
	SigmaMax   float64 `yaml:"sigma_max"`
	SigmaSteps int     `yaml:"sigma_steps"`
	Seeds      int     `yaml:"seeds"`
	Frames     int     `yaml:"frames"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	DT32      float32    // Sim.DT as float32
	Gravity32 [3]float32 // Sim.Gravity as float32
	Sigma32   float32    // Sim.PerturbationSigma as float32
	DTSub32   float32    // DT / Substeps
	Domain32  float32    // GridRes-1: domain edge length in lattice units
	ScreenW32 float32
	ScreenH32 float32
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
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.computeDerived()

	return cfg, nil
}

// Validate rejects configurations the engine cannot be constructed from.
func (c *Config) Validate() error {
	switch {
	case c.Sim.ParticleCount <= 0:
		return fmt.Errorf("%w: sim.particle_count must be positive, got %d", ErrInvalid, c.Sim.ParticleCount)
	case c.Sim.GridRes <= 0:
		return fmt.Errorf("%w: sim.grid_res must be positive, got %d", ErrInvalid, c.Sim.GridRes)
	case c.Sim.Substeps < 1:
		return fmt.Errorf("%w: sim.substeps must be >= 1, got %d", ErrInvalid, c.Sim.Substeps)
	case c.Sim.Dims != 2 && c.Sim.Dims != 3:
		return fmt.Errorf("%w: sim.dims must be 2 or 3, got %d", ErrInvalid, c.Sim.Dims)
	case c.Sim.DT <= 0:
		return fmt.Errorf("%w: sim.dt must be positive, got %g", ErrInvalid, c.Sim.DT)
	case c.Sim.PerturbationSigma < 0:
		return fmt.Errorf("%w: sim.perturbation_sigma must be >= 0, got %g", ErrInvalid, c.Sim.PerturbationSigma)
	case c.Solver.Accumulation != "fixed" && c.Solver.Accumulation != "float":
		return fmt.Errorf("%w: solver.accumulation must be fixed or float, got %q", ErrInvalid, c.Solver.Accumulation)
	case c.Bifurcation.PerturbMode != "gaussian" && c.Bifurcation.PerturbMode != "simplex":
		return fmt.Errorf("%w: bifurcation.perturb_mode must be gaussian or simplex, got %q", ErrInvalid, c.Bifurcation.PerturbMode)
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.DT32 = float32(c.Sim.DT)
	for i, g := range c.Sim.Gravity {
		c.Derived.Gravity32[i] = float32(g)
	}
	c.Derived.Sigma32 = float32(c.Sim.PerturbationSigma)
	c.Derived.DTSub32 = float32(c.Sim.DT / float64(c.Sim.Substeps))
	c.Derived.Domain32 = float32(c.Sim.GridRes - 1)
	c.Derived.ScreenW32 = float32(c.Screen.Width)
	c.Derived.ScreenH32 = float32(c.Screen.Height)

	if c.Fallback.ParticleCount < 1 {
		c.Fallback.ParticleCount = 1000
	}
	if c.Bifurcation.HistogramBins < 2 {
		c.Bifurcation.HistogramBins = 16
	}
	if c.Telemetry.PerfCollectorWindow < 1 {
		c.Telemetry.PerfCollectorWindow = 60
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
