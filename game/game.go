// Package game hosts a FluidEngine: it drives steps, routes user input to
// the bifurcation controls, draws frames and records telemetry.
package game

import (
	"fmt"
	"log/slog"

	rl "github.com/gen2brain/raylib-go/raylib"

	"github.com/pthm-cable/bifurcate/camera"
	"github.com/pthm-cable/bifurcate/config"
	"github.com/pthm-cable/bifurcate/engine"
	"github.com/pthm-cable/bifurcate/render"
	"github.com/pthm-cable/bifurcate/telemetry"
)

const maxSubsteps = 16

// Options configures a Game.
type Options struct {
	Config  *config.Config
	Backend engine.Backend
	Seed    int64 // 0 = use config

	LogStats       bool
	StatsWindowSec float64 // 0 = use config
	SnapshotDir    string
	OutputDir      string
	RestorePath    string

	Headless       bool
	StepsPerUpdate int

	// StatsCallback, when set, receives every flushed window.
	StatsCallback func(telemetry.WindowStats)
}

// Game holds the complete host state around one engine.
type Game struct {
	cfg *config.Config
	eng engine.FluidEngine

	// Rendering (nil when headless)
	camera   *camera.Camera
	renderer *render.ParticleRenderer
	panel    *render.ControlPanel

	// Telemetry
	perfCollector    *telemetry.PerfCollector
	collector        *telemetry.Collector
	bookmarkDetector *telemetry.BookmarkDetector
	outputManager    *telemetry.OutputManager
	statsCallback    func(telemetry.WindowStats)
	logStats         bool
	snapshotDir      string

	// State
	paused         bool
	sigma          float32
	substeps       int
	stepsPerUpdate int
	lastMeasure    engine.Measurement

	screenWidth, screenHeight float32
}

// NewGameWithOptions builds the engine described by opts.Config and the
// telemetry around it. Graphical state is only created when not headless,
// so a window must already be open in that case.
func NewGameWithOptions(opts Options) (*Game, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, err
		}
	}

	p, engOpts, err := engine.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Seed != 0 {
		p.Seed = opts.Seed
	}
	engOpts.Backend = opts.Backend

	perf := telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow)
	engOpts.Tracer = perf

	eng, err := engine.New(p, engOpts)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	statsWindow := cfg.Telemetry.StatsWindow
	if opts.StatsWindowSec > 0 {
		statsWindow = opts.StatsWindowSec
	}
	stepsPerUpdate := opts.StepsPerUpdate
	if stepsPerUpdate < 1 {
		stepsPerUpdate = 1
	}

	g := &Game{
		cfg:              cfg,
		eng:              eng,
		perfCollector:    perf,
		collector:        telemetry.NewCollector(statsWindow, p.DT),
		bookmarkDetector: telemetry.NewBookmarkDetector(cfg.Telemetry.BookmarkHistorySize, cfg.Bifurcation.SymmetryEpsilon),
		statsCallback:    opts.StatsCallback,
		logStats:         opts.LogStats,
		snapshotDir:      opts.SnapshotDir,
		sigma:            p.PerturbationSigma,
		substeps:         p.Substeps,
		stepsPerUpdate:   stepsPerUpdate,
		screenWidth:      cfg.Derived.ScreenW32,
		screenHeight:     cfg.Derived.ScreenH32,
	}

	if opts.RestorePath != "" {
		if err := g.restore(opts.RestorePath); err != nil {
			eng.Close()
			return nil, err
		}
	}

	if opts.OutputDir != "" {
		om, err := telemetry.NewOutputManager(opts.OutputDir)
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("creating output manager: %w", err)
		}
		if err := om.WriteConfig(cfg); err != nil {
			slog.Error("failed to write config", "error", err)
		}
		g.outputManager = om
	}

	if !opts.Headless {
		g.camera = camera.New(g.screenWidth, g.screenHeight, p.Extent())
		g.renderer = render.NewParticleRenderer(g.camera)
		g.panel = render.NewControlPanel(g.screenWidth-230, 20, 210, g.sigma, g.substeps)
	}

	g.lastMeasure = eng.Measure()
	slog.Info("game ready",
		"backend", eng.Backend().String(),
		"particles", eng.Params().ParticleCount,
		"seed", p.Seed,
		"stats_window", statsWindow,
	)
	return g, nil
}

// restore loads a snapshot from path into the engine.
func (g *Game) restore(path string) error {
	s, err := telemetry.LoadSnapshot(path)
	if err != nil {
		return err
	}
	if err := g.eng.Restore(s); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	g.collector.StartAt(s.Step)
	slog.Info("snapshot restored", "path", path, "step", s.Step, "backend", s.Backend)
	return nil
}

// Update handles input and advances the simulation for one rendered frame.
func (g *Game) Update() {
	g.handleInput()
	g.perfCollector.RecordFrame()

	if g.paused {
		return
	}
	for i := 0; i < g.stepsPerUpdate; i++ {
		g.simulationStep()
	}
}

// UpdateHeadless advances the simulation without touching raylib.
func (g *Game) UpdateHeadless() {
	for i := 0; i < g.stepsPerUpdate; i++ {
		g.simulationStep()
	}
}

// simulationStep runs one engine step and the telemetry that follows it.
func (g *Game) simulationStep() {
	if err := g.eng.Step(g.substeps); err != nil {
		slog.Error("step failed", "error", err, "step", g.eng.Steps())
		return
	}
	g.flushTelemetry()
}

// Perturb injects noise of the current sigma.
func (g *Game) Perturb() error {
	if err := g.eng.InjectPerturbation(g.sigma); err != nil {
		return err
	}
	g.collector.RecordPerturbation(g.sigma)
	slog.Info("perturbation injected", "sigma", g.sigma, "step", g.eng.Steps())
	return nil
}

// Reset restores the symmetric layout.
func (g *Game) Reset() {
	g.eng.ReinitBifurcation()
	g.collector.RecordReset()
	slog.Info("bifurcation reset", "step", g.eng.Steps())
}

// SetSigma changes the perturbation scale used by Perturb.
func (g *Game) SetSigma(sigma float32) {
	g.sigma = sigma
}

// SetSubsteps changes the sub-step count, clamped to [1, 16].
func (g *Game) SetSubsteps(n int) {
	g.substeps = max(1, min(n, maxSubsteps))
}

// Engine returns the hosted engine.
func (g *Game) Engine() engine.FluidEngine {
	return g.eng
}

// Step returns the number of completed engine steps.
func (g *Game) Step() int64 {
	return g.eng.Steps()
}

// Unload flushes output files and stops the engine.
func (g *Game) Unload() {
	if err := g.outputManager.Close(); err != nil {
		slog.Error("failed to close output", "error", err)
	}
	g.eng.Close()
}

// screenSize reads the current window size.
func screenSize() (float32, float32) {
	return float32(rl.GetScreenWidth()), float32(rl.GetScreenHeight())
}
