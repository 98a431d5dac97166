package main

import (
	"flag"
	"log/slog"
	"os"

	rl "github.com/gen2brain/raylib-go/raylib"

	"github.com/pthm-cable/bifurcate/config"
	"github.com/pthm-cable/bifurcate/engine"
	"github.com/pthm-cable/bifurcate/game"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	headless := flag.Bool("headless", false, "Run without graphics")
	backend := flag.String("backend", "auto", "Engine backend: auto, compute or fallback")
	logStats := flag.Bool("log-stats", false, "Output stats via slog")
	statsWindow := flag.Float64("stats-window", 0, "Stats window size in simulated time (0 = use config)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for bookmark snapshots")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	restore := flag.String("restore", "", "Snapshot file to resume from")
	seed := flag.Int64("seed", 0, "Layout and perturbation seed (0 = use config)")
	maxSteps := flag.Int64("max-steps", 0, "Stop after N steps (0 = unlimited)")
	stepsPerUpdate := flag.Int("steps-per-update", 1, "Engine steps per update call (higher = faster headless runs)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	b, err := engine.ParseBackend(*backend)
	if err != nil {
		slog.Error("invalid backend", "error", err)
		os.Exit(1)
	}

	opts := game.Options{
		Config:         cfg,
		Backend:        b,
		Seed:           *seed,
		LogStats:       *logStats,
		StatsWindowSec: *statsWindow,
		SnapshotDir:    *snapshotDir,
		OutputDir:      *outputDir,
		RestorePath:    *restore,
		Headless:       *headless,
		StepsPerUpdate: *stepsPerUpdate,
	}

	if *headless {
		g, err := game.NewGameWithOptions(opts)
		if err != nil {
			slog.Error("failed to start", "error", err)
			os.Exit(1)
		}
		defer g.Unload()

		slog.Info("starting headless simulation",
			"backend", g.Engine().Backend().String(),
			"max_steps", *maxSteps,
			"steps_per_update", *stepsPerUpdate,
		)

		for {
			g.UpdateHeadless()

			if *maxSteps > 0 && g.Step() >= *maxSteps {
				slog.Info("max steps reached", "step", g.Step())
				return
			}
		}
	}

	// Graphical mode
	rl.SetConfigFlags(rl.FlagWindowResizable)
	rl.InitWindow(int32(cfg.Screen.Width), int32(cfg.Screen.Height), "Bifurcate")
	defer rl.CloseWindow()

	rl.SetTargetFPS(int32(cfg.Screen.TargetFPS))

	g, err := game.NewGameWithOptions(opts)
	if err != nil {
		slog.Error("failed to start", "error", err)
		return
	}
	defer g.Unload()

	for !rl.WindowShouldClose() {
		g.Update()
		g.Draw()

		if *maxSteps > 0 && g.Step() >= *maxSteps {
			break
		}
	}
}
