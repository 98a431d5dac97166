// Command sweep runs the bifurcation experiment over a range of perturbation
// strengths and seeds, and writes per-run and per-sigma CSVs, a threshold fit
// and a plot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/bifurcate/bifurcation"
	"github.com/pthm-cable/bifurcate/config"
	"github.com/pthm-cable/bifurcate/engine"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	outputDir := flag.String("output", "", "Output directory for results")
	particles := flag.Int("particles", 0, "Particle count override (0 = use config)")
	gridRes := flag.Int("grid", 0, "Grid resolution override (0 = use config)")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *particles > 0 {
		cfg.Sim.ParticleCount = *particles
	}
	if *gridRes > 0 {
		cfg.Sim.GridRes = *gridRes
	}

	p, opts, err := engine.FromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	sc := bifurcation.SweepConfig{
		SigmaMin: cfg.Sweep.SigmaMin,
		SigmaMax: cfg.Sweep.SigmaMax,
		Steps:    cfg.Sweep.SigmaSteps,
		Seeds:    cfg.Sweep.Seeds,
		Frames:   cfg.Sweep.Frames,
		Substeps: p.Substeps,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	total := len(sc.Sigmas()) * max(sc.Seeds, 1)
	runs := 0
	startTime := time.Now()
	progress := func(pt bifurcation.SweepPoint) {
		runs++
		elapsed := time.Since(startTime)
		remaining := time.Duration(total-runs) * (elapsed / time.Duration(runs))
		fmt.Printf("Run %d/%d: sigma=%.3f seed=%d offset=%.4f broken=%v | elapsed: %s, ETA: %s\n",
			runs, total, pt.Sigma, pt.Seed, pt.CentroidOffset, pt.Broken,
			formatDuration(elapsed), formatDuration(remaining))
	}

	fmt.Printf("Sweeping %d sigmas x %d seeds, %d frames each (%d particles, grid %d)\n",
		len(sc.Sigmas()), sc.Seeds, sc.Frames, p.ParticleCount, p.GridRes)

	points, summaries, err := bifurcation.Sweep(ctx, p, opts.Bifurcation, sc, progress)
	if err != nil {
		log.Printf("sweep ended early: %v", err)
	}

	if err := writeCSV(filepath.Join(*outputDir, "runs.csv"), &points); err != nil {
		log.Fatal(err)
	}
	if err := writeCSV(filepath.Join(*outputDir, "summary.csv"), &summaries); err != nil {
		log.Fatal(err)
	}

	var fitPtr *Threshold
	if fit, err := fitThreshold(summaries); err != nil {
		log.Printf("no threshold fit: %v", err)
	} else {
		fitPtr = &fit
		fmt.Printf("\nCritical sigma: %.4f (width %.4f, residual %.2g)\n", fit.Critical, fit.Width, fit.Residual)
		data, _ := json.MarshalIndent(fit, "", "  ")
		if err := os.WriteFile(filepath.Join(*outputDir, "threshold.json"), data, 0644); err != nil {
			log.Printf("failed to write threshold: %v", err)
		}
	}

	if len(summaries) > 0 {
		if err := writePlot(filepath.Join(*outputDir, "sweep.png"), summaries, fitPtr); err != nil {
			log.Printf("failed to write plot: %v", err)
		}
	}
	if err := cfg.WriteYAML(filepath.Join(*outputDir, "config.yaml")); err != nil {
		log.Printf("failed to write config: %v", err)
	}

	fmt.Printf("\nSweep complete: %d runs in %s, results in %s\n", len(points), formatDuration(time.Since(startTime)), *outputDir)
}

// writeCSV marshals records (a pointer to a slice) to path.
func writeCSV(path string, records any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(records, f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
