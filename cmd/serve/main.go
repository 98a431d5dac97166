// Command serve runs the fluid engine headless and streams frames to
// browsers over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/bifurcate/config"
	"github.com/pthm-cable/bifurcate/engine"
	"github.com/pthm-cable/bifurcate/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	backend := flag.String("backend", "auto", "Engine backend: auto, compute or fallback")
	addr := flag.String("addr", "", "Listen address (empty = use config)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Stream.Addr = *addr
	}

	p, opts, err := engine.FromConfig(cfg)
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if opts.Backend, err = engine.ParseBackend(*backend); err != nil {
		slog.Error("invalid backend", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(p, opts)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	hub := stream.NewHub(eng, cfg.Stream.MaxPoints, p.Substeps, p.PerturbationSigma)
	defer hub.Close()

	srv := &http.Server{Addr: cfg.Stream.Addr, Handler: hub.Handler()}
	go func() {
		slog.Info("stream server listening", "addr", cfg.Stream.Addr, "backend", eng.Backend().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, eng, hub, time.Duration(cfg.Stream.FrameIntervalMS)*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

// run steps the engine and broadcasts a frame every interval until ctx ends.
func run(ctx context.Context, eng engine.FluidEngine, hub *stream.Hub, interval time.Duration) {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping", "step", eng.Steps())
			return
		case <-ticker.C:
		}

		if hub.Clients() == 0 {
			continue
		}
		if !hub.Paused() {
			if err := eng.Step(hub.Substeps()); err != nil {
				slog.Error("step failed", "error", err)
				continue
			}
		}
		if err := eng.Render(hub); err != nil {
			slog.Error("broadcast failed", "error", err)
		}
	}
}
