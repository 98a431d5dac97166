package game

import (
	"log/slog"

	"github.com/pthm-cable/bifurcate/telemetry"
)

// flushTelemetry checks if the stats window should be flushed and handles bookmarks.
func (g *Game) flushTelemetry() {
	step := g.eng.Steps()
	if !g.collector.ShouldFlush(step) {
		return
	}

	g.lastMeasure = g.eng.Measure()
	stats := g.collector.Flush(step, g.lastMeasure.Sample())
	perfStats := g.perfCollector.Stats()

	if g.statsCallback != nil {
		g.statsCallback(stats)
	}

	if g.logStats {
		stats.LogStats()
		perfStats.LogStats()
	}

	if err := g.outputManager.WriteTelemetry(stats); err != nil {
		slog.Error("failed to write telemetry", "error", err)
	}
	if err := g.outputManager.WritePerf(perfStats, stats.WindowEndStep); err != nil {
		slog.Error("failed to write perf", "error", err)
	}

	for _, bm := range g.bookmarkDetector.Check(stats) {
		if g.logStats {
			bm.LogBookmark()
		}
		if err := g.outputManager.WriteBookmark(bm); err != nil {
			slog.Error("failed to write bookmark", "error", err)
		}
		if g.snapshotDir != "" {
			g.saveSnapshot(&bm)
		}
	}
}

// saveSnapshot captures the engine and writes it to the snapshot directory,
// or the output directory's snapshots folder when none is set. It returns
// the written path, or "" on failure.
func (g *Game) saveSnapshot(bookmark *telemetry.Bookmark) string {
	s := g.eng.Capture()
	s.Bookmark = bookmark

	var (
		path string
		err  error
	)
	switch {
	case g.snapshotDir != "":
		path, err = telemetry.SaveSnapshot(s, g.snapshotDir)
	case g.outputManager != nil:
		path, err = g.outputManager.SaveSnapshot(s)
	default:
		path, err = telemetry.SaveSnapshot(s, "snapshots")
	}
	if err != nil {
		slog.Error("failed to save snapshot", "error", err)
		return ""
	}
	slog.Info("snapshot saved", "path", path, "step", s.Step)
	return path
}
