package telemetry

import (
	"fmt"
	"log/slog"
	"math"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkSymmetryBroken   BookmarkType = "symmetry_broken"
	BookmarkSymmetryRestored BookmarkType = "symmetry_restored"
	BookmarkInstability      BookmarkType = "instability"
	BookmarkEnergySpike      BookmarkType = "energy_spike"
)

// Bookmark represents an automatically triggered bookmark.
type Bookmark struct {
	Type        BookmarkType `csv:"type"`
	Step        int64        `csv:"step"`
	Description string       `csv:"description"`
}

// LogBookmark logs the bookmark using slog.
func (b Bookmark) LogBookmark() {
	slog.Info("bookmark",
		"type", string(b.Type),
		"step", b.Step,
		"description", b.Description,
	)
}

// massDriftLimit is the relative mass change treated as a solver fault.
const massDriftLimit = 1e-4

// BookmarkDetector detects interesting moments in the simulation.
type BookmarkDetector struct {
	epsilon float64

	// Rolling history (circular buffer)
	history     []WindowStats
	historySize int
	historyIdx  int
	historyFull bool

	broken bool
}

// NewBookmarkDetector creates a detector with the given history size.
// epsilon is the centroid offset above which symmetry counts as broken.
func NewBookmarkDetector(historySize int, epsilon float64) *BookmarkDetector {
	if historySize < 3 {
		historySize = 3 // minimum for energy spike detection
	}
	return &BookmarkDetector{
		epsilon:     epsilon,
		history:     make([]WindowStats, historySize),
		historySize: historySize,
	}
}

// Broken reports whether the last checked window was asymmetric.
func (bd *BookmarkDetector) Broken() bool {
	return bd.broken
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats WindowStats) []Bookmark {
	var bookmarks []Bookmark

	if b := bd.checkSymmetry(stats); b != nil {
		bookmarks = append(bookmarks, *b)
	}
	if b := bd.checkInstability(stats); b != nil {
		bookmarks = append(bookmarks, *b)
	}
	if b := bd.checkEnergySpike(stats); b != nil {
		bookmarks = append(bookmarks, *b)
	}

	bd.addToHistory(stats)
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats WindowStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []WindowStats {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

// checkSymmetry fires on each crossing of epsilon, in either direction.
func (bd *BookmarkDetector) checkSymmetry(stats WindowStats) *Bookmark {
	broken := stats.CentroidOffset > bd.epsilon
	if broken == bd.broken {
		return nil
	}
	bd.broken = broken

	if broken {
		return &Bookmark{
			Type:        BookmarkSymmetryBroken,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Centroid offset %.4f exceeds %.4f (growth %.4f/t)", stats.CentroidOffset, bd.epsilon, stats.OffsetGrowth),
		}
	}
	return &Bookmark{
		Type:        BookmarkSymmetryRestored,
		Step:        stats.WindowEndStep,
		Description: fmt.Sprintf("Centroid offset %.4f back within %.4f", stats.CentroidOffset, bd.epsilon),
	}
}

func (bd *BookmarkDetector) checkInstability(stats WindowStats) *Bookmark {
	switch {
	case stats.NonFinite > 0:
		return &Bookmark{
			Type:        BookmarkInstability,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("%d non-finite particle values reset", stats.NonFinite),
		}
	case math.Abs(stats.MassDrift) > massDriftLimit:
		return &Bookmark{
			Type:        BookmarkInstability,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Total mass drifted by %.2e", stats.MassDrift),
		}
	}
	return nil
}

// checkEnergySpike fires when kinetic energy exceeds 4x the rolling average.
func (bd *BookmarkDetector) checkEnergySpike(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.KineticEnergy
	}
	avg := total / float64(len(history))
	if avg <= 0 {
		return nil
	}

	if stats.KineticEnergy > avg*4 && stats.Perturbations == 0 {
		return &Bookmark{
			Type:        BookmarkEnergySpike,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Kinetic energy %.3g is %.1fx average (%.3g)", stats.KineticEnergy, stats.KineticEnergy/avg, avg),
		}
	}
	return nil
}
