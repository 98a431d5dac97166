package telemetry

import "testing"

func hasBookmark(bookmarks []Bookmark, typ BookmarkType) bool {
	for _, bm := range bookmarks {
		if bm.Type == typ {
			return true
		}
	}
	return false
}

func TestBookmarkDetector_SymmetryBrokenAndRestored(t *testing.T) {
	bd := NewBookmarkDetector(10, 0.01)

	// Symmetric windows trigger nothing
	for i := 0; i < 3; i++ {
		bookmarks := bd.Check(WindowStats{WindowEndStep: int64(i * 10), CentroidOffset: 0.001})
		if len(bookmarks) != 0 {
			t.Fatalf("window %d: unexpected bookmarks %v", i, bookmarks)
		}
	}

	bookmarks := bd.Check(WindowStats{WindowEndStep: 30, CentroidOffset: 0.05})
	if !hasBookmark(bookmarks, BookmarkSymmetryBroken) {
		t.Error("expected symmetry_broken bookmark")
	}
	if !bd.Broken() {
		t.Error("detector should report broken")
	}

	// Staying broken does not re-trigger
	bookmarks = bd.Check(WindowStats{WindowEndStep: 40, CentroidOffset: 0.2})
	if hasBookmark(bookmarks, BookmarkSymmetryBroken) {
		t.Error("symmetry_broken should fire once per crossing")
	}

	bookmarks = bd.Check(WindowStats{WindowEndStep: 50, CentroidOffset: 0})
	if !hasBookmark(bookmarks, BookmarkSymmetryRestored) {
		t.Error("expected symmetry_restored bookmark")
	}
}

func TestBookmarkDetector_Instability(t *testing.T) {
	bd := NewBookmarkDetector(10, 0.01)

	if b := bd.Check(WindowStats{WindowEndStep: 10, NonFinite: 3}); !hasBookmark(b, BookmarkInstability) {
		t.Error("expected instability bookmark for non-finite values")
	}
	if b := bd.Check(WindowStats{WindowEndStep: 20, MassDrift: 0.01}); !hasBookmark(b, BookmarkInstability) {
		t.Error("expected instability bookmark for mass drift")
	}
	if b := bd.Check(WindowStats{WindowEndStep: 30, MassDrift: 1e-7}); hasBookmark(b, BookmarkInstability) {
		t.Error("rounding-level drift should not trigger")
	}
}

func TestBookmarkDetector_EnergySpike(t *testing.T) {
	bd := NewBookmarkDetector(10, 0.01)

	for i := 0; i < 5; i++ {
		bd.Check(WindowStats{WindowEndStep: int64(i * 10), KineticEnergy: 100})
	}

	// A perturbation explains the jump
	if b := bd.Check(WindowStats{WindowEndStep: 50, KineticEnergy: 1000, Perturbations: 1}); hasBookmark(b, BookmarkEnergySpike) {
		t.Error("perturbation windows should not count as spikes")
	}

	bd = NewBookmarkDetector(10, 0.01)
	for i := 0; i < 5; i++ {
		bd.Check(WindowStats{WindowEndStep: int64(i * 10), KineticEnergy: 100})
	}
	if b := bd.Check(WindowStats{WindowEndStep: 50, KineticEnergy: 1000}); !hasBookmark(b, BookmarkEnergySpike) {
		t.Error("expected energy_spike bookmark")
	}
}

func TestCollectorFlush(t *testing.T) {
	c := NewCollector(1.0, 0.1)
	if c.WindowDurationSteps() != 10 {
		t.Fatalf("expected 10 steps per window, got %d", c.WindowDurationSteps())
	}
	if c.ShouldFlush(9) {
		t.Error("should not flush before the window ends")
	}
	if !c.ShouldFlush(10) {
		t.Error("should flush at the window end")
	}

	c.RecordPerturbation(0.5)
	first := c.Flush(10, Sample{
		Backend:        "compute",
		Particles:      4,
		TotalMass:      4,
		Speeds:         []float64{1, 2, 3, 4},
		CentroidOffset: 0.02,
		Rejected:       2,
		NonFinite:      1,
	})

	if first.Perturbations != 1 || first.LastSigma != 0.5 {
		t.Errorf("perturbation not recorded: %+v", first)
	}
	if first.MassDrift != 0 {
		t.Errorf("first window drift = %v, want 0", first.MassDrift)
	}
	if first.SpeedMax != 4 {
		t.Errorf("speed max = %v, want 4", first.SpeedMax)
	}
	if first.SimTime < 0.99 || first.SimTime > 1.01 {
		t.Errorf("sim time = %v, want 1", first.SimTime)
	}
	if first.OffsetGrowth < 0.019 || first.OffsetGrowth > 0.021 {
		t.Errorf("offset growth = %v, want 0.02", first.OffsetGrowth)
	}

	second := c.Flush(20, Sample{TotalMass: 4.4, CentroidOffset: 0.02, Rejected: 5, NonFinite: 1})
	if second.Perturbations != 0 {
		t.Error("counters should reset after flush")
	}
	if second.RejectedSteps != 3 || second.NonFinite != 0 {
		t.Errorf("expected per-window deltas, got rejected=%d non_finite=%d", second.RejectedSteps, second.NonFinite)
	}
	if second.MassDrift < 0.099 || second.MassDrift > 0.101 {
		t.Errorf("mass drift = %v, want 0.1", second.MassDrift)
	}
	if second.WindowStartStep != 10 {
		t.Errorf("window start = %d, want 10", second.WindowStartStep)
	}
}
