package bifurcation

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/bifurcate/mpm"
)

// Asymmetry summarises how far the particle ensemble is from mirror symmetry.
type Asymmetry struct {
	// CentroidOffset is |c_L - mirror(c_R)| in lattice units.
	CentroidOffset float64
	// MirrorImbalance is the normalised L1 distance in [0, 1] between a
	// coarse occupancy histogram and its mirror image.
	MirrorImbalance float64

	LeftCentroid  r3.Vec
	RightCentroid r3.Vec
}

// LogValue implements slog.LogValuer for structured logging.
func (a Asymmetry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("centroid_offset", a.CentroidOffset),
		slog.Float64("mirror_imbalance", a.MirrorImbalance),
		slog.Float64("left_x", a.LeftCentroid.X),
		slog.Float64("right_x", a.RightCentroid.X),
	)
}

// Broken reports whether a exceeds the controller's symmetry threshold.
func (c *Controller) Broken(a Asymmetry) bool {
	return a.CentroidOffset > c.cfg.Epsilon
}

// Measure computes the asymmetry of the current store against the mirror
// plane. Lobe membership comes from the labels assigned at the last Reinit.
func (c *Controller) Measure(ps *mpm.ParticleStore) Asymmetry {
	var sumL, sumR r3.Vec
	var massL, massR float64

	for i := 0; i < ps.Len(); i++ {
		m := float64(ps.Mass[i])
		p := r3.Vec{X: float64(ps.Pos[0][i]), Y: float64(ps.Pos[1][i]), Z: float64(ps.Pos[2][i])}
		switch c.labels[i] {
		case LabelLeft:
			sumL = r3.Add(sumL, r3.Scale(m, p))
			massL += m
		case LabelRight:
			sumR = r3.Add(sumR, r3.Scale(m, p))
			massR += m
		}
	}

	var a Asymmetry
	if massL > 0 {
		a.LeftCentroid = r3.Scale(1/massL, sumL)
	}
	if massR > 0 {
		a.RightCentroid = r3.Scale(1/massR, sumR)
	}
	if massL > 0 && massR > 0 {
		a.CentroidOffset = r3.Norm(r3.Sub(a.LeftCentroid, c.mirror(a.RightCentroid)))
	}
	a.MirrorImbalance = c.mirrorImbalance(ps)
	return a
}

// mirror reflects p across the plane x = Center.
func (c *Controller) mirror(p r3.Vec) r3.Vec {
	p.X = float64(c.params.Extent()) - p.X
	return p
}

// mirrorImbalance bins particle mass on a coarse grid and compares each bin
// with its reflection across the mirror plane.
func (c *Controller) mirrorImbalance(ps *mpm.ParticleStore) float64 {
	bins := c.cfg.HistogramBins
	bz := bins
	if c.params.Dims == 2 {
		bz = 1
	}
	hist := make([]float64, bins*bins*bz)
	extent := float64(c.params.Extent())
	width := extent / float64(bins)

	binOf := func(x float64) int {
		b := int(math.Floor(x / width))
		if b < 0 {
			return 0
		}
		if b >= bins {
			return bins - 1
		}
		return b
	}
	// The x bin is taken from the distance to the plane so that a point and
	// its mirror image always land in mirrored bins.
	center := extent / 2
	binOfX := func(x float64) int {
		u := x - center
		var b int
		if u >= 0 {
			b = bins/2 + int(math.Floor(u/width))
		} else {
			b = bins/2 - 1 - int(math.Floor(-u/width))
		}
		if b < 0 {
			return 0
		}
		if b >= bins {
			return bins - 1
		}
		return b
	}

	var total float64
	for i := 0; i < ps.Len(); i++ {
		bx := binOfX(float64(ps.Pos[0][i]))
		by := binOf(float64(ps.Pos[1][i]))
		bzi := 0
		if bz > 1 {
			bzi = binOf(float64(ps.Pos[2][i]))
		}
		m := float64(ps.Mass[i])
		hist[bx+bins*(by+bins*bzi)] += m
		total += m
	}
	if total == 0 {
		return 0
	}

	var diff float64
	for z := 0; z < bz; z++ {
		for y := 0; y < bins; y++ {
			for x := 0; x < bins; x++ {
				h := hist[x+bins*(y+bins*z)]
				hm := hist[(bins-1-x)+bins*(y+bins*z)]
				diff += math.Abs(h - hm)
			}
		}
	}
	// Every mismatched pair is visited twice.
	return diff / (2 * total)
}
