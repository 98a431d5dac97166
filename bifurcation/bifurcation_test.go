package bifurcation

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/bifurcate/mpm"
)

func smallParams(count int) mpm.Params {
	p := mpm.DefaultParams()
	p.Dims = 2
	p.GridRes = 32
	p.ParticleCount = count
	p.Workers = 4
	return p
}

func newRun(t *testing.T, p mpm.Params, cfg Config) (*mpm.Scheduler, *mpm.ParticleStore, *Controller) {
	t.Helper()
	store := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	sched, err := mpm.NewScheduler(p, store)
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	ctrl := NewController(p, cfg)
	sched.Reseed(ctrl.Reinit)
	return sched, store, ctrl
}

func TestReinitIsMirrorSymmetric(t *testing.T) {
	for _, dims := range []int{2, 3} {
		p := smallParams(3000)
		p.Dims = dims
		ctrl := NewController(p, DefaultConfig())
		ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
		ctrl.Reinit(ps)

		extent := p.Extent()
		mid := p.Center()
		half := ps.Len() / 2
		for k := 0; k < half; k++ {
			l, r := ps.Position(k), ps.Position(k+half)
			require.Equal(t, extent-l[0], r[0], "dims %d pair %d", dims, k)
			require.Equal(t, l[1], r[1])
			require.Equal(t, l[2], r[2])
			require.Less(t, l[0], mid[0])
			require.Equal(t, LabelLeft, ctrl.Labels()[k])
			require.Equal(t, LabelRight, ctrl.Labels()[k+half])
			if dims == 2 {
				require.Zero(t, l[2])
			}
		}

		a := ctrl.Measure(ps)
		assert.InDelta(t, 0, a.CentroidOffset, 1e-9, "dims %d", dims)
		assert.InDelta(t, 0, a.MirrorImbalance, 1e-12, "dims %d", dims)
		assert.False(t, ctrl.Broken(a))
		assert.Less(t, a.LeftCentroid.X, float64(mid[0]))
		assert.Greater(t, a.RightCentroid.X, float64(mid[0]))
	}
}

func TestReinitPlacesLobes(t *testing.T) {
	p := smallParams(2000)
	cfg := DefaultConfig()
	ctrl := NewController(p, cfg)
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)

	left, right := ctrl.LobeCenters()
	radius := float64(cfg.LobeRadius*float32(p.GridRes)) + 1e-3
	for i := 0; i < ps.Len(); i++ {
		c := left
		if ctrl.Labels()[i] == LabelRight {
			c = right
		}
		pos := ps.Position(i)
		d := math.Hypot(float64(pos[0]-c[0]), float64(pos[1]-c[1]))
		require.LessOrEqual(t, d, radius, "particle %d", i)
	}
}

func TestReinitOddCountUsesPlane(t *testing.T) {
	p := smallParams(1001)
	ctrl := NewController(p, DefaultConfig())
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)

	last := ps.Len() - 1
	assert.Equal(t, p.Center()[0], ps.Pos[0][last])
	assert.Equal(t, LabelPlane, ctrl.Labels()[last])
	assert.InDelta(t, 0, ctrl.Measure(ps).CentroidOffset, 1e-9)
}

func TestReinitIsIdempotent(t *testing.T) {
	p := smallParams(2000)
	ctrl := NewController(p, DefaultConfig())
	first := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	second := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)

	ctrl.Reinit(first)
	ctrl.Reinit(second)
	assert.Equal(t, first.Pos, second.Pos)

	// Perturbing and stepping must not leak into the next reset.
	sched, err := mpm.NewScheduler(p, second)
	require.NoError(t, err)
	defer sched.Close()
	require.NoError(t, ctrl.Inject(second, 0.5))
	require.NoError(t, sched.Step(2))
	sched.Reseed(ctrl.Reinit)

	assert.Equal(t, first.Pos, second.Pos)
	assert.Equal(t, first.Vel, second.Vel)
	assert.Equal(t, first.C, second.C)
}

func TestInjectRejectsNegativeSigma(t *testing.T) {
	p := smallParams(500)
	ctrl := NewController(p, DefaultConfig())
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)

	err := ctrl.Inject(ps, -0.1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNegativeSigma))
	assert.Error(t, ctrl.Inject(ps, float32(math.NaN())))
	for a := 0; a < 3; a++ {
		for _, v := range ps.Vel[a] {
			require.Zero(t, v)
		}
	}
}

func TestInjectZeroIsNoop(t *testing.T) {
	p := smallParams(500)
	ctrl := NewController(p, DefaultConfig())
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)
	before := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	before.CopyFrom(ps)

	require.NoError(t, ctrl.Inject(ps, 0))
	assert.Equal(t, before.Pos, ps.Pos)
	assert.Equal(t, before.Vel, ps.Vel)
}

func TestInjectGaussianStatistics(t *testing.T) {
	p := smallParams(8000)
	ctrl := NewController(p, DefaultConfig())
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)
	before := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	before.CopyFrom(ps)

	const sigma = 0.5
	require.NoError(t, ctrl.Inject(ps, sigma))

	assert.Equal(t, before.Pos, ps.Pos, "positions untouched")
	assert.Equal(t, before.Mass, ps.Mass, "masses untouched")
	for a := 0; a < 2; a++ {
		vals := make([]float64, ps.Len())
		for i, v := range ps.Vel[a] {
			vals[i] = float64(v)
		}
		mean, std := stat.MeanStdDev(vals, nil)
		assert.InDelta(t, 0, mean, 0.03, "axis %d mean", a)
		assert.InDelta(t, sigma, std, 0.03, "axis %d std", a)
	}
	for _, v := range ps.Vel[2] {
		require.Zero(t, v, "2D runs keep z velocity at zero")
	}

	// Mirror partners receive independent draws.
	half := ps.Len() / 2
	same := 0
	for k := 0; k < half; k++ {
		if ps.Vel[0][k] == -ps.Vel[0][k+half] {
			same++
		}
	}
	assert.Less(t, same, 5)
}

func TestInjectSimplex(t *testing.T) {
	p := smallParams(2000)
	cfg := DefaultConfig()
	cfg.Mode = ModeSimplex
	ctrl := NewController(p, cfg)
	ps := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	ctrl.Reinit(ps)

	const sigma = 0.2
	require.NoError(t, ctrl.Inject(ps, sigma))

	var nonzero int
	for a := 0; a < 2; a++ {
		for _, v := range ps.Vel[a] {
			require.LessOrEqual(t, math.Abs(float64(v)), 2*sigma)
			if v != 0 {
				nonzero++
			}
		}
	}
	assert.Greater(t, nonzero, ps.Len())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("simplex")
	require.NoError(t, err)
	assert.Equal(t, ModeSimplex, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeGaussian, m)
	_, err = ParseMode("wobble")
	assert.Error(t, err)
}

func TestSymmetryPreservedWithoutPerturbation(t *testing.T) {
	p := smallParams(4000)
	sched, store, ctrl := newRun(t, p, DefaultConfig())
	initialMass := store.TotalMass()

	sched.Exclusive(func(ps *mpm.ParticleStore) {
		require.NoError(t, ctrl.Inject(ps, 0))
	})
	for f := 0; f < 100; f++ {
		require.NoError(t, sched.Step(p.Substeps))
	}

	a := ctrl.Measure(store)
	assert.Less(t, a.CentroidOffset, ctrl.Config().Epsilon, "centroid offset %g", a.CentroidOffset)
	assert.Equal(t, initialMass, store.TotalMass())
	assert.Zero(t, sched.NonFinite())
}

func TestPerturbationBreaksSymmetry(t *testing.T) {
	p := smallParams(4000)
	sched, store, ctrl := newRun(t, p, DefaultConfig())
	sched.Exclusive(func(ps *mpm.ParticleStore) {
		require.NoError(t, ctrl.Inject(ps, 0.5))
	})

	broken := -1
	for f := 0; f < 100; f++ {
		require.NoError(t, sched.Step(p.Substeps))
		if ctrl.Broken(ctrl.Measure(store)) {
			broken = f
			break
		}
	}
	assert.GreaterOrEqual(t, broken, 0, "symmetry never broke")
}

func TestSymmetryBreakingIsMonotoneInSigma(t *testing.T) {
	const frames = 20
	for seed := int64(1); seed <= 3; seed++ {
		p := smallParams(4000)
		p.Seed = seed
		low, err := Run(p, DefaultConfig(), 0.1, frames, 0)
		require.NoError(t, err)
		high, err := Run(p, DefaultConfig(), 0.5, frames, 0)
		require.NoError(t, err)
		assert.Greater(t, high.CentroidOffset, low.CentroidOffset, "seed %d", seed)
	}
}

func TestSweep(t *testing.T) {
	p := smallParams(1600)
	sc := SweepConfig{SigmaMin: 0, SigmaMax: 0.6, Steps: 2, Seeds: 2, Frames: 5}
	require.Equal(t, []float64{0, 0.6}, sc.Sigmas())

	var seen int
	points, sums, err := Sweep(context.Background(), p, DefaultConfig(), sc, func(SweepPoint) { seen++ })
	require.NoError(t, err)
	assert.Len(t, points, 4)
	assert.Equal(t, 4, seen)
	require.Len(t, sums, 2)
	assert.Equal(t, 2, sums[0].Runs)
	assert.Less(t, sums[0].OffsetMean, sums[1].OffsetMean)
	assert.Equal(t, 0.0, sums[0].BrokenFraction)
	assert.Equal(t, p.Seed+1, points[1].Seed)
}

func TestSweepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	points, _, err := Sweep(ctx, smallParams(400), DefaultConfig(), SweepConfig{Steps: 3, Seeds: 1, Frames: 1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, points)
}

func TestSweepRejectsNegativeSigma(t *testing.T) {
	_, _, err := Sweep(context.Background(), smallParams(400), DefaultConfig(), SweepConfig{SigmaMin: -1, SigmaMax: 1, Steps: 2}, nil)
	assert.ErrorIs(t, err, ErrNegativeSigma)
}

// The reference scenario: 50k particles on a 64^3 grid, dt 0.1, 2 sub-steps.
func TestReferenceScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("3D reference scenario skipped in short mode")
	}

	for _, tc := range []struct {
		name  string
		sigma float32
	}{
		{"unperturbed", 0},
		{"perturbed", 0.5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := mpm.DefaultParams()
			p.ParticleCount = 50000
			p.GridRes = 64
			p.DT = 0.1
			p.Substeps = 2
			sched, store, ctrl := newRun(t, p, DefaultConfig())
			initialMass := store.TotalMass()

			sched.Exclusive(func(ps *mpm.ParticleStore) {
				require.NoError(t, ctrl.Inject(ps, tc.sigma))
			})

			lo, hi := p.Bounds()
			brokeAt := -1
			for f := 0; f < 100; f++ {
				require.NoError(t, sched.Step(2))
				if brokeAt < 0 && ctrl.Broken(ctrl.Measure(store)) {
					brokeAt = f
				}
			}

			assert.Equal(t, initialMass, store.TotalMass())
			for i := 0; i < store.Len(); i++ {
				for a := 0; a < 3; a++ {
					x := store.Pos[a][i]
					require.False(t, math.IsNaN(float64(x)) || math.IsInf(float64(x), 0))
					require.GreaterOrEqual(t, x, lo)
					require.LessOrEqual(t, x, hi)
				}
			}

			if tc.sigma == 0 {
				assert.Equal(t, -1, brokeAt, "offset %g", ctrl.Measure(store).CentroidOffset)
			} else {
				assert.GreaterOrEqual(t, brokeAt, 0)
			}
		})
	}
}
