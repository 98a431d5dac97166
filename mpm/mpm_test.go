package mpm

import (
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams returns a small 2D setup that steps quickly.
func testParams(count int) Params {
	p := DefaultParams()
	p.Dims = 2
	p.GridRes = 32
	p.ParticleCount = count
	p.Workers = 4
	return p
}

// blockStore fills the square [lo, lo+side) with particles on a jittered
// lattice. p.ParticleCount should be a perfect square.
func blockStore(p Params, lo, side float32, seed int64) *ParticleStore {
	rng := rand.New(rand.NewSource(seed))
	ps := NewParticleStore(p.ParticleCount, p.UnitMass)
	per := int(math.Sqrt(float64(p.ParticleCount)))
	step := side / float32(per)
	for i := 0; i < p.ParticleCount; i++ {
		gx := float32(i%per) + 0.25 + 0.5*rng.Float32()
		gy := float32(i/per) + 0.25 + 0.5*rng.Float32()
		ps.SetPosition(i, Vec3{lo + gx*step, lo + gy*step, 0})
	}
	return ps
}

func TestPoolCoversRange(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	const n = 10007
	var hits [n]int32
	var calls atomic.Int32
	pool.Run(n, func(start, end, worker int) {
		calls.Add(1)
		assert.Less(t, worker, pool.Workers())
		for i := start; i < end; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
	})
	for i, h := range hits {
		require.Equal(t, int32(1), h, "index %d", i)
	}
	assert.Equal(t, int32(4), calls.Load())

	// Small runs stay on the caller.
	pool.Run(10, func(start, end, worker int) {
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
		assert.Equal(t, 0, worker)
	})
}

func TestKernelWeightsPartitionUnity(t *testing.T) {
	var st stencil
	for _, x := range []float32{1, 1.3, 5.5, 7.99, 12.25, 30} {
		st.weights(Vec3{x, x, x}, 3)
		for a := 0; a < 3; a++ {
			var sum, first float32
			for i := 0; i < 3; i++ {
				sum += st.w[a][i]
				first += st.w[a][i] * (float32(i) - st.fx[a])
			}
			assert.InDelta(t, 1, sum, 1e-6, "weights at %v", x)
			assert.InDelta(t, 0, first, 1e-5, "first moment at %v", x)
		}
	}

	st.weights(Vec3{4, 4, 9}, 2)
	assert.Equal(t, 1, st.span[2])
	assert.Equal(t, float32(1), st.w[2][0])
	assert.Equal(t, 0, st.base[2])
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	bad := []func(*Params){
		func(p *Params) { p.ParticleCount = 0 },
		func(p *Params) { p.GridRes = -1 },
		func(p *Params) { p.Dims = 4 },
		func(p *Params) { p.Substeps = 0 },
		func(p *Params) { p.DT = 0 },
		func(p *Params) { p.PerturbationSigma = -0.1 },
		func(p *Params) { p.BoundaryCells = 1 },
		func(p *Params) { p.GridRes = 6 },
	}
	for i, mutate := range bad {
		p := DefaultParams()
		mutate(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParams, "case %d", i)
	}
}

func TestBoundsAreMirrorSymmetric(t *testing.T) {
	p := DefaultParams()
	lo, hi := p.Bounds()
	c := p.Center()
	assert.Equal(t, p.Extent()-lo, hi)
	assert.Equal(t, float32(31.5), c[0])
	assert.InDelta(t, c[0]-lo, hi-c[0], 1e-6)
}

func TestRoundTripUniformField(t *testing.T) {
	p := testParams(1024)
	p.EOSStiffness = 0
	p.Viscosity = 0
	p.BFECC = false
	ps := blockStore(p, 8, 16, 1)

	v := Vec3{0.3, -0.2, 0}
	for i := 0; i < ps.Len(); i++ {
		ps.SetVelocity(i, v)
	}
	before := NewParticleStore(ps.Len(), p.UnitMass)
	before.CopyFrom(ps)

	s, err := NewScheduler(p, ps)
	require.NoError(t, err)
	defer s.Close()
	s.SetSolveOptions(SolveOptions{NoGravity: true, NoBoundary: true})

	require.NoError(t, s.Step(1))

	for i := 0; i < ps.Len(); i++ {
		got := ps.Velocity(i)
		for a := 0; a < 3; a++ {
			require.InDelta(t, v[a], got[a], 1e-4, "particle %d velocity axis %d", i, a)
			require.InDelta(t, before.Pos[a][i]+v[a]*p.DT, ps.Pos[a][i], 1e-4, "particle %d position axis %d", i, a)
		}
		for e := 0; e < 9; e++ {
			require.InDelta(t, 0, ps.C[e][i], 1e-3, "particle %d C[%d]", i, e)
		}
	}
}

func TestRoundTripAffineField(t *testing.T) {
	p := testParams(4096)
	p.EOSStiffness = 0
	p.Viscosity = 0
	p.Smoothing = 0
	p.BFECC = false
	ps := blockStore(p, 8, 16, 7)

	// v = A(x - x0) with C = A, row-major.
	a := [9]float32{0.02, 0.05, 0, -0.03, 0.01, 0, 0, 0, 0}
	x0 := Vec3{16, 16, 0}
	field := func(x Vec3) Vec3 {
		var v Vec3
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				v[r] += a[3*r+c] * (x[c] - x0[c])
			}
		}
		return v
	}
	for i := 0; i < ps.Len(); i++ {
		ps.SetVelocity(i, field(ps.Position(i)))
		for e := 0; e < 9; e++ {
			ps.C[e][i] = a[e]
		}
	}

	pool := NewPool(p.Workers)
	defer pool.Close()
	s := NewSolver(p, pool)
	s.SetOptions(SolveOptions{NoGravity: true, NoBoundary: true})

	s.Clear()
	s.ParticleToGrid(ps, 0)
	s.SolveGrid(0)
	s.GridToParticle(ps, 0)

	interior := 0
	for i := 0; i < ps.Len(); i++ {
		x := ps.Position(i)
		if x[0] < 11 || x[0] > 21 || x[1] < 11 || x[1] > 21 {
			continue
		}
		interior++
		want := field(x)
		got := ps.Velocity(i)
		for r := 0; r < 2; r++ {
			require.InDelta(t, want[r], got[r], 1e-4, "particle %d velocity axis %d", i, r)
		}
		for e := 0; e < 9; e++ {
			require.InDelta(t, a[e], ps.C[e][i], 1e-4, "particle %d affine entry %d", i, e)
		}
	}
	require.Greater(t, interior, 1000)
}

func TestGridMassMatchesParticles(t *testing.T) {
	for _, acc := range []Accumulation{AccumulateFixed, AccumulateFloat} {
		t.Run(acc.String(), func(t *testing.T) {
			p := testParams(2500)
			p.Accumulation = acc
			ps := blockStore(p, 6, 20, 2)

			pool := NewPool(p.Workers)
			defer pool.Close()
			s := NewSolver(p, pool)
			s.Clear()
			s.ParticleToGrid(ps, p.DT)
			s.SolveGrid(p.DT)

			assert.InEpsilon(t, float64(ps.TotalMass()), s.Grid().TotalMass(), 1e-4)
		})
	}
}

func TestMassConservedOverSteps(t *testing.T) {
	p := testParams(2500)
	ps := blockStore(p, 6, 20, 3)
	initial := ps.TotalMass()

	s, err := NewScheduler(p, ps)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Step(p.Substeps))
	}
	assert.Equal(t, initial, ps.TotalMass())
	assert.Equal(t, int64(50), s.Steps())
}

func TestMomentumConservedByTransfer(t *testing.T) {
	p := testParams(2500)
	ps := blockStore(p, 6, 20, 4)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < ps.Len(); i++ {
		ps.SetVelocity(i, Vec3{rng.Float32() - 0.5, rng.Float32() - 0.5, 0})
	}

	pool := NewPool(p.Workers)
	defer pool.Close()
	s := NewSolver(p, pool)
	s.SetOptions(SolveOptions{NoGravity: true, NoBoundary: true})
	p.Smoothing = 0
	s.configure(p)

	s.Clear()
	s.ParticleToGrid(ps, p.DT)
	s.SolveGrid(p.DT)

	want := ps.Momentum()
	got := s.Grid().TotalMomentum()
	for a := 0; a < 2; a++ {
		assert.InDelta(t, float64(want[a]), got[a], 1e-2, "axis %d", a)
	}
}

func TestContainment(t *testing.T) {
	for _, bfecc := range []bool{false, true} {
		p := testParams(2500)
		p.BFECC = bfecc
		ps := blockStore(p, 6, 20, 5)
		rng := rand.New(rand.NewSource(5))
		for i := 0; i < ps.Len(); i++ {
			ps.SetVelocity(i, Vec3{40 * (rng.Float32() - 0.5), 40 * (rng.Float32() - 0.5), 0})
		}

		s, err := NewScheduler(p, ps)
		require.NoError(t, err)

		lo, hi := p.Bounds()
		for step := 0; step < 20; step++ {
			require.NoError(t, s.Step(2))
			for i := 0; i < ps.Len(); i++ {
				for a := 0; a < 2; a++ {
					x := ps.Pos[a][i]
					require.False(t, math.IsNaN(float64(x)))
					require.GreaterOrEqual(t, x, lo, "bfecc=%v step %d particle %d", bfecc, step, i)
					require.LessOrEqual(t, x, hi, "bfecc=%v step %d particle %d", bfecc, step, i)
				}
				require.Zero(t, ps.Pos[2][i])
			}
		}
		s.Close()
	}
}

func TestWallsStopInwardFlow(t *testing.T) {
	p := testParams(1024)
	pool := NewPool(1)
	defer pool.Close()
	s := NewSolver(p, pool)
	g := s.Grid()

	idx := g.Index(0, 10, 0)
	v := Vec3{-1, 0.5, 0}
	s.applyWalls(idx, &v)
	assert.Equal(t, Vec3{0, 0.5, 0}, v, "normal into wall removed, tangential kept")

	idx = g.Index(g.N-1, g.N-2, 0)
	v = Vec3{2, 3, 0}
	s.applyWalls(idx, &v)
	assert.Equal(t, Vec3{0, 0, 0}, v)

	idx = g.Index(g.N-1, 10, 0)
	v = Vec3{-2, 0, 0}
	s.applyWalls(idx, &v)
	assert.Equal(t, Vec3{-2, 0, 0}, v, "flow away from the wall is kept")
}

func TestSmoothingSumsToZero(t *testing.T) {
	p := testParams(2500)
	p.Smoothing = 0.5
	ps := blockStore(p, 6, 20, 6)
	rng := rand.New(rand.NewSource(6))
	for i := 0; i < ps.Len(); i++ {
		ps.SetVelocity(i, Vec3{rng.Float32() - 0.5, rng.Float32() - 0.5, 0})
	}

	pool := NewPool(p.Workers)
	defer pool.Close()
	s := NewSolver(p, pool)
	s.SetOptions(SolveOptions{NoGravity: true, NoBoundary: true})
	s.Clear()
	s.ParticleToGrid(ps, p.DT)

	g := s.Grid()
	for idx := 0; idx < g.Len(); idx++ {
		if m := g.massAt(idx); m > 0 {
			mom := g.momentumAt(idx)
			g.Mass[idx] = m
			for a := 0; a < 3; a++ {
				g.Vel[a][idx] = mom[a] / m
			}
		}
	}

	var sum, mag [3]float64
	for idx := 0; idx < g.Len(); idx++ {
		s.smoothDelta(idx)
		for a := 0; a < 3; a++ {
			sum[a] += float64(g.dv[a][idx])
			mag[a] += math.Abs(float64(g.dv[a][idx]))
		}
	}
	for a := 0; a < 2; a++ {
		require.Greater(t, mag[a], 0.0, "smoothing changed nothing on axis %d", a)
		assert.InDelta(t, 0, sum[a], 1e-4, "axis %d", a)
	}
}

func TestFixedAndFloatAccumulationAgree(t *testing.T) {
	run := func(acc Accumulation) *ParticleStore {
		p := testParams(2500)
		p.Accumulation = acc
		ps := blockStore(p, 6, 20, 7)
		s, err := NewScheduler(p, ps)
		require.NoError(t, err)
		defer s.Close()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Step(2))
		}
		return ps
	}

	fixed := run(AccumulateFixed)
	float := run(AccumulateFloat)
	for i := 0; i < fixed.Len(); i++ {
		for a := 0; a < 2; a++ {
			require.InDelta(t, fixed.Pos[a][i], float.Pos[a][i], 1e-3, "particle %d axis %d", i, a)
		}
	}
}

func TestFixedAccumulationIsDeterministic(t *testing.T) {
	run := func(workers int) *ParticleStore {
		p := testParams(2500)
		p.Workers = workers
		ps := blockStore(p, 6, 20, 8)
		s, err := NewScheduler(p, ps)
		require.NoError(t, err)
		defer s.Close()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Step(2))
		}
		return ps
	}

	a, b := run(1), run(7)
	for i := 0; i < a.Len(); i++ {
		require.Equal(t, a.Position(i), b.Position(i), "particle %d", i)
	}
}

// reentrantTracer calls back into Step from inside a running step.
type reentrantTracer struct {
	s    *Scheduler
	errs []error
}

func (r *reentrantTracer) StartTick() {
	r.errs = append(r.errs, r.s.Step(1))
}
func (r *reentrantTracer) StartPhase(string) {}
func (r *reentrantTracer) EndTick()          {}

func TestStepRejectsReentry(t *testing.T) {
	p := testParams(256)
	ps := blockStore(p, 8, 8, 9)
	s, err := NewScheduler(p, ps)
	require.NoError(t, err)
	defer s.Close()

	tr := &reentrantTracer{s: s}
	s.SetTracer(tr)

	require.NoError(t, s.Step(2))
	require.Len(t, tr.errs, 1)
	assert.NoError(t, tr.errs[0])
	assert.Equal(t, int64(1), s.Steps())
	assert.Equal(t, int64(1), s.Rejected())
	assert.False(t, s.Stepping())
}

func TestStepRejectsInvalidSubsteps(t *testing.T) {
	p := testParams(256)
	ps := blockStore(p, 8, 8, 10)
	before := NewParticleStore(ps.Len(), p.UnitMass)
	before.CopyFrom(ps)

	s, err := NewScheduler(p, ps)
	require.NoError(t, err)
	defer s.Close()

	for _, n := range []int{0, -3} {
		err := s.Step(n)
		require.True(t, errors.Is(err, ErrInvalidSubsteps), "substeps %d: %v", n, err)
	}
	assert.Equal(t, before.Pos, ps.Pos)
	assert.Equal(t, int64(0), s.Steps())
}

func TestNonFiniteVelocityIsReset(t *testing.T) {
	for _, acc := range []Accumulation{AccumulateFixed, AccumulateFloat} {
		p := testParams(1024)
		p.Accumulation = acc
		ps := blockStore(p, 8, 16, 11)
		ps.SetVelocity(17, Vec3{float32(math.NaN()), 0, 0})
		ps.SetVelocity(42, Vec3{0, float32(math.Inf(1)), 0})

		s, err := NewScheduler(p, ps)
		require.NoError(t, err)
		require.NoError(t, s.Step(1))
		s.Close()

		assert.GreaterOrEqual(t, s.NonFinite(), int64(2), acc.String())
		for i := 0; i < ps.Len(); i++ {
			for a := 0; a < 3; a++ {
				require.True(t, isFinite(ps.Pos[a][i]), "%s particle %d position", acc, i)
				require.True(t, isFinite(ps.Vel[a][i]), "%s particle %d velocity", acc, i)
			}
		}
	}
}

func TestSetParamsKeepsParticleCount(t *testing.T) {
	p := testParams(256)
	ps := blockStore(p, 8, 8, 12)
	s, err := NewScheduler(p, ps)
	require.NoError(t, err)
	defer s.Close()

	next := p
	next.ParticleCount = 512
	assert.ErrorIs(t, s.SetParams(next), ErrInvalidParams)

	next = p
	next.GridRes = 48
	require.NoError(t, s.SetParams(next))
	assert.Equal(t, 48, s.Params().GridRes)
	require.NoError(t, s.Step(1))
}

func TestStoreReductions(t *testing.T) {
	ps := NewParticleStore(3, 2)
	ps.SetVelocity(0, Vec3{1, 0, 0})
	ps.SetVelocity(1, Vec3{0, 2, 0})
	ps.SetVelocity(2, Vec3{0, 0, -3})

	assert.Equal(t, float32(6), ps.TotalMass())
	assert.Equal(t, Vec3{2, 4, -6}, ps.Momentum())
	assert.InDelta(t, 14, ps.KineticEnergy(), 1e-6)
	assert.InDelta(t, 3, ps.MaxSpeed(), 1e-6)
	assert.Equal(t, []float64{1, 2, 3}, ps.Speeds(nil))
}

func BenchmarkStep3D(b *testing.B) {
	p := DefaultParams()
	p.ParticleCount = 8000
	p.GridRes = 32
	ps := NewParticleStore(p.ParticleCount, p.UnitMass)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < ps.Len(); i++ {
		ps.SetPosition(i, Vec3{8 + 16*rng.Float32(), 8 + 16*rng.Float32(), 8 + 16*rng.Float32()})
	}
	s, err := NewScheduler(p, ps)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Step(p.Substeps); err != nil {
			b.Fatal(err)
		}
	}
}
