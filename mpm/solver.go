package mpm

import "sync/atomic"

// SolveOptions disables parts of the grid update. The zero value runs the
// full update.
type SolveOptions struct {
	NoGravity  bool
	NoBoundary bool
}

// Solver owns the grid and the per-particle scratch used by one sub-step.
// Its methods must be called in order: Clear, ParticleToGrid, SolveGrid,
// GridToParticle. Each method blocks until its passes finish.
type Solver struct {
	params  Params
	grid    *Grid
	pool    *Pool
	options SolveOptions

	lo, hi float32
	center Vec3

	density     []float32
	restDensity float32

	nonFinite atomic.Int64
}

// NewSolver builds a solver for particleCount particles. The pool is shared
// and not closed by the solver.
func NewSolver(p Params, pool *Pool) *Solver {
	s := &Solver{
		pool:    pool,
		density: make([]float32, p.ParticleCount),
	}
	s.configure(p)
	return s
}

func (s *Solver) configure(p Params) {
	if s.grid == nil || s.params.GridRes != p.GridRes || s.params.Dims != p.Dims ||
		s.params.Accumulation != p.Accumulation || s.params.FixedPointScale != p.FixedPointScale {
		s.grid = NewGrid(p)
	}
	s.params = p
	s.lo, s.hi = p.Bounds()
	s.center = p.Center()
}

// Grid exposes the grid for inspection between passes.
func (s *Solver) Grid() *Grid {
	return s.grid
}

// SetOptions changes which parts of the grid update run.
func (s *Solver) SetOptions(o SolveOptions) {
	s.options = o
}

// ResetRestDensity forgets the latched reference density so the next
// transfer recalibrates it.
func (s *Solver) ResetRestDensity() {
	s.restDensity = 0
}

// SetRestDensity latches rho as the reference density until the next reset.
func (s *Solver) SetRestDensity(rho float32) {
	s.restDensity = rho
}

// RestDensity returns the reference density in use (0 before the first transfer).
func (s *Solver) RestDensity() float32 {
	if s.params.RestDensity > 0 {
		return s.params.RestDensity
	}
	return s.restDensity
}

// NonFinite returns how many non-finite particle values G2P has reset.
func (s *Solver) NonFinite() int64 {
	return s.nonFinite.Load()
}

// Clear zeroes the grid.
func (s *Solver) Clear() {
	g := s.grid
	s.pool.Run(g.Len(), func(start, end, _ int) {
		g.clearRange(start, end)
	})
}

// SolveGrid turns accumulated momentum into node velocity, applies gravity
// and the box walls, then relaxes velocities between neighbouring nodes.
// Nodes without mass are left at zero.
func (s *Solver) SolveGrid(dt float32) {
	g := s.grid
	n := g.Len()

	s.pool.Run(n, func(start, end, _ int) {
		for idx := start; idx < end; idx++ {
			m := g.massAt(idx)
			if m <= 0 {
				continue
			}
			mom := g.momentumAt(idx)
			v := Vec3{mom[0] / m, mom[1] / m, mom[2] / m}
			if !s.options.NoGravity {
				for a := 0; a < 3; a++ {
					v[a] += s.params.Gravity[a] * dt
				}
			}
			g.Mass[idx] = m
			s.storeVelocity(idx, v)
		}
	})

	if s.params.Smoothing <= 0 {
		return
	}

	s.pool.Run(n, func(start, end, _ int) {
		for idx := start; idx < end; idx++ {
			s.smoothDelta(idx)
		}
	})
	s.pool.Run(n, func(start, end, _ int) {
		for idx := start; idx < end; idx++ {
			if !g.Active(idx) {
				continue
			}
			s.storeVelocity(idx, Vec3{
				g.Vel[0][idx] + g.dv[0][idx],
				g.Vel[1][idx] + g.dv[1][idx],
				g.Vel[2][idx] + g.dv[2][idx],
			})
		}
	})
}

// storeVelocity writes v to node idx after the wall condition.
func (s *Solver) storeVelocity(idx int, v Vec3) {
	g := s.grid
	if !s.options.NoBoundary {
		s.applyWalls(idx, &v)
	}
	if g.Dims == 2 {
		v[2] = 0
	}
	g.Vel[0][idx], g.Vel[1][idx], g.Vel[2][idx] = v[0], v[1], v[2]
}

// applyWalls zeroes the velocity component pointing into any face the node
// is within BoundaryCells of. Tangential motion is kept (free slip).
func (s *Solver) applyWalls(idx int, v *Vec3) {
	g := s.grid
	b := s.params.BoundaryCells
	x, y, z := g.Coords(idx)
	c := [3]int{x, y, z}
	axes := 3
	if g.Dims == 2 {
		axes = 2
	}
	for a := 0; a < axes; a++ {
		if c[a] < b && v[a] < 0 {
			v[a] = 0
		}
		if c[a] > g.N-1-b && v[a] > 0 {
			v[a] = 0
		}
	}
}

// smoothDelta writes s/(2*dims) * Σ (v_j - v_i) over active face neighbours
// into the scratch buffer. Each pair (i, j) contributes equal and opposite
// terms, so the deltas over all active nodes sum to zero.
func (s *Solver) smoothDelta(idx int) {
	g := s.grid
	g.dv[0][idx], g.dv[1][idx], g.dv[2][idx] = 0, 0, 0
	if !g.Active(idx) {
		return
	}

	x, y, z := g.Coords(idx)
	c := [3]int{x, y, z}
	axes := 3
	if g.Dims == 2 {
		axes = 2
	}
	coef := s.params.Smoothing / float32(2*axes)

	var sum Vec3
	for a := 0; a < axes; a++ {
		for _, step := range [2]int{-1, 1} {
			nc := c
			nc[a] += step
			if nc[a] < 0 || nc[a] >= g.N {
				continue
			}
			j := g.Index(nc[0], nc[1], nc[2])
			if !g.Active(j) {
				continue
			}
			for k := 0; k < 3; k++ {
				sum[k] += g.Vel[k][j] - g.Vel[k][idx]
			}
		}
	}
	for k := 0; k < 3; k++ {
		g.dv[k][idx] = coef * sum[k]
	}
}
