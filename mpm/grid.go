package mpm

import (
	"math"
	"sync/atomic"
)

// Grid is the transient background lattice. P2G accumulates mass and
// momentum into it, the solver resolves node velocities, and G2P reads them
// back. It is cleared at the start of every sub-step.
type Grid struct {
	N    int // nodes per axis
	Nz   int // N in 3D, 1 in 2D
	Dims int

	acc   Accumulation
	scale float64

	// Fixed-point accumulators.
	massFix []int64
	momFix  [3][]int64

	// Float accumulators, stored as float32 bits for CAS.
	massBits []uint32
	momBits  [3][]uint32

	// Resolved state, valid after Resolve.
	Mass []float32
	Vel  [3][]float32

	// Scratch velocity deltas for the smoothing pass.
	dv [3][]float32
}

// NewGrid allocates a grid for p.
func NewGrid(p Params) *Grid {
	nz := p.GridRes
	if p.Dims == 2 {
		nz = 1
	}
	g := &Grid{
		N:     p.GridRes,
		Nz:    nz,
		Dims:  p.Dims,
		acc:   p.Accumulation,
		scale: p.FixedPointScale,
	}
	if g.scale <= 0 {
		g.scale = DefaultFixedPointScale
	}

	n := g.Len()
	switch g.acc {
	case AccumulateFloat:
		g.massBits = make([]uint32, n)
		for a := 0; a < 3; a++ {
			g.momBits[a] = make([]uint32, n)
		}
	default:
		g.massFix = make([]int64, n)
		for a := 0; a < 3; a++ {
			g.momFix[a] = make([]int64, n)
		}
	}
	g.Mass = make([]float32, n)
	for a := 0; a < 3; a++ {
		g.Vel[a] = make([]float32, n)
		g.dv[a] = make([]float32, n)
	}
	return g
}

// Len returns the number of nodes.
func (g *Grid) Len() int {
	return g.N * g.N * g.Nz
}

// Index returns the flat index of node (x, y, z).
func (g *Grid) Index(x, y, z int) int {
	return x + g.N*(y+g.N*z)
}

// Coords is the inverse of Index.
func (g *Grid) Coords(idx int) (x, y, z int) {
	x = idx % g.N
	idx /= g.N
	y = idx % g.N
	z = idx / g.N
	return x, y, z
}

// clearRange zeroes accumulators and resolved state for nodes [start, end).
func (g *Grid) clearRange(start, end int) {
	if g.acc == AccumulateFloat {
		clear(g.massBits[start:end])
		for a := 0; a < 3; a++ {
			clear(g.momBits[a][start:end])
		}
	} else {
		clear(g.massFix[start:end])
		for a := 0; a < 3; a++ {
			clear(g.momFix[a][start:end])
		}
	}
	clear(g.Mass[start:end])
	for a := 0; a < 3; a++ {
		clear(g.Vel[a][start:end])
		clear(g.dv[a][start:end])
	}
}

func (g *Grid) toFixed(v float32) int64 {
	return int64(math.Round(float64(v) * g.scale))
}

func (g *Grid) fromFixed(v int64) float32 {
	return float32(float64(v) / g.scale)
}

func addFloatBits(addr *uint32, v float32) {
	for {
		old := atomic.LoadUint32(addr)
		next := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(addr, old, next) {
			return
		}
	}
}

// addMass accumulates m into node idx. Safe for concurrent use.
func (g *Grid) addMass(idx int, m float32) {
	if g.acc == AccumulateFloat {
		addFloatBits(&g.massBits[idx], m)
		return
	}
	atomic.AddInt64(&g.massFix[idx], g.toFixed(m))
}

// addMomentum accumulates p into node idx. Safe for concurrent use.
func (g *Grid) addMomentum(idx int, p Vec3) {
	for a := 0; a < 3; a++ {
		if p[a] == 0 {
			continue
		}
		if g.acc == AccumulateFloat {
			addFloatBits(&g.momBits[a][idx], p[a])
		} else {
			atomic.AddInt64(&g.momFix[a][idx], g.toFixed(p[a]))
		}
	}
}

// massAt reads accumulated mass during P2G, between the mass and momentum
// scatters. Callers must not race it with addMass.
func (g *Grid) massAt(idx int) float32 {
	if g.acc == AccumulateFloat {
		return math.Float32frombits(g.massBits[idx])
	}
	return g.fromFixed(g.massFix[idx])
}

// momentumAt reads accumulated momentum after P2G.
func (g *Grid) momentumAt(idx int) Vec3 {
	var p Vec3
	for a := 0; a < 3; a++ {
		if g.acc == AccumulateFloat {
			p[a] = math.Float32frombits(g.momBits[a][idx])
		} else {
			p[a] = g.fromFixed(g.momFix[a][idx])
		}
	}
	return p
}

// TotalMass sums resolved node mass.
func (g *Grid) TotalMass() float64 {
	var m float64
	for _, v := range g.Mass {
		m += float64(v)
	}
	return m
}

// TotalMomentum sums resolved node momentum (mass times velocity).
func (g *Grid) TotalMomentum() [3]float64 {
	var p [3]float64
	for i, m := range g.Mass {
		if m <= 0 {
			continue
		}
		for a := 0; a < 3; a++ {
			p[a] += float64(m) * float64(g.Vel[a][i])
		}
	}
	return p
}

// Active reports whether node idx received mass this sub-step.
func (g *Grid) Active(idx int) bool {
	return g.Mass[idx] > 0
}
