// Package mpm implements a Material Point Method fluid solver: particles carry
// mass, velocity and an affine velocity matrix (APIC), and every sub-step
// transfers them onto a background grid, resolves forces and boundaries on the
// grid, and gathers the result back.
//
// All quantities are in lattice units. The grid spacing is 1, node i sits at
// position i, and the simulation domain is the box spanned by the nodes,
// [0, GridRes-1] on each active axis. In 2D mode the z axis collapses to a
// single layer.
package mpm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParams is returned when Params cannot drive a solver.
	ErrInvalidParams = errors.New("invalid simulation parameters")
	// ErrInvalidSubsteps is returned by Step for substeps < 1.
	ErrInvalidSubsteps = errors.New("substeps must be >= 1")
)

// Accumulation selects how P2G resolves concurrent writes to a node.
type Accumulation uint8

const (
	// AccumulateFixed encodes contributions as int64 fixed point and adds them
	// atomically. Integer addition is associative, so the result does not
	// depend on which worker wrote first.
	AccumulateFixed Accumulation = iota
	// AccumulateFloat adds float32 contributions with a compare-and-swap loop.
	AccumulateFloat
)

func (a Accumulation) String() string {
	switch a {
	case AccumulateFixed:
		return "fixed"
	case AccumulateFloat:
		return "float"
	default:
		return fmt.Sprintf("Accumulation(%d)", uint8(a))
	}
}

// ParseAccumulation maps a config string to an Accumulation.
func ParseAccumulation(s string) (Accumulation, error) {
	switch s {
	case "fixed", "":
		return AccumulateFixed, nil
	case "float":
		return AccumulateFloat, nil
	}
	return 0, fmt.Errorf("%w: unknown accumulation %q", ErrInvalidParams, s)
}

// DefaultFixedPointScale gives 2^-24 resolution per unit of mass or momentum.
const DefaultFixedPointScale = 1 << 24

// Params holds everything the solver needs. It is owned by the scheduler and
// may only change between steps.
type Params struct {
	Dims              int // 2 or 3
	DT                float32
	Gravity           Vec3
	ParticleCount     int
	GridRes           int
	Substeps          int
	PerturbationSigma float32
	Seed              int64

	UnitMass     float32
	RestDensity  float32 // 0 = caller derives it from the seeded layout
	EOSStiffness float32
	EOSPower     float32
	Viscosity    float32
	Smoothing    float32

	BFECC           bool
	Accumulation    Accumulation
	FixedPointScale float64
	BoundaryCells   int
	Workers         int // 0 = GOMAXPROCS
}

// DefaultParams returns the reference setup: 50k particles on a 64^3 grid.
func DefaultParams() Params {
	return Params{
		Dims:              3,
		DT:                0.1,
		Gravity:           Vec3{0, -0.3, 0},
		ParticleCount:     50000,
		GridRes:           64,
		Substeps:          2,
		PerturbationSigma: 0.5,
		Seed:              42,
		UnitMass:          1,
		EOSStiffness:      10,
		EOSPower:          4,
		Viscosity:         0.1,
		Smoothing:         0.05,
		BFECC:             true,
		Accumulation:      AccumulateFixed,
		FixedPointScale:   DefaultFixedPointScale,
		BoundaryCells:     2,
	}
}

// Validate reports the first parameter that makes the solver unusable.
func (p Params) Validate() error {
	switch {
	case p.ParticleCount <= 0:
		return fmt.Errorf("%w: particle count must be positive, got %d", ErrInvalidParams, p.ParticleCount)
	case p.GridRes <= 0:
		return fmt.Errorf("%w: grid resolution must be positive, got %d", ErrInvalidParams, p.GridRes)
	case p.Dims != 2 && p.Dims != 3:
		return fmt.Errorf("%w: dims must be 2 or 3, got %d", ErrInvalidParams, p.Dims)
	case p.Substeps < 1:
		return fmt.Errorf("%w: default substeps must be >= 1, got %d", ErrInvalidParams, p.Substeps)
	case !(p.DT > 0):
		return fmt.Errorf("%w: dt must be positive, got %g", ErrInvalidParams, p.DT)
	case p.PerturbationSigma < 0:
		return fmt.Errorf("%w: perturbation sigma must be >= 0, got %g", ErrInvalidParams, p.PerturbationSigma)
	case !(p.UnitMass > 0):
		return fmt.Errorf("%w: unit mass must be positive, got %g", ErrInvalidParams, p.UnitMass)
	case p.BoundaryCells < 2:
		return fmt.Errorf("%w: boundary cells must be >= 2, got %d", ErrInvalidParams, p.BoundaryCells)
	case p.GridRes < 2*p.BoundaryCells+3:
		return fmt.Errorf("%w: grid resolution %d leaves no interior with %d boundary cells",
			ErrInvalidParams, p.GridRes, p.BoundaryCells)
	case p.Accumulation == AccumulateFixed && !(p.FixedPointScale > 0):
		return fmt.Errorf("%w: fixed point scale must be positive, got %g", ErrInvalidParams, p.FixedPointScale)
	}
	return nil
}

// Bounds returns the per-axis range particles are clamped to. It lies
// strictly inside the domain and keeps every kernel neighbourhood on the grid.
func (p Params) Bounds() (lo, hi float32) {
	lo = float32(p.BoundaryCells - 1)
	hi = float32(p.GridRes - p.BoundaryCells)
	return lo, hi
}

// Extent returns the domain edge length, GridRes-1.
func (p Params) Extent() float32 {
	return float32(p.GridRes - 1)
}

// Center returns the domain centre. The mirror plane of the grid is x = Center()[0].
// In 2D the z coordinate is 0.
func (p Params) Center() Vec3 {
	h := p.Extent() / 2
	if p.Dims == 2 {
		return Vec3{h, h, 0}
	}
	return Vec3{h, h, h}
}

// Vec3 is a 3-component float32 vector.
type Vec3 [3]float32

// Len returns the Euclidean length of v.
func (v Vec3) Len() float32 {
	return sqrtf(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
