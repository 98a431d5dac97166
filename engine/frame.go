package engine

import (
	"github.com/pthm-cable/bifurcate/mpm"
)

// Frame is the renderable view of the particles after a completed step.
// Positions are in lattice units, within [0, Extent] on each active axis.
type Frame struct {
	Step    int64
	Time    float64
	Dims    int
	Extent  float32
	Backend Backend

	X, Y, Z []float32
	Speed   []float32
	Lobe    []int8
}

// Len returns the number of particles in the frame.
func (f *Frame) Len() int {
	return len(f.X)
}

// MaxSpeed returns the largest particle speed in the frame.
func (f *Frame) MaxSpeed() float32 {
	var m float32
	for _, s := range f.Speed {
		if s > m {
			m = s
		}
	}
	return m
}

// Surface presents frames to a host. Present must not keep f after it
// returns; the engine reuses its buffers.
type Surface interface {
	Present(f *Frame) error
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(f *Frame) error

// Present calls fn(f).
func (fn SurfaceFunc) Present(f *Frame) error {
	return fn(f)
}

func (f *Frame) resize(n int) {
	if cap(f.X) < n {
		f.X = make([]float32, n)
		f.Y = make([]float32, n)
		f.Z = make([]float32, n)
		f.Speed = make([]float32, n)
		f.Lobe = make([]int8, n)
	}
	f.X, f.Y, f.Z = f.X[:n], f.Y[:n], f.Z[:n]
	f.Speed = f.Speed[:n]
	f.Lobe = f.Lobe[:n]
}

// fillFrame copies ps and its labels into dst.
func fillFrame(dst *Frame, ps *mpm.ParticleStore, labels []int8) {
	n := ps.Len()
	dst.resize(n)
	copy(dst.X, ps.Pos[0])
	copy(dst.Y, ps.Pos[1])
	copy(dst.Z, ps.Pos[2])
	copy(dst.Lobe, labels)
	for i := 0; i < n; i++ {
		dst.Speed[i] = ps.Velocity(i).Len()
	}
}
