package mpm

import (
	"gonum.org/v1/gonum/blas/blas32"
)

// ParticleStore holds particle state as structure-of-arrays. Each field is
// one slice per component so per-axis reductions run over contiguous memory.
// The store is allocated once; its length never changes.
type ParticleStore struct {
	Pos  [3][]float32
	Vel  [3][]float32
	C    [9][]float32 // affine velocity matrix, row-major: C[3*r+c]
	Mass []float32

	n       int
	scratch []float32
}

// NewParticleStore allocates a store for n particles, all at the origin with
// the given mass.
func NewParticleStore(n int, mass float32) *ParticleStore {
	s := &ParticleStore{
		Mass:    make([]float32, n),
		n:       n,
		scratch: make([]float32, n),
	}
	for a := 0; a < 3; a++ {
		s.Pos[a] = make([]float32, n)
		s.Vel[a] = make([]float32, n)
	}
	for k := 0; k < 9; k++ {
		s.C[k] = make([]float32, n)
	}
	for i := range s.Mass {
		s.Mass[i] = mass
	}
	return s
}

// Len returns the particle count.
func (s *ParticleStore) Len() int {
	return s.n
}

// Position returns particle i's position.
func (s *ParticleStore) Position(i int) Vec3 {
	return Vec3{s.Pos[0][i], s.Pos[1][i], s.Pos[2][i]}
}

// Velocity returns particle i's velocity.
func (s *ParticleStore) Velocity(i int) Vec3 {
	return Vec3{s.Vel[0][i], s.Vel[1][i], s.Vel[2][i]}
}

// SetPosition writes particle i's position.
func (s *ParticleStore) SetPosition(i int, p Vec3) {
	s.Pos[0][i], s.Pos[1][i], s.Pos[2][i] = p[0], p[1], p[2]
}

// SetVelocity writes particle i's velocity.
func (s *ParticleStore) SetVelocity(i int, v Vec3) {
	s.Vel[0][i], s.Vel[1][i], s.Vel[2][i] = v[0], v[1], v[2]
}

// ZeroMotion clears every velocity and affine matrix.
func (s *ParticleStore) ZeroMotion() {
	for a := 0; a < 3; a++ {
		clear(s.Vel[a])
	}
	for k := 0; k < 9; k++ {
		clear(s.C[k])
	}
}

// CopyFrom overwrites s with src. Both stores must have the same length.
func (s *ParticleStore) CopyFrom(src *ParticleStore) {
	for a := 0; a < 3; a++ {
		copy(s.Pos[a], src.Pos[a])
		copy(s.Vel[a], src.Vel[a])
	}
	for k := 0; k < 9; k++ {
		copy(s.C[k], src.C[k])
	}
	copy(s.Mass, src.Mass)
}

func (s *ParticleStore) vec(data []float32) blas32.Vector {
	return blas32.Vector{N: s.n, Inc: 1, Data: data}
}

// TotalMass returns the sum of particle masses. Masses are positive, so Asum
// is the plain sum.
func (s *ParticleStore) TotalMass() float32 {
	if s.n == 0 {
		return 0
	}
	return blas32.Asum(s.vec(s.Mass))
}

// Momentum returns the total linear momentum.
func (s *ParticleStore) Momentum() Vec3 {
	var p Vec3
	if s.n == 0 {
		return p
	}
	m := s.vec(s.Mass)
	for a := 0; a < 3; a++ {
		p[a] = blas32.Dot(m, s.vec(s.Vel[a]))
	}
	return p
}

// KineticEnergy returns ½ Σ m|v|². Not safe to call concurrently with itself.
func (s *ParticleStore) KineticEnergy() float32 {
	if s.n == 0 {
		return 0
	}
	mv := s.vec(s.scratch)
	var e float32
	for a := 0; a < 3; a++ {
		v := s.vec(s.Vel[a])
		// mv = m ⊙ v
		for i, m := range s.Mass {
			s.scratch[i] = m * s.Vel[a][i]
		}
		e += blas32.Dot(mv, v)
	}
	return e / 2
}

// MaxSpeed returns the largest particle speed.
func (s *ParticleStore) MaxSpeed() float32 {
	var maxSq float32
	for i := 0; i < s.n; i++ {
		vx, vy, vz := s.Vel[0][i], s.Vel[1][i], s.Vel[2][i]
		if sq := vx*vx + vy*vy + vz*vz; sq > maxSq {
			maxSq = sq
		}
	}
	return sqrtf(maxSq)
}

// Speeds writes each particle's speed into dst (grown if needed) and returns it.
func (s *ParticleStore) Speeds(dst []float64) []float64 {
	if cap(dst) < s.n {
		dst = make([]float64, s.n)
	}
	dst = dst[:s.n]
	for i := 0; i < s.n; i++ {
		vx, vy, vz := s.Vel[0][i], s.Vel[1][i], s.Vel[2][i]
		dst[i] = float64(sqrtf(vx*vx + vy*vy + vz*vz))
	}
	return dst
}
