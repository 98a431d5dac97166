// Package components defines ECS components for the fallback particle integrator.
package components

// Particle holds per-particle data that does not change while integrating.
type Particle struct {
	Index int32 // slot in the staging particle store
	Mass  float32
	Lobe  int8 // -1 left, +1 right, 0 on the mirror plane
}
