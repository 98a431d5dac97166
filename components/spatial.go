package components

// Position represents a particle's position in lattice units.
type Position struct {
	X, Y, Z float32
}

// Velocity represents a particle's velocity in lattice units per time unit.
type Velocity struct {
	X, Y, Z float32
}
