// Package engine exposes the fluid simulation to hosts. A FluidEngine is
// chosen once at construction: the data-parallel MPM solver, or a cheap
// particle integrator when the solver cannot be set up.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pthm-cable/bifurcate/bifurcation"
	"github.com/pthm-cable/bifurcate/mpm"
	"github.com/pthm-cable/bifurcate/telemetry"
)

var (
	// ErrInit is returned when a backend cannot be initialised.
	ErrInit = errors.New("engine initialisation failed")
	// ErrSnapshotMismatch is returned by Restore for a snapshot taken with a
	// different layout.
	ErrSnapshotMismatch = errors.New("snapshot does not match engine")
)

// Backend identifies an engine implementation.
type Backend uint8

const (
	// BackendAuto picks the compute engine and falls back if it cannot start.
	BackendAuto Backend = iota
	BackendCompute
	BackendFallback
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendCompute:
		return "compute"
	case BackendFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Backend(%d)", uint8(b))
	}
}

// ParseBackend maps a flag value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "auto", "":
		return BackendAuto, nil
	case "compute":
		return BackendCompute, nil
	case "fallback":
		return BackendFallback, nil
	}
	return 0, fmt.Errorf("unknown backend %q", s)
}

// FluidEngine advances a particle fluid and exports it for rendering.
//
// Step, InjectPerturbation, ReinitBifurcation and the read methods may be
// called from different goroutines. Mutations wait for an in-flight step;
// a Step issued while another is in flight is dropped.
type FluidEngine interface {
	// Step advances one frame of Params().DT split into substeps sub-steps.
	Step(substeps int) error
	// InjectPerturbation adds random velocity of scale sigma to every particle.
	InjectPerturbation(sigma float32) error
	// ReinitBifurcation restores the symmetric two-lobe layout at rest.
	ReinitBifurcation()

	// Render builds a frame from the last completed step and presents it.
	Render(s Surface) error
	// Snapshot fills dst (allocated when nil) with the current particles.
	Snapshot(dst *Frame) *Frame
	// Measure reports conservation and asymmetry figures.
	Measure() Measurement

	// Capture returns the full particle state for saving.
	Capture() *telemetry.Snapshot
	// Restore replaces the particle state with a captured one.
	Restore(s *telemetry.Snapshot) error

	Params() mpm.Params
	Backend() Backend
	Steps() int64
	Close()
}

// FallbackOptions tunes the fallback integrator.
type FallbackOptions struct {
	ParticleCount int     // 0 = 1000
	Damping       float32 // velocity decay per time unit
	Restitution   float32 // fraction of speed kept on wall bounce
}

// Options controls engine construction.
type Options struct {
	Backend       Backend
	AllowFallback bool
	Bifurcation   bifurcation.Config
	Fallback      FallbackOptions

	// Tracer receives phase timings; nil disables tracing.
	Tracer mpm.Tracer

	// MaxBytes caps the estimated compute engine footprint; 0 = no limit.
	MaxBytes int64
}

// DefaultOptions returns options for an auto-selected engine.
func DefaultOptions() Options {
	return Options{
		Backend:       BackendAuto,
		AllowFallback: true,
		Bifurcation:   bifurcation.DefaultConfig(),
		Fallback: FallbackOptions{
			ParticleCount: 1000,
			Damping:       0.05,
			Restitution:   0.5,
		},
	}
}

// New validates p and builds the engine selected by opts. The particles
// start in the symmetric two-lobe layout.
func New(p mpm.Params, opts Options) (FluidEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if opts.Backend == BackendFallback {
		return NewFallbackEngine(p, opts)
	}

	e, err := NewComputeEngine(p, opts)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrInit) || !(opts.AllowFallback || opts.Backend == BackendAuto) {
		return nil, err
	}

	slog.Warn("compute engine unavailable, using fallback", "error", err)
	return NewFallbackEngine(p, opts)
}

// Measurement is a consistent read of engine state between steps.
type Measurement struct {
	Backend   Backend
	Step      int64
	Time      float64
	Particles int

	TotalMass     float64
	KineticEnergy float64
	Speeds        []float64

	Asymmetry bifurcation.Asymmetry
	Broken    bool

	Rejected  int64
	NonFinite int64
}

// Sample converts m for the telemetry collector.
func (m Measurement) Sample() telemetry.Sample {
	return telemetry.Sample{
		Backend:         m.Backend.String(),
		Particles:       m.Particles,
		TotalMass:       m.TotalMass,
		KineticEnergy:   m.KineticEnergy,
		Speeds:          m.Speeds,
		CentroidOffset:  m.Asymmetry.CentroidOffset,
		MirrorImbalance: m.Asymmetry.MirrorImbalance,
		Rejected:        m.Rejected,
		NonFinite:       m.NonFinite,
	}
}

func measureStore(ps *mpm.ParticleStore, ctrl *bifurcation.Controller) Measurement {
	a := ctrl.Measure(ps)
	return Measurement{
		Particles:     ps.Len(),
		TotalMass:     float64(ps.TotalMass()),
		KineticEnergy: float64(ps.KineticEnergy()),
		Speeds:        ps.Speeds(nil),
		Asymmetry:     a,
		Broken:        ctrl.Broken(a),
	}
}

// captureStore copies ps into snapshot particle records.
func captureStore(ps *mpm.ParticleStore, labels []int8) []telemetry.ParticleState {
	out := make([]telemetry.ParticleState, ps.Len())
	for i := range out {
		st := &out[i]
		st.X, st.Y, st.Z = ps.Pos[0][i], ps.Pos[1][i], ps.Pos[2][i]
		st.VX, st.VY, st.VZ = ps.Vel[0][i], ps.Vel[1][i], ps.Vel[2][i]
		for k := 0; k < 9; k++ {
			st.C[k] = ps.C[k][i]
		}
		st.Mass = ps.Mass[i]
		st.Lobe = labels[i]
	}
	return out
}

// checkSnapshot reports whether s can be restored into an engine with params p.
func checkSnapshot(s *telemetry.Snapshot, p mpm.Params) error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil snapshot", ErrSnapshotMismatch)
	case s.Dims != p.Dims:
		return fmt.Errorf("%w: dims %d, engine has %d", ErrSnapshotMismatch, s.Dims, p.Dims)
	case s.GridRes != p.GridRes:
		return fmt.Errorf("%w: grid_res %d, engine has %d", ErrSnapshotMismatch, s.GridRes, p.GridRes)
	case len(s.Particles) != p.ParticleCount:
		return fmt.Errorf("%w: %d particles, engine has %d", ErrSnapshotMismatch, len(s.Particles), p.ParticleCount)
	}
	return nil
}

// restoreStore writes snapshot particles into ps and returns their labels.
func restoreStore(ps *mpm.ParticleStore, particles []telemetry.ParticleState) []int8 {
	labels := make([]int8, len(particles))
	for i, st := range particles {
		ps.Pos[0][i], ps.Pos[1][i], ps.Pos[2][i] = st.X, st.Y, st.Z
		ps.Vel[0][i], ps.Vel[1][i], ps.Vel[2][i] = st.VX, st.VY, st.VZ
		for k := 0; k < 9; k++ {
			ps.C[k][i] = st.C[k]
		}
		ps.Mass[i] = st.Mass
		labels[i] = st.Lobe
	}
	return labels
}
