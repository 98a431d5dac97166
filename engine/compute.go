package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/bifurcate/bifurcation"
	"github.com/pthm-cable/bifurcate/mpm"
	"github.com/pthm-cable/bifurcate/telemetry"
)

// Per-element footprints used by the memory probe.
const (
	bytesPerParticle  = (3 + 3 + 9 + 1 + 1) * 4 // pos, vel, C, mass, density
	bytesPerFixedNode = 4*8 + 7*4               // int64 accumulators, mass, vel, dv
	bytesPerFloatNode = 4*4 + 7*4
)

// EstimateBytes returns the approximate memory the compute engine needs for p.
func EstimateBytes(p mpm.Params) int64 {
	nodes := int64(p.GridRes) * int64(p.GridRes)
	if p.Dims == 3 {
		nodes *= int64(p.GridRes)
	}
	perNode := int64(bytesPerFixedNode)
	if p.Accumulation == mpm.AccumulateFloat {
		perNode = bytesPerFloatNode
	}
	return int64(p.ParticleCount)*bytesPerParticle + nodes*perNode
}

// ComputeEngine runs the MLS-MPM solver across a worker pool.
type ComputeEngine struct {
	sched *mpm.Scheduler
	ctrl  *bifurcation.Controller

	stepOffset    atomic.Int64
	lastNonFinite atomic.Int64

	frameMu sync.Mutex
	frame   Frame
}

// NewComputeEngine builds the solver for p and seeds the two-lobe layout.
// It returns an error wrapping ErrInit if the estimated footprint exceeds
// opts.MaxBytes.
func NewComputeEngine(p mpm.Params, opts Options) (*ComputeEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if need := EstimateBytes(p); opts.MaxBytes > 0 && need > opts.MaxBytes {
		return nil, fmt.Errorf("%w: needs ~%d bytes, limit %d", ErrInit, need, opts.MaxBytes)
	}

	store := mpm.NewParticleStore(p.ParticleCount, p.UnitMass)
	sched, err := mpm.NewScheduler(p, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if opts.Tracer != nil {
		sched.SetTracer(opts.Tracer)
	}

	e := &ComputeEngine{
		sched: sched,
		ctrl:  bifurcation.NewController(p, opts.Bifurcation),
	}
	e.ReinitBifurcation()

	slog.Info("compute engine ready",
		"particles", p.ParticleCount,
		"grid_res", p.GridRes,
		"dims", p.Dims,
		"accumulation", p.Accumulation.String(),
		"bytes", EstimateBytes(p),
	)
	return e, nil
}

// Step advances one frame. A call made while another step is in flight
// returns nil without stepping.
func (e *ComputeEngine) Step(substeps int) error {
	if err := e.sched.Step(substeps); err != nil {
		return err
	}
	nf := e.sched.NonFinite()
	if prev := e.lastNonFinite.Swap(nf); nf > prev {
		slog.Warn("non-finite particle values reset",
			"count", nf-prev,
			"step", e.Steps(),
		)
	}
	return nil
}

// InjectPerturbation adds velocity noise of scale sigma. Negative sigma
// returns an error wrapping bifurcation.ErrNegativeSigma and changes nothing.
func (e *ComputeEngine) InjectPerturbation(sigma float32) error {
	var err error
	e.sched.Exclusive(func(ps *mpm.ParticleStore) {
		err = e.ctrl.Inject(ps, sigma)
	})
	return err
}

// ReinitBifurcation reseeds the symmetric layout at rest.
func (e *ComputeEngine) ReinitBifurcation() {
	e.sched.Reseed(func(ps *mpm.ParticleStore) {
		e.ctrl.Reinit(ps)
	})
}

// Render presents the current particles to s.
func (e *ComputeEngine) Render(s Surface) error {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	e.Snapshot(&e.frame)
	return s.Present(&e.frame)
}

// Snapshot fills dst with the current particles, blocking while a step is in flight.
func (e *ComputeEngine) Snapshot(dst *Frame) *Frame {
	if dst == nil {
		dst = &Frame{}
	}
	e.sched.View(func(ps *mpm.ParticleStore, p mpm.Params, _ float32) {
		fillFrame(dst, ps, e.ctrl.Labels())
		dst.Step = e.Steps()
		dst.Time = float64(dst.Step) * float64(p.DT)
		dst.Dims = p.Dims
		dst.Extent = p.Extent()
	})
	dst.Backend = BackendCompute
	return dst
}

// Measure reads conservation and asymmetry figures between steps.
func (e *ComputeEngine) Measure() Measurement {
	var m Measurement
	e.sched.View(func(ps *mpm.ParticleStore, p mpm.Params, _ float32) {
		m = measureStore(ps, e.ctrl)
		m.Step = e.Steps()
		m.Time = float64(m.Step) * float64(p.DT)
	})
	m.Backend = BackendCompute
	m.Rejected = e.sched.Rejected()
	m.NonFinite = e.sched.NonFinite()
	return m
}

// Capture returns the complete particle state.
func (e *ComputeEngine) Capture() *telemetry.Snapshot {
	s := &telemetry.Snapshot{
		Version: telemetry.SnapshotVersion,
		Backend: BackendCompute.String(),
	}
	e.sched.View(func(ps *mpm.ParticleStore, p mpm.Params, rho float32) {
		s.Seed = p.Seed
		s.Dims = p.Dims
		s.GridRes = p.GridRes
		s.Step = e.Steps()
		s.Time = float64(s.Step) * float64(p.DT)
		s.RestDensity = rho
		s.Particles = captureStore(ps, e.ctrl.Labels())
		s.Injections = int(e.ctrl.Injections())
	})
	return s
}

// Restore replaces the particle state with s. The step counter continues
// from s.Step.
func (e *ComputeEngine) Restore(s *telemetry.Snapshot) error {
	if err := checkSnapshot(s, e.sched.Params()); err != nil {
		return err
	}
	e.sched.Restore(func(ps *mpm.ParticleStore) {
		labels := restoreStore(ps, s.Particles)
		e.ctrl.Restore(labels, int64(s.Injections))
		e.stepOffset.Store(s.Step - e.sched.Steps())
	}, s.RestDensity)
	return nil
}

// Params returns the solver parameters.
func (e *ComputeEngine) Params() mpm.Params {
	return e.sched.Params()
}

// Backend returns BackendCompute.
func (e *ComputeEngine) Backend() Backend {
	return BackendCompute
}

// Steps returns the number of completed steps.
func (e *ComputeEngine) Steps() int64 {
	return e.stepOffset.Load() + e.sched.Steps()
}

// Scheduler exposes the underlying scheduler.
func (e *ComputeEngine) Scheduler() *mpm.Scheduler {
	return e.sched
}

// Close stops the worker pool.
func (e *ComputeEngine) Close() {
	e.sched.Close()
}
