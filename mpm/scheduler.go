package mpm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/bifurcate/telemetry"
)

// Tracer receives phase timings for each step. telemetry.PerfCollector
// satisfies it.
type Tracer interface {
	StartTick()
	StartPhase(phase string)
	EndTick()
}

const (
	stateIdle int32 = iota
	stateStepping
)

// Scheduler sequences sub-steps over a particle store and serialises every
// other mutation of that store against them.
//
// Step is non-reentrant: a call made while another step is in flight returns
// immediately without doing anything. Mutations go through Exclusive or
// Reseed, which wait for the in-flight step to finish.
type Scheduler struct {
	mu     sync.Mutex
	state  atomic.Int32
	params Params
	store  *ParticleStore
	solver *Solver
	pool   *Pool
	tracer Tracer

	steps    atomic.Int64
	rejected atomic.Int64
}

// NewScheduler validates p and builds a scheduler over store. The store
// length must equal p.ParticleCount.
func NewScheduler(p Params, store *ParticleStore) (*Scheduler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if store == nil || store.Len() != p.ParticleCount {
		return nil, fmt.Errorf("%w: store does not hold %d particles", ErrInvalidParams, p.ParticleCount)
	}
	pool := NewPool(p.Workers)
	return &Scheduler{
		params: p,
		store:  store,
		pool:   pool,
		solver: NewSolver(p, pool),
	}, nil
}

// SetTracer installs t (nil disables tracing). It takes effect from the next step.
func (s *Scheduler) SetTracer(t Tracer) {
	s.mu.Lock()
	s.tracer = t
	s.mu.Unlock()
}

// SetSolveOptions changes which parts of the grid update run.
func (s *Scheduler) SetSolveOptions(o SolveOptions) {
	s.mu.Lock()
	s.solver.SetOptions(o)
	s.mu.Unlock()
}

// Step advances the simulation by params.DT split into substeps sub-steps.
// It returns ErrInvalidSubsteps for substeps < 1 and nil, without stepping,
// if another step is already in flight.
func (s *Scheduler) Step(substeps int) error {
	if substeps < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidSubsteps, substeps)
	}
	if !s.state.CompareAndSwap(stateIdle, stateStepping) {
		s.rejected.Add(1)
		return nil
	}
	defer s.state.Store(stateIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	dt := s.params.DT / float32(substeps)
	tr := s.tracer
	if tr != nil {
		tr.StartTick()
	}
	for i := 0; i < substeps; i++ {
		if tr != nil {
			tr.StartPhase(telemetry.PhaseClear)
		}
		s.solver.Clear()

		if tr != nil {
			tr.StartPhase(telemetry.PhaseP2G)
		}
		s.solver.ParticleToGrid(s.store, dt)

		if tr != nil {
			tr.StartPhase(telemetry.PhaseGrid)
		}
		s.solver.SolveGrid(dt)

		if tr != nil {
			tr.StartPhase(telemetry.PhaseG2P)
		}
		s.solver.GridToParticle(s.store, dt)
	}
	if tr != nil {
		tr.EndTick()
	}
	s.steps.Add(1)
	return nil
}

// Exclusive runs fn with sole access to the particle store. It blocks until
// any in-flight step completes.
func (s *Scheduler) Exclusive(fn func(*ParticleStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
}

// View is Exclusive for readers that also need the parameters and reference
// density matching the store contents. fn must not call back into s.
func (s *Scheduler) View(fn func(ps *ParticleStore, p Params, restDensity float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store, s.params, s.solver.RestDensity())
}

// Reseed is Exclusive for mutations that replace the layout. The solver
// recalibrates its reference density on the next step.
func (s *Scheduler) Reseed(fn func(*ParticleStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
	s.solver.ResetRestDensity()
}

// Restore is Reseed for a layout captured earlier. rho is the reference
// density latched when the layout was captured; 0 recalibrates instead.
func (s *Scheduler) Restore(fn func(*ParticleStore), rho float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
	s.solver.SetRestDensity(rho)
}

// Params returns the current parameters.
func (s *Scheduler) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetParams replaces the parameters between steps. The particle count is
// fixed for the lifetime of the scheduler.
func (s *Scheduler) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ParticleCount != s.params.ParticleCount {
		return fmt.Errorf("%w: particle count is fixed at %d", ErrInvalidParams, s.params.ParticleCount)
	}
	s.solver.configure(p)
	s.params = p
	return nil
}

// Stepping reports whether a step is in flight.
func (s *Scheduler) Stepping() bool {
	return s.state.Load() == stateStepping
}

// Steps returns the number of completed steps.
func (s *Scheduler) Steps() int64 {
	return s.steps.Load()
}

// Rejected returns the number of Step calls ignored because a step was in flight.
func (s *Scheduler) Rejected() int64 {
	return s.rejected.Load()
}

// NonFinite returns the cumulative count of non-finite particle values reset.
func (s *Scheduler) NonFinite() int64 {
	return s.solver.NonFinite()
}

// RestDensity returns the solver's reference density.
func (s *Scheduler) RestDensity() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solver.RestDensity()
}

// Close stops the worker pool. The scheduler must not be used afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Close()
}
