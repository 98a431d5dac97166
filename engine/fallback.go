package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/bifurcate/bifurcation"
	"github.com/pthm-cable/bifurcate/components"
	"github.com/pthm-cable/bifurcate/mpm"
	"github.com/pthm-cable/bifurcate/telemetry"
)

const defaultFallbackParticles = 1000

// FallbackEngine integrates particles independently with gravity, damping
// and wall bounces. It has no pressure or viscosity and keeps far fewer
// particles than the solver, but needs no grid.
//
// Particles live in an ECS world. A staging store mirrors them after every
// step so seeding, perturbation and measurement share the solver's code.
type FallbackEngine struct {
	mu       sync.Mutex
	stepping atomic.Bool

	params mpm.Params
	opts   FallbackOptions
	tracer mpm.Tracer

	world  *ecs.World
	mapper *ecs.Map3[components.Position, components.Velocity, components.Particle]
	filter *ecs.Filter3[components.Position, components.Velocity, components.Particle]

	store *mpm.ParticleStore
	ctrl  *bifurcation.Controller

	steps     atomic.Int64
	rejected  atomic.Int64
	nonFinite atomic.Int64

	frameMu sync.Mutex
	frame   Frame
}

// NewFallbackEngine builds the integrator. The particle count comes from
// opts.Fallback, not p.
func NewFallbackEngine(p mpm.Params, opts Options) (*FallbackEngine, error) {
	fo := opts.Fallback
	if fo.ParticleCount <= 0 {
		fo.ParticleCount = defaultFallbackParticles
	}
	p.ParticleCount = fo.ParticleCount
	if err := p.Validate(); err != nil {
		return nil, err
	}

	world := ecs.NewWorld()
	e := &FallbackEngine{
		params: p,
		opts:   fo,
		tracer: opts.Tracer,
		world:  world,
		mapper: ecs.NewMap3[components.Position, components.Velocity, components.Particle](world),
		filter: ecs.NewFilter3[components.Position, components.Velocity, components.Particle](world),
		store:  mpm.NewParticleStore(p.ParticleCount, p.UnitMass),
		ctrl:   bifurcation.NewController(p, opts.Bifurcation),
	}

	for i := 0; i < p.ParticleCount; i++ {
		pos := components.Position{}
		vel := components.Velocity{}
		part := components.Particle{Index: int32(i), Mass: p.UnitMass}
		e.mapper.NewEntity(&pos, &vel, &part)
	}
	e.ReinitBifurcation()

	slog.Info("fallback engine ready",
		"particles", p.ParticleCount,
		"dims", p.Dims,
		"damping", fo.Damping,
		"restitution", fo.Restitution,
	)
	return e, nil
}

// Step advances one frame split into substeps sub-steps. A call made while
// another step is in flight returns nil without stepping.
func (e *FallbackEngine) Step(substeps int) error {
	if substeps < 1 {
		return fmt.Errorf("%w: got %d", mpm.ErrInvalidSubsteps, substeps)
	}
	if !e.stepping.CompareAndSwap(false, true) {
		e.rejected.Add(1)
		return nil
	}
	defer e.stepping.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracer != nil {
		e.tracer.StartTick()
		e.tracer.StartPhase(telemetry.PhaseFallback)
	}
	dt := e.params.DT / float32(substeps)
	for i := 0; i < substeps; i++ {
		e.integrate(dt)
	}
	e.pull()
	if e.tracer != nil {
		e.tracer.EndTick()
	}

	e.steps.Add(1)
	return nil
}

// integrate applies one explicit Euler sub-step to every particle.
func (e *FallbackEngine) integrate(dt float32) {
	g := e.params.Gravity
	lo, hi := e.params.Bounds()
	center := e.params.Center()
	decay := 1 - e.opts.Damping*dt
	if decay < 0 {
		decay = 0
	}
	flat := e.params.Dims == 2

	query := e.filter.Query()
	for query.Next() {
		pos, vel, _ := query.Get()

		p := mpm.Vec3{pos.X, pos.Y, pos.Z}
		v := mpm.Vec3{vel.X, vel.Y, vel.Z}
		for a := 0; a < 3; a++ {
			v[a] = (v[a] + g[a]*dt) * decay
			p[a] += v[a] * dt
			if !finite(p[a]) || !finite(v[a]) {
				p[a], v[a] = center[a], 0
				e.nonFinite.Add(1)
			}
			p[a], v[a] = bounce(p[a], v[a], lo, hi, e.opts.Restitution)
		}
		if flat {
			p[2], v[2] = 0, 0
		}

		*pos = components.Position{X: p[0], Y: p[1], Z: p[2]}
		*vel = components.Velocity{X: v[0], Y: v[1], Z: v[2]}
	}
}

// bounce reflects x back into [lo, hi], reversing and scaling inward velocity.
func bounce(x, v, lo, hi, restitution float32) (float32, float32) {
	switch {
	case x < lo:
		x = lo
		if v < 0 {
			v = -v * restitution
		}
	case x > hi:
		x = hi
		if v > 0 {
			v = -v * restitution
		}
	}
	return x, v
}

func finite(x float32) bool {
	return x-x == 0
}

// pull copies ECS state into the staging store.
func (e *FallbackEngine) pull() {
	query := e.filter.Query()
	for query.Next() {
		pos, vel, part := query.Get()
		i := int(part.Index)
		e.store.SetPosition(i, mpm.Vec3{pos.X, pos.Y, pos.Z})
		e.store.SetVelocity(i, mpm.Vec3{vel.X, vel.Y, vel.Z})
	}
}

// push copies the staging store and labels into the ECS world.
func (e *FallbackEngine) push() {
	labels := e.ctrl.Labels()
	query := e.filter.Query()
	for query.Next() {
		pos, vel, part := query.Get()
		i := int(part.Index)
		p, v := e.store.Position(i), e.store.Velocity(i)
		*pos = components.Position{X: p[0], Y: p[1], Z: p[2]}
		*vel = components.Velocity{X: v[0], Y: v[1], Z: v[2]}
		part.Mass = e.store.Mass[i]
		part.Lobe = labels[i]
	}
}

// InjectPerturbation adds velocity noise of scale sigma.
func (e *FallbackEngine) InjectPerturbation(sigma float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ctrl.Inject(e.store, sigma); err != nil {
		return err
	}
	e.push()
	return nil
}

// ReinitBifurcation reseeds the symmetric layout at rest.
func (e *FallbackEngine) ReinitBifurcation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctrl.Reinit(e.store)
	e.push()
}

// Render presents the current particles to s.
func (e *FallbackEngine) Render(s Surface) error {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	e.Snapshot(&e.frame)
	return s.Present(&e.frame)
}

// Snapshot fills dst with the current particles.
func (e *FallbackEngine) Snapshot(dst *Frame) *Frame {
	if dst == nil {
		dst = &Frame{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fillFrame(dst, e.store, e.ctrl.Labels())
	dst.Step = e.Steps()
	dst.Time = float64(dst.Step) * float64(e.params.DT)
	dst.Dims = e.params.Dims
	dst.Extent = e.params.Extent()
	dst.Backend = BackendFallback
	return dst
}

// Measure reads conservation and asymmetry figures between steps.
func (e *FallbackEngine) Measure() Measurement {
	e.mu.Lock()
	m := measureStore(e.store, e.ctrl)
	m.Step = e.Steps()
	m.Time = float64(m.Step) * float64(e.params.DT)
	e.mu.Unlock()
	m.Backend = BackendFallback
	m.Rejected = e.rejected.Load()
	m.NonFinite = e.nonFinite.Load()
	return m
}

// Capture returns the complete particle state.
func (e *FallbackEngine) Capture() *telemetry.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &telemetry.Snapshot{
		Version:    telemetry.SnapshotVersion,
		Seed:       e.params.Seed,
		Backend:    BackendFallback.String(),
		Dims:       e.params.Dims,
		GridRes:    e.params.GridRes,
		Step:       e.Steps(),
		Injections: int(e.ctrl.Injections()),
		Particles:  captureStore(e.store, e.ctrl.Labels()),
	}
	s.Time = float64(s.Step) * float64(e.params.DT)
	return s
}

// Restore replaces the particle state with s.
func (e *FallbackEngine) Restore(s *telemetry.Snapshot) error {
	if err := checkSnapshot(s, e.params); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	labels := restoreStore(e.store, s.Particles)
	e.ctrl.Restore(labels, int64(s.Injections))
	e.push()
	e.steps.Store(s.Step)
	return nil
}

// Params returns the effective parameters, with the fallback particle count.
func (e *FallbackEngine) Params() mpm.Params {
	return e.params
}

// Backend returns BackendFallback.
func (e *FallbackEngine) Backend() Backend {
	return BackendFallback
}

// Steps returns the number of completed steps.
func (e *FallbackEngine) Steps() int64 {
	return e.steps.Load()
}

// Close releases nothing; the world is garbage collected.
func (e *FallbackEngine) Close() {}
