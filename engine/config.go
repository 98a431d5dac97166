package engine

import (
	"github.com/pthm-cable/bifurcate/bifurcation"
	"github.com/pthm-cable/bifurcate/config"
	"github.com/pthm-cable/bifurcate/mpm"
)

// FromConfig translates a loaded configuration into solver parameters and
// engine options. The backend defaults to BackendAuto.
func FromConfig(cfg *config.Config) (mpm.Params, Options, error) {
	acc, err := mpm.ParseAccumulation(cfg.Solver.Accumulation)
	if err != nil {
		return mpm.Params{}, Options{}, err
	}
	mode, err := bifurcation.ParseMode(cfg.Bifurcation.PerturbMode)
	if err != nil {
		return mpm.Params{}, Options{}, err
	}

	d := cfg.Derived
	p := mpm.Params{
		Dims:              cfg.Sim.Dims,
		DT:                d.DT32,
		Gravity:           mpm.Vec3(d.Gravity32),
		ParticleCount:     cfg.Sim.ParticleCount,
		GridRes:           cfg.Sim.GridRes,
		Substeps:          cfg.Sim.Substeps,
		PerturbationSigma: d.Sigma32,
		Seed:              cfg.Sim.Seed,

		UnitMass:     float32(cfg.Solver.UnitMass),
		RestDensity:  float32(cfg.Solver.RestDensity),
		EOSStiffness: float32(cfg.Solver.EOSStiffness),
		EOSPower:     float32(cfg.Solver.EOSPower),
		Viscosity:    float32(cfg.Solver.Viscosity),
		Smoothing:    float32(cfg.Solver.Smoothing),

		BFECC:           cfg.Solver.BFECC,
		Accumulation:    acc,
		FixedPointScale: cfg.Solver.FixedPointScale,
		BoundaryCells:   cfg.Solver.BoundaryCells,
		Workers:         cfg.Solver.Workers,
	}

	b := cfg.Bifurcation
	opts := DefaultOptions()
	opts.Bifurcation = bifurcation.Config{
		LobeRadius:     float32(b.LobeRadius),
		LobeSeparation: float32(b.LobeSeparation),
		LobeHeight:     float32(b.LobeHeight),
		Mode:           mode,
		NoiseScale:     float32(b.NoiseScale),
		HistogramBins:  b.HistogramBins,
		Epsilon:        b.SymmetryEpsilon,
	}
	opts.Fallback = FallbackOptions{
		ParticleCount: cfg.Fallback.ParticleCount,
		Damping:       float32(cfg.Fallback.Damping),
		Restitution:   float32(cfg.Fallback.Restitution),
	}
	return p, opts, p.Validate()
}
