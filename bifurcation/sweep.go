package bifurcation

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/bifurcate/mpm"
)

// SweepConfig describes a sigma sweep: for each sigma in
// [SigmaMin, SigmaMax] (Steps values) and each of Seeds seeds, the run is
// reinitialised, perturbed once and stepped Frames times.
type SweepConfig struct {
	SigmaMin float64
	SigmaMax float64
	Steps    int
	Seeds    int
	Frames   int
	Substeps int // 0 uses the solver default
}

// SweepPoint is the outcome of one run.
type SweepPoint struct {
	Sigma           float64 `csv:"sigma"`
	Seed            int64   `csv:"seed"`
	Frames          int     `csv:"frames"`
	CentroidOffset  float64 `csv:"centroid_offset"`
	MirrorImbalance float64 `csv:"mirror_imbalance"`
	Broken          bool    `csv:"broken"`
	NonFinite       int64   `csv:"non_finite"`
}

// SweepSummary aggregates all seeds for one sigma.
type SweepSummary struct {
	Sigma          float64 `csv:"sigma"`
	Runs           int     `csv:"runs"`
	OffsetMean     float64 `csv:"offset_mean"`
	OffsetStd      float64 `csv:"offset_std"`
	ImbalanceMean  float64 `csv:"imbalance_mean"`
	ImbalanceStd   float64 `csv:"imbalance_std"`
	BrokenFraction float64 `csv:"broken_fraction"`
}

// Sigmas returns the sigma values the sweep visits.
func (sc SweepConfig) Sigmas() []float64 {
	if sc.Steps <= 1 {
		return []float64{sc.SigmaMin}
	}
	return floats.Span(make([]float64, sc.Steps), sc.SigmaMin, sc.SigmaMax)
}

// Run performs one experiment: reinit, inject sigma, step frames, measure.
func Run(base mpm.Params, cfg Config, sigma float64, frames, substeps int) (SweepPoint, error) {
	if substeps < 1 {
		substeps = base.Substeps
	}
	store := mpm.NewParticleStore(base.ParticleCount, base.UnitMass)
	sched, err := mpm.NewScheduler(base, store)
	if err != nil {
		return SweepPoint{}, err
	}
	defer sched.Close()

	ctrl := NewController(base, cfg)
	var injectErr error
	sched.Reseed(func(ps *mpm.ParticleStore) {
		ctrl.Reinit(ps)
		injectErr = ctrl.Inject(ps, float32(sigma))
	})
	if injectErr != nil {
		return SweepPoint{}, injectErr
	}

	for f := 0; f < frames; f++ {
		if err := sched.Step(substeps); err != nil {
			return SweepPoint{}, err
		}
	}

	var a Asymmetry
	sched.Exclusive(func(ps *mpm.ParticleStore) {
		a = ctrl.Measure(ps)
	})
	return SweepPoint{
		Sigma:           sigma,
		Seed:            base.Seed,
		Frames:          frames,
		CentroidOffset:  a.CentroidOffset,
		MirrorImbalance: a.MirrorImbalance,
		Broken:          ctrl.Broken(a),
		NonFinite:       sched.NonFinite(),
	}, nil
}

// Sweep runs every (sigma, seed) pair in sc. Seeds are base.Seed, base.Seed+1, ...
// progress, if non-nil, is called after each run. The context is checked
// between runs.
func Sweep(ctx context.Context, base mpm.Params, cfg Config, sc SweepConfig, progress func(SweepPoint)) ([]SweepPoint, []SweepSummary, error) {
	if sc.Seeds < 1 {
		sc.Seeds = 1
	}
	if sc.SigmaMin < 0 {
		return nil, nil, fmt.Errorf("%w: sweep starts at %g", ErrNegativeSigma, sc.SigmaMin)
	}

	sigmas := sc.Sigmas()
	points := make([]SweepPoint, 0, len(sigmas)*sc.Seeds)
	summaries := make([]SweepSummary, 0, len(sigmas))

	for _, sigma := range sigmas {
		offsets := make([]float64, 0, sc.Seeds)
		imbalances := make([]float64, 0, sc.Seeds)
		broken := 0

		for s := 0; s < sc.Seeds; s++ {
			if err := ctx.Err(); err != nil {
				return points, summaries, err
			}
			p := base
			p.Seed = base.Seed + int64(s)
			pt, err := Run(p, cfg, sigma, sc.Frames, sc.Substeps)
			if err != nil {
				return points, summaries, fmt.Errorf("sigma %g seed %d: %w", sigma, p.Seed, err)
			}
			points = append(points, pt)
			offsets = append(offsets, pt.CentroidOffset)
			imbalances = append(imbalances, pt.MirrorImbalance)
			if pt.Broken {
				broken++
			}
			if progress != nil {
				progress(pt)
			}
		}

		sum := SweepSummary{Sigma: sigma, Runs: len(offsets)}
		sum.OffsetMean, sum.OffsetStd = meanStd(offsets)
		sum.ImbalanceMean, sum.ImbalanceStd = meanStd(imbalances)
		sum.BrokenFraction = float64(broken) / float64(len(offsets))
		summaries = append(summaries, sum)

		slog.Info("sweep", "sigma", sigma, "offset_mean", sum.OffsetMean, "broken_fraction", sum.BrokenFraction)
	}

	return points, summaries, nil
}

// meanStd wraps stat.MeanStdDev, which needs at least two samples for a
// standard deviation.
func meanStd(x []float64) (mean, std float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
