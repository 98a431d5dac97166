package telemetry

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// WindowStats holds aggregated statistics for a window of steps.
type WindowStats struct {
	WindowStartStep int64   `csv:"-"`
	WindowEndStep   int64   `csv:"window_end"`
	SimTime         float64 `csv:"sim_time"`
	Backend         string  `csv:"backend"`

	// Conservation (sampled at window end)
	Particles     int     `csv:"particles"`
	TotalMass     float64 `csv:"total_mass"`
	MassDrift     float64 `csv:"mass_drift"` // relative to the first window
	KineticEnergy float64 `csv:"kinetic_energy"`

	// Speed distribution (sampled at window end)
	SpeedMean float64 `csv:"speed_mean"`
	SpeedP10  float64 `csv:"speed_p10"`
	SpeedP50  float64 `csv:"speed_p50"`
	SpeedP90  float64 `csv:"speed_p90"`
	SpeedMax  float64 `csv:"speed_max"`

	// Symmetry
	CentroidOffset  float64 `csv:"centroid_offset"`
	MirrorImbalance float64 `csv:"mirror_imbalance"`
	OffsetGrowth    float64 `csv:"offset_growth"` // centroid offset change per time unit over the window

	// Events during window
	Perturbations int     `csv:"perturbations"`
	Resets        int     `csv:"resets"`
	LastSigma     float64 `csv:"last_sigma"`
	RejectedSteps int64   `csv:"rejected_steps"`
	NonFinite     int64   `csv:"non_finite"`
}

// ComputeSpeedStats returns the mean, 10/50/90th percentiles and maximum of
// values. Returns zeros for an empty slice. values is not modified.
func ComputeSpeedStats(values []float64) (mean, p10, p50, p90, maxv float64) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0, 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	mean = stat.Mean(sorted, nil)
	p10 = stat.Quantile(0.10, stat.LinInterp, sorted, nil)
	p50 = stat.Quantile(0.50, stat.LinInterp, sorted, nil)
	p90 = stat.Quantile(0.90, stat.LinInterp, sorted, nil)
	maxv = sorted[n-1]
	return mean, p10, p50, p90, maxv
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("window_start", s.WindowStartStep),
		slog.Int64("window_end", s.WindowEndStep),
		slog.Float64("sim_time", s.SimTime),
		slog.String("backend", s.Backend),
		slog.Int("particles", s.Particles),
		slog.Float64("total_mass", s.TotalMass),
		slog.Float64("mass_drift", s.MassDrift),
		slog.Float64("kinetic_energy", s.KineticEnergy),
		slog.Float64("speed_mean", s.SpeedMean),
		slog.Float64("speed_p50", s.SpeedP50),
		slog.Float64("speed_p90", s.SpeedP90),
		slog.Float64("speed_max", s.SpeedMax),
		slog.Float64("centroid_offset", s.CentroidOffset),
		slog.Float64("mirror_imbalance", s.MirrorImbalance),
		slog.Float64("offset_growth", s.OffsetGrowth),
		slog.Int("perturbations", s.Perturbations),
		slog.Int("resets", s.Resets),
		slog.Int64("rejected_steps", s.RejectedSteps),
		slog.Int64("non_finite", s.NonFinite),
	)
}

// LogStats logs the window stats using slog.
func (s WindowStats) LogStats() {
	slog.Info("stats",
		"window_end", s.WindowEndStep,
		"sim_time", s.SimTime,
		"backend", s.Backend,
		"particles", s.Particles,
		"total_mass", s.TotalMass,
		"mass_drift", s.MassDrift,
		"kinetic_energy", s.KineticEnergy,
		"speed_p50", s.SpeedP50,
		"speed_max", s.SpeedMax,
		"centroid_offset", s.CentroidOffset,
		"mirror_imbalance", s.MirrorImbalance,
		"offset_growth", s.OffsetGrowth,
		"perturbations", s.Perturbations,
		"resets", s.Resets,
		"non_finite", s.NonFinite,
	)
}
