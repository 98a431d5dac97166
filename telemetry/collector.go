package telemetry

import "math"

// Sample is the engine state read at the end of a window.
type Sample struct {
	Backend         string
	Particles       int
	TotalMass       float64
	KineticEnergy   float64
	Speeds          []float64
	CentroidOffset  float64
	MirrorImbalance float64

	// Cumulative counters; the collector reports per-window deltas.
	Rejected  int64
	NonFinite int64
}

// Collector accumulates events within windows of simulated time and produces WindowStats.
type Collector struct {
	windowDuration      float64
	windowDurationSteps int64
	dt                  float32

	windowStartStep int64

	// Event counters for current window
	perturbations int
	resets        int
	lastSigma     float64

	// Baselines
	initialMass   float64
	lastOffset    float64
	lastRejected  int64
	lastNonFinite int64
}

// NewCollector creates a new stats collector.
// windowDuration: how long each window lasts in simulated time units
// dt: simulated time per step
func NewCollector(windowDuration float64, dt float32) *Collector {
	stepsPerWindow := int64(math.Round(windowDuration / float64(dt)))
	if stepsPerWindow < 1 {
		stepsPerWindow = 1
	}

	return &Collector{
		windowDuration:      windowDuration,
		windowDurationSteps: stepsPerWindow,
		dt:                  dt,
	}
}

// RecordPerturbation records an injected perturbation.
func (c *Collector) RecordPerturbation(sigma float32) {
	c.perturbations++
	c.lastSigma = float64(sigma)
}

// RecordReset records a return to the symmetric layout. The centroid offset
// baseline restarts from zero.
func (c *Collector) RecordReset() {
	c.resets++
	c.lastOffset = 0
}

// StartAt moves the current window start to step, for runs resumed from a snapshot.
func (c *Collector) StartAt(step int64) {
	c.windowStartStep = step
}

// ShouldFlush returns true if enough steps have passed to flush the window.
func (c *Collector) ShouldFlush(currentStep int64) bool {
	return currentStep-c.windowStartStep >= c.windowDurationSteps
}

// Flush produces a WindowStats and resets counters for the next window.
func (c *Collector) Flush(currentStep int64, s Sample) WindowStats {
	if c.initialMass == 0 {
		c.initialMass = s.TotalMass
	}
	var drift float64
	if c.initialMass != 0 {
		drift = (s.TotalMass - c.initialMass) / c.initialMass
	}

	var growth float64
	if elapsed := float64(currentStep-c.windowStartStep) * float64(c.dt); elapsed > 0 {
		growth = (s.CentroidOffset - c.lastOffset) / elapsed
	}

	mean, p10, p50, p90, maxv := ComputeSpeedStats(s.Speeds)

	stats := WindowStats{
		WindowStartStep: c.windowStartStep,
		WindowEndStep:   currentStep,
		SimTime:         float64(currentStep) * float64(c.dt),
		Backend:         s.Backend,

		Particles:     s.Particles,
		TotalMass:     s.TotalMass,
		MassDrift:     drift,
		KineticEnergy: s.KineticEnergy,

		SpeedMean: mean,
		SpeedP10:  p10,
		SpeedP50:  p50,
		SpeedP90:  p90,
		SpeedMax:  maxv,

		CentroidOffset:  s.CentroidOffset,
		MirrorImbalance: s.MirrorImbalance,
		OffsetGrowth:    growth,

		Perturbations: c.perturbations,
		Resets:        c.resets,
		LastSigma:     c.lastSigma,
		RejectedSteps: s.Rejected - c.lastRejected,
		NonFinite:     s.NonFinite - c.lastNonFinite,
	}

	// Reset for next window
	c.windowStartStep = currentStep
	c.perturbations = 0
	c.resets = 0
	c.lastOffset = s.CentroidOffset
	c.lastRejected = s.Rejected
	c.lastNonFinite = s.NonFinite

	return stats
}

// WindowDurationSteps returns the number of steps per window.
func (c *Collector) WindowDurationSteps() int64 {
	return c.windowDurationSteps
}
