package main

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/bifurcate/bifurcation"
)

// errNoTransition is returned when every sigma gave the same outcome, so no
// threshold can be located.
var errNoTransition = errors.New("broken fraction does not change across the sweep")

// Threshold is a logistic fit of broken fraction against sigma:
// f(sigma) = 1 / (1 + exp(-(sigma - Critical) / Width)).
type Threshold struct {
	Critical float64 `json:"critical_sigma"`
	Width    float64 `json:"width"`
	Residual float64 `json:"residual"` // sum of squared errors at the optimum
}

// At evaluates the fitted curve.
func (t Threshold) At(sigma float64) float64 {
	return logistic(sigma, t.Critical, t.Width)
}

func logistic(sigma, center, width float64) float64 {
	return 1 / (1 + math.Exp(-(sigma-center)/width))
}

// fitThreshold locates the sigma at which half the runs break symmetry.
// The width is optimised in log space to stay positive.
func fitThreshold(summaries []bifurcation.SweepSummary) (Threshold, error) {
	if len(summaries) < 2 {
		return Threshold{}, errNoTransition
	}
	lo, hi := summaries[0].BrokenFraction, summaries[0].BrokenFraction
	for _, s := range summaries {
		lo = math.Min(lo, s.BrokenFraction)
		hi = math.Max(hi, s.BrokenFraction)
	}
	if hi-lo < 1e-9 {
		return Threshold{}, errNoTransition
	}

	// Start at the first sigma that reaches the midpoint.
	span := summaries[len(summaries)-1].Sigma - summaries[0].Sigma
	center := summaries[len(summaries)-1].Sigma
	for _, s := range summaries {
		if s.BrokenFraction >= (lo+hi)/2 {
			center = s.Sigma
			break
		}
	}
	init := []float64{center, math.Log(span / 10)}

	sse := func(x []float64) float64 {
		w := math.Exp(x[1])
		var sum float64
		for _, s := range summaries {
			d := logistic(s.Sigma, x[0], w) - s.BrokenFraction
			sum += d * d
		}
		return sum
	}

	result, err := optimize.Minimize(optimize.Problem{Func: sse}, init, nil, &optimize.NelderMead{})
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{
		Critical: result.X[0],
		Width:    math.Exp(result.X[1]),
		Residual: result.F,
	}, nil
}
