package main

import (
	"fmt"
	"os"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/pthm-cable/bifurcate/bifurcation"
)

// writePlot renders mean centroid offset and broken fraction against sigma.
// The fitted threshold curve is drawn when fit is non-nil.
func writePlot(path string, summaries []bifurcation.SweepSummary, fit *Threshold) error {
	n := len(summaries)
	sigmas := make([]float64, n)
	offsets := make([]float64, n)
	broken := make([]float64, n)
	for i, s := range summaries {
		sigmas[i] = s.Sigma
		offsets[i] = s.OffsetMean
		broken[i] = s.BrokenFraction
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "centroid offset (mean)",
			XValues: sigmas,
			YValues: offsets,
			Style:   chart.Style{StrokeColor: drawing.Color{R: 70, G: 140, B: 255, A: 255}, StrokeWidth: 3.0},
		},
		chart.ContinuousSeries{
			Name:    "broken fraction",
			XValues: sigmas,
			YValues: broken,
			YAxis:   chart.YAxisSecondary,
			Style:   chart.Style{StrokeColor: drawing.Color{R: 255, G: 150, B: 60, A: 255}, StrokeWidth: 3.0},
		},
	}
	if fit != nil && n > 1 {
		const samples = 100
		xs := make([]float64, samples)
		ys := make([]float64, samples)
		lo, hi := sigmas[0], sigmas[n-1]
		for i := range xs {
			xs[i] = lo + (hi-lo)*float64(i)/float64(samples-1)
			ys[i] = fit.At(xs[i])
		}
		series = append(series, chart.ContinuousSeries{
			Name:    fmt.Sprintf("fit (critical sigma %.3f)", fit.Critical),
			XValues: xs,
			YValues: ys,
			YAxis:   chart.YAxisSecondary,
			Style:   chart.Style{StrokeColor: chart.ColorAlternateGray, StrokeWidth: 1.5, StrokeDashArray: []float64{5, 5}},
		})
	}

	graph := chart.Chart{
		Width:  900,
		Height: 500,
		XAxis: chart.XAxis{
			Name:  "perturbation sigma",
			Style: chart.Style{FontSize: 10.0},
		},
		YAxis: chart.YAxis{
			Name:  "centroid offset",
			Style: chart.Style{FontSize: 10.0},
		},
		YAxisSecondary: chart.YAxis{
			Name:  "broken fraction",
			Style: chart.Style{FontSize: 10.0},
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot: %w", err)
	}
	defer f.Close()
	if err := graph.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("rendering plot: %w", err)
	}
	return nil
}
