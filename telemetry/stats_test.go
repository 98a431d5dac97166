package telemetry

import (
	"math"
	"testing"
)

func TestComputeSpeedStats(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	mean, p10, p50, p90, maxv := ComputeSpeedStats(values)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"mean", mean, 5.5},
		{"p10", p10, 1.0},
		{"p50", p50, 5.0},
		{"p90", p90, 9.0},
		{"max", maxv, 10},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.want) > 1.0 {
			t.Errorf("%s = %v, want ~%v", tt.name, tt.got, tt.want)
		}
	}
	if maxv != 10 {
		t.Errorf("max = %v, want exactly 10", maxv)
	}
	if !(p10 <= p50 && p50 <= p90) {
		t.Errorf("percentiles out of order: %v %v %v", p10, p50, p90)
	}
}

func TestComputeSpeedStatsDoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	ComputeSpeedStats(values)
	if values[0] != 3 || values[1] != 1 || values[2] != 2 {
		t.Errorf("input was modified: %v", values)
	}
}

func TestComputeSpeedStatsEmpty(t *testing.T) {
	mean, p10, p50, p90, maxv := ComputeSpeedStats(nil)

	if mean != 0 || p10 != 0 || p50 != 0 || p90 != 0 || maxv != 0 {
		t.Error("empty slice should return all zeros")
	}
}
