package mpm

import "math"

// affineScale is 4/Δx² for the quadratic B-spline with Δx = 1.
const affineScale = 4

// stencil holds quadratic B-spline weights for one particle. Axes that are
// collapsed (z in 2D) get a single node with weight 1.
type stencil struct {
	base [3]int
	w    [3][3]float32
	fx   [3]float32 // x - base per axis
	span [3]int     // 3, or 1 on a collapsed axis
}

// weights fills st for a particle at p. The caller guarantees p is clamped so
// every node base..base+2 lies on the grid.
func (st *stencil) weights(p Vec3, dims int) {
	for a := 0; a < 3; a++ {
		if a == 2 && dims == 2 {
			st.base[a] = 0
			st.fx[a] = 0
			st.w[a] = [3]float32{1, 0, 0}
			st.span[a] = 1
			continue
		}
		b := int(floorf(p[a] - 0.5))
		f := p[a] - float32(b)
		st.base[a] = b
		st.fx[a] = f
		d0 := 1.5 - f
		d1 := f - 1
		d2 := f - 0.5
		st.w[a] = [3]float32{0.5 * d0 * d0, 0.75 - d1*d1, 0.5 * d2 * d2}
		st.span[a] = 3
	}
}

func floorf(x float32) float32 {
	return float32(math.Floor(float64(x)))
}

func sqrtf(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func powf(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

func isFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

func clampf(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
