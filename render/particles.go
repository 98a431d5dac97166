// Package render draws engine frames into a raylib window.
package render

import (
	rl "github.com/gen2brain/raylib-go/raylib"

	"github.com/pthm-cable/bifurcate/camera"
	"github.com/pthm-cable/bifurcate/engine"
)

// Lobe tints, blended toward white as particles speed up.
var (
	leftTint  = rl.Color{R: 70, G: 140, B: 255, A: 255}
	rightTint = rl.Color{R: 255, G: 150, B: 60, A: 255}
	planeTint = rl.Color{R: 200, G: 200, B: 200, A: 255}
	boxColor  = rl.Color{R: 90, G: 90, B: 110, A: 255}
	planeLine = rl.Color{R: 90, G: 90, B: 110, A: 120}
)

// ParticleRenderer draws frames as point splats. It implements
// engine.Surface and must be used between rl.BeginDrawing and rl.EndDrawing.
type ParticleRenderer struct {
	cam *camera.Camera

	// PointSize is the splat edge in pixels.
	PointSize float32

	// Last presented frame figures, for the HUD.
	LastStep     int64
	LastMaxSpeed float32
	LastCount    int
}

// NewParticleRenderer creates a renderer drawing through cam.
func NewParticleRenderer(cam *camera.Camera) *ParticleRenderer {
	return &ParticleRenderer{cam: cam, PointSize: 2}
}

// Present draws the box, the mirror plane and every particle in f. In 3D the
// view is an orthographic projection along z, with nearer particles brighter.
func (r *ParticleRenderer) Present(f *engine.Frame) error {
	r.drawBox(f.Extent)

	maxSpeed := f.MaxSpeed()
	inv := float32(0)
	if maxSpeed > 0 {
		inv = 1 / maxSpeed
	}
	var depthScale float32
	if f.Dims == 3 && f.Extent > 0 {
		depthScale = 1 / f.Extent
	}

	size := r.PointSize
	half := size / 2
	for i := 0; i < f.Len(); i++ {
		if !r.cam.IsVisible(f.X[i], f.Y[i], 1) {
			continue
		}
		sx, sy := r.cam.WorldToScreen(f.X[i], f.Y[i])

		shade := float32(1)
		if depthScale > 0 {
			shade = 0.55 + 0.45*(1-f.Z[i]*depthScale)
		}
		c := particleColor(f.Lobe[i], f.Speed[i]*inv, shade)
		rl.DrawRectangleV(rl.Vector2{X: sx - half, Y: sy - half}, rl.Vector2{X: size, Y: size}, c)
	}

	r.LastStep = f.Step
	r.LastMaxSpeed = maxSpeed
	r.LastCount = f.Len()
	return nil
}

func (r *ParticleRenderer) drawBox(extent float32) {
	x0, y0 := r.cam.WorldToScreen(0, extent)
	x1, y1 := r.cam.WorldToScreen(extent, 0)
	rl.DrawRectangleLinesEx(rl.Rectangle{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, 1, boxColor)

	mx, _ := r.cam.WorldToScreen(extent/2, 0)
	rl.DrawLineEx(rl.Vector2{X: mx, Y: y0}, rl.Vector2{X: mx, Y: y1}, 1, planeLine)
}

// particleColor blends the lobe tint toward white by relative speed t in
// [0, 1] and darkens it by shade.
func particleColor(lobe int8, t, shade float32) rl.Color {
	base := planeTint
	switch {
	case lobe < 0:
		base = leftTint
	case lobe > 0:
		base = rightTint
	}
	if t > 1 {
		t = 1
	}
	mix := func(c uint8) uint8 {
		v := (float32(c) + (255-float32(c))*t) * shade
		if v > 255 {
			v = 255
		}
		return uint8(v)
	}
	return rl.Color{R: mix(base.R), G: mix(base.G), B: mix(base.B), A: 220}
}
