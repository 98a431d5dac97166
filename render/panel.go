package render

import (
	"fmt"

	gui "github.com/gen2brain/raylib-go/raygui"
	rl "github.com/gen2brain/raylib-go/raylib"
)

// Actions are the requests made through the control panel in one frame.
type Actions struct {
	Perturb     bool
	Reset       bool
	TogglePause bool
	Snapshot    bool
}

// ControlPanel draws the experiment controls: a sigma slider, perturb,
// reset and pause buttons, and sub-step adjustment.
type ControlPanel struct {
	x, y, width float32

	Sigma    float32
	MaxSigma float32
	Substeps int
}

// NewControlPanel creates a panel at (x, y).
func NewControlPanel(x, y, width, sigma float32, substeps int) *ControlPanel {
	return &ControlPanel{
		x:        x,
		y:        y,
		width:    width,
		Sigma:    sigma,
		MaxSigma: 2,
		Substeps: substeps,
	}
}

// SetPosition moves the panel.
func (p *ControlPanel) SetPosition(x, y float32) {
	p.x, p.y = x, y
}

// Draw renders the panel and returns what the user asked for.
func (p *ControlPanel) Draw(paused bool) Actions {
	var a Actions
	x, y := p.x, p.y

	rl.DrawRectangle(int32(x-10), int32(y-10), int32(p.width+20), 190, rl.Color{R: 20, G: 20, B: 30, A: 200})

	rl.DrawText("Perturbation sigma", int32(x), int32(y), 14, rl.Gray)
	y += 18
	p.Sigma = gui.SliderBar(
		rl.Rectangle{X: x, Y: y, Width: p.width - 50, Height: 20},
		"", "",
		p.Sigma, 0, p.MaxSigma,
	)
	rl.DrawText(fmt.Sprintf("%.2f", p.Sigma), int32(x+p.width-44), int32(y+2), 16, rl.LightGray)
	y += 32

	bw := (p.width - 10) / 2
	if gui.Button(rl.Rectangle{X: x, Y: y, Width: bw, Height: 28}, "Perturb") {
		a.Perturb = true
	}
	if gui.Button(rl.Rectangle{X: x + bw + 10, Y: y, Width: bw, Height: 28}, "Reset") {
		a.Reset = true
	}
	y += 36

	if gui.Button(rl.Rectangle{X: x, Y: y, Width: bw, Height: 28}, toggleText(paused, "Resume", "Pause")) {
		a.TogglePause = true
	}
	if gui.Button(rl.Rectangle{X: x + bw + 10, Y: y, Width: bw, Height: 28}, "Snapshot") {
		a.Snapshot = true
	}
	y += 40

	rl.DrawText(fmt.Sprintf("Substeps: %d", p.Substeps), int32(x), int32(y+6), 16, rl.LightGray)
	if gui.Button(rl.Rectangle{X: x + p.width - 70, Y: y, Width: 30, Height: 28}, "-") && p.Substeps > 1 {
		p.Substeps--
	}
	if gui.Button(rl.Rectangle{X: x + p.width - 30, Y: y, Width: 30, Height: 28}, "+") && p.Substeps < 16 {
		p.Substeps++
	}
	return a
}

func toggleText(on bool, onText, offText string) string {
	if on {
		return onText
	}
	return offText
}
