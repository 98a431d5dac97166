package render

import (
	"fmt"

	rl "github.com/gen2brain/raylib-go/raylib"
)

// HUDData holds what the heads-up display shows.
type HUDData struct {
	Title           string
	Backend         string
	Particles       int
	Step            int64
	Time            float64
	FPS             int32
	StepMS          float64
	CentroidOffset  float64
	MirrorImbalance float64
	Broken          bool
	Paused          bool
}

// DrawHUD renders the heads-up display in the top-left corner.
func DrawHUD(d HUDData) {
	rl.DrawText(d.Title, 10, 10, 20, rl.White)
	rl.DrawText(
		fmt.Sprintf("%s | %d particles | step %d | t=%.1f", d.Backend, d.Particles, d.Step, d.Time),
		10, 35, 16, rl.LightGray,
	)
	rl.DrawText(
		fmt.Sprintf("FPS: %d | step %.2f ms", d.FPS, d.StepMS),
		10, 55, 16, rl.LightGray,
	)

	symColor := rl.Green
	symText := "symmetric"
	if d.Broken {
		symColor = rl.Orange
		symText = "broken"
	}
	rl.DrawText(
		fmt.Sprintf("offset %.4f | imbalance %.4f | %s", d.CentroidOffset, d.MirrorImbalance, symText),
		10, 75, 16, symColor,
	)

	if d.Paused {
		rl.DrawText("PAUSED", 10, 95, 16, rl.Yellow)
	}
}

// DrawControls renders the key legend at the bottom of the screen.
func DrawControls(screenHeight int32, controls string) {
	rl.DrawText(controls, 10, screenHeight-25, 14, rl.Gray)
}
