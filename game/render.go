package game

import (
	"log/slog"

	rl "github.com/gen2brain/raylib-go/raylib"

	"github.com/pthm-cable/bifurcate/render"
)

var background = rl.Color{R: 16, G: 16, B: 24, A: 255}

const controlsLegend = "[SPACE] pause  [P] perturb  [R] reset  [S] snapshot  [<>] speed  [wheel/+-] zoom  [arrows/RMB] pan  [HOME] fit"

// Draw renders the particles, the HUD and the control panel.
func (g *Game) Draw() {
	rl.BeginDrawing()
	rl.ClearBackground(background)

	if err := g.eng.Render(g.renderer); err != nil {
		slog.Error("render failed", "error", err)
	}

	perf := g.perfCollector.Stats()
	m := g.lastMeasure
	render.DrawHUD(render.HUDData{
		Title:           "Bifurcate",
		Backend:         g.eng.Backend().String(),
		Particles:       g.renderer.LastCount,
		Step:            g.renderer.LastStep,
		Time:            float64(g.renderer.LastStep) * float64(g.eng.Params().DT),
		FPS:             rl.GetFPS(),
		StepMS:          float64(perf.AvgTickDuration.Microseconds()) / 1000,
		CentroidOffset:  m.Asymmetry.CentroidOffset,
		MirrorImbalance: m.Asymmetry.MirrorImbalance,
		Broken:          g.bookmarkDetector.Broken(),
		Paused:          g.paused,
	})

	g.applyActions(g.panel.Draw(g.paused))
	render.DrawControls(int32(g.screenHeight), controlsLegend)

	rl.EndDrawing()
}
