// Package camera maps the simulation box onto the screen.
package camera

// Camera controls the viewport into the simulation box. World coordinates
// are lattice units with y pointing up; screen coordinates have y pointing
// down. The camera centre is kept inside the box.
type Camera struct {
	// Position is the camera center in world coordinates
	X, Y float32

	// Zoom is screen pixels per lattice unit.
	Zoom float32

	// Viewport dimensions (screen size)
	ViewportW, ViewportH float32

	// Extent is the box edge length; the box spans [0, Extent] on both axes.
	Extent float32

	// Zoom constraints. MinZoom fits the whole box with a margin.
	MinZoom, MaxZoom float32
}

// fitMargin is the fraction of the viewport the fitted box occupies.
const fitMargin = 0.9

// New creates a camera showing the whole box.
func New(viewportW, viewportH, extent float32) *Camera {
	if extent <= 0 {
		extent = 1
	}
	c := &Camera{
		ViewportW: viewportW,
		ViewportH: viewportH,
		Extent:    extent,
	}
	c.MinZoom = c.fitZoom()
	c.MaxZoom = c.MinZoom * 8
	c.Reset()
	return c
}

func (c *Camera) fitZoom() float32 {
	z := c.ViewportW / c.Extent
	if zy := c.ViewportH / c.Extent; zy < z {
		z = zy
	}
	return z * fitMargin
}

// WorldToScreen converts world coordinates to screen coordinates.
func (c *Camera) WorldToScreen(wx, wy float32) (sx, sy float32) {
	sx = c.ViewportW/2 + (wx-c.X)*c.Zoom
	sy = c.ViewportH/2 - (wy-c.Y)*c.Zoom
	return sx, sy
}

// ScreenToWorld converts screen coordinates to world coordinates.
func (c *Camera) ScreenToWorld(sx, sy float32) (wx, wy float32) {
	wx = c.X + (sx-c.ViewportW/2)/c.Zoom
	wy = c.Y - (sy-c.ViewportH/2)/c.Zoom
	return wx, wy
}

// IsVisible returns true if a circle at (wx, wy) with given radius
// could be visible on screen (conservative check for culling).
func (c *Camera) IsVisible(wx, wy, radius float32) bool {
	halfW := c.ViewportW/(2*c.Zoom) + radius
	halfH := c.ViewportH/(2*c.Zoom) + radius
	return absf(wx-c.X) <= halfW && absf(wy-c.Y) <= halfH
}

// Resize updates viewport dimensions and recalculates zoom constraints.
func (c *Camera) Resize(viewportW, viewportH float32) {
	if viewportW == c.ViewportW && viewportH == c.ViewportH {
		return
	}
	ratio := c.Zoom / c.MinZoom
	c.ViewportW = viewportW
	c.ViewportH = viewportH
	c.MinZoom = c.fitZoom()
	c.MaxZoom = c.MinZoom * 8
	c.SetZoom(c.MinZoom * ratio)
}

// Pan moves the camera by the given delta in screen pixels. Dragging right
// moves the view left, as with a grabbed canvas.
func (c *Camera) Pan(dx, dy float32) {
	c.X = clamp(c.X-dx/c.Zoom, 0, c.Extent)
	c.Y = clamp(c.Y+dy/c.Zoom, 0, c.Extent)
}

// SetZoom sets the zoom level, clamped to min/max.
func (c *Camera) SetZoom(zoom float32) {
	c.Zoom = clamp(zoom, c.MinZoom, c.MaxZoom)
}

// ZoomBy multiplies the current zoom by the given factor.
func (c *Camera) ZoomBy(factor float32) {
	c.SetZoom(c.Zoom * factor)
}

// Reset centres the box and fits it to the viewport.
func (c *Camera) Reset() {
	c.X = c.Extent / 2
	c.Y = c.Extent / 2
	c.Zoom = c.MinZoom
}

// VisibleWorldBounds returns the world-coordinate bounds of the visible area.
func (c *Camera) VisibleWorldBounds() (minX, minY, maxX, maxY float32) {
	halfW := c.ViewportW / (2 * c.Zoom)
	halfH := c.ViewportH / (2 * c.Zoom)
	return c.X - halfW, c.Y - halfH, c.X + halfW, c.Y + halfH
}

func absf(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp(x, min, max float32) float32 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
