package app

import (
	"github.com/irfansharif/vtex/internal/geom"
)

const (
	minZoom = 1.0 / 64
	maxZoom = 8.0
)

// View manages the current view state including zoom, pan, and viewport.
//
// A world point maps to screen = center*(1-zoom) + zoom*world + pan: zoom is
// about the viewport center, pan is in screen pixels.
type View struct {
	Zoom          float64
	PanX, PanY    float64
	Width, Height int
}

// NewView creates a new view state with default values.
func NewView(width, height int) *View {
	return &View{
		Zoom:   1.0,
		Width:  width,
		Height: height,
	}
}

// SetZoom sets the zoom level, clamping to valid range.
func (vs *View) SetZoom(zoom float64) {
	if zoom < minZoom {
		vs.Zoom = minZoom
	} else if zoom > maxZoom {
		vs.Zoom = maxZoom
	} else {
		vs.Zoom = zoom
	}
}

// SetPan sets the pan position to the given coordinates.
func (vs *View) SetPan(x, y float64) {
	vs.PanX = x
	vs.PanY = y
}

// SetViewport updates the viewport dimensions.
func (vs *View) SetViewport(width, height int) {
	vs.Width = width
	vs.Height = height
}

// Center returns the viewport center in screen coordinates.
func (vs *View) Center() geom.Point {
	return geom.MakePoint(float64(vs.Width)/2.0, float64(vs.Height)/2.0)
}

// ResetTo resets zoom to 1.0 and pans to center the given point in the
// viewport.
func (vs *View) ResetTo(pos geom.Point) {
	vs.Zoom = 1.0
	c := vs.Center()
	vs.PanX = c.X - pos.X
	vs.PanY = c.Y - pos.Y
}

// WorldToScreen returns the transform from world to screen coordinates.
func (vs *View) WorldToScreen() geom.Affine {
	c := vs.Center()
	return geom.Translate(c.X*(1-vs.Zoom)+vs.PanX, c.Y*(1-vs.Zoom)+vs.PanY).Mul(geom.Scale(vs.Zoom))
}

// ScreenToWorld returns the transform from screen to world coordinates.
func (vs *View) ScreenToWorld() geom.Affine {
	// Zoom is clamped away from zero, so the inverse always exists.
	inv, _ := vs.WorldToScreen().Inv()
	return inv
}

// ZoomAt scales the zoom by factor, keeping the world point under the
// given screen position fixed.
func (vs *View) ZoomAt(screen geom.Point, factor float64) {
	c := vs.Center()
	oldZoom := vs.Zoom

	// Cursor position relative to viewport center, and the world point
	// (relative to center) under it right now.
	offX, offY := screen.X-c.X, screen.Y-c.Y
	worldOffX, worldOffY := (offX-vs.PanX)/oldZoom, (offY-vs.PanY)/oldZoom

	vs.SetZoom(oldZoom * factor)
	vs.SetPan(offX-worldOffX*vs.Zoom, offY-worldOffY*vs.Zoom)
}

// PanBy moves the view by (dx, dy) screen pixels.
func (vs *View) PanBy(dx, dy float64) {
	vs.SetPan(vs.PanX+dx, vs.PanY+dy)
}

// Visible returns the world-space box on screen.
func (vs *View) Visible() geom.Box {
	return vs.ScreenToWorld().MulBox(geom.MakeBox(0, 0, float64(vs.Width), float64(vs.Height)))
}
