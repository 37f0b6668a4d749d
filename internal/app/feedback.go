package app

import (
	"image"
	"math"

	"github.com/irfansharif/vtex/internal/feedback"
	"github.com/irfansharif/vtex/internal/geom"
)

// Rasterize writes the feedback a shader sampling the scene would produce:
// per pixel, the page of the topmost placement drawn there at the mip level
// it samples. The buffer is downscaled by scale in each axis, with each
// feedback pixel sampling its block's center.
func (s *Scene) Rasterize(view *View, scale int) feedback.Buffer {
	scale = max(scale, 1)
	w := (view.Width + scale - 1) / scale
	h := (view.Height + scale - 1) / scale
	buf := feedback.Buffer{Data: make([]uint32, w*h), Width: w, Height: h, Pitch: w}
	for i := range buf.Data {
		buf.Data[i] = feedback.NoPage
	}
	if w == 0 || h == 0 {
		return buf
	}

	type drawn struct {
		p      *Placement
		bounds geom.Box
		screen image.Rectangle // in feedback pixels
		level  uint8
	}
	toScreen, toWorld := view.WorldToScreen(), view.ScreenToWorld()
	var visible []drawn
	for _, p := range s.Placements() {
		b := p.Bounds()
		sb := toScreen.MulBox(b)
		r := image.Rect(
			int(math.Floor(sb.X/float64(scale))), int(math.Floor(sb.Y/float64(scale))),
			int(math.Ceil((sb.X+sb.W)/float64(scale))), int(math.Ceil((sb.Y+sb.H)/float64(scale))),
		).Intersect(image.Rect(0, 0, w, h))
		if r.Empty() {
			continue
		}
		visible = append(visible, drawn{p: p, bounds: b, screen: r, level: samplingLevel(p, view.Zoom)})
	}

	// Placements are in draw order, so later ones overwrite earlier ones.
	for _, d := range visible {
		t := d.p.Texture
		tileSize := float64(t.Description().TileSize)
		baseX, baseY := t.BaseTile()
		maxX, maxY := t.WidthInTiles()-1, t.HeightInTiles()-1
		for y := d.screen.Min.Y; y < d.screen.Max.Y; y++ {
			row := buf.Data[y*buf.Pitch:]
			for x := d.screen.Min.X; x < d.screen.Max.X; x++ {
				world := toWorld.MulPoint(geom.MakePoint((float64(x)+0.5)*float64(scale), (float64(y)+0.5)*float64(scale)))
				if !d.bounds.Contains(world) {
					continue
				}
				tx := uint32((world.X - d.bounds.X) / d.p.Scale / tileSize)
				ty := uint32((world.Y - d.bounds.Y) / d.p.Scale / tileSize)
				tx, ty = min(tx, maxX), min(ty, maxY)
				row[x] = uint32(feedback.EncodePage(t.SpaceID(), d.level, (baseX+tx)>>d.level, (baseY+ty)>>d.level))
			}
		}
	}
	return buf
}

// samplingLevel returns the mip level sampled when the placement is drawn at
// the given zoom: log2 of the texels per screen pixel, clamped.
func samplingLevel(p *Placement, zoom float64) uint8 {
	texelsPerPixel := 1 / (zoom * p.Scale)
	if texelsPerPixel <= 1 {
		return 0
	}
	level := int(math.Floor(math.Log2(texelsPerPixel)))
	return uint8(min(level, int(p.Texture.MaxLevel())))
}
