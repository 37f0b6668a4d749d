// Package palette picks the colours tiles are painted with. Each mip level
// gets its own hue so the level a texel was sampled from shows on screen.
package palette

import (
	"image/color"
	"math"
	"math/rand"

	"github.com/lucasb-eyer/go-colorful"
)

// Palette holds one colour per mip level, finest first.
type Palette []color.RGBA

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func rgba(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// ForLevels returns n colours with hues spread evenly around the wheel.
func ForLevels(n int) Palette {
	p := make(Palette, n)
	for i := range p {
		p[i] = rgba(colorful.Hsv(float64(i)*360/float64(max(n, 1)), 0.65, 0.9))
	}
	return p
}

// Random returns n colours with random hues and mid-range saturation and
// brightness, for telling producers apart.
func Random(r *rand.Rand, n int) Palette {
	p := make(Palette, n)
	for i := range p {
		p[i] = rgba(colorful.Hsv(r.Float64()*360, r.Float64()*0.5+0.25, r.Float64()*0.5+0.4))
	}
	return p
}

// At returns the colour for the level, wrapping around past the last one.
func (p Palette) At(level int) color.RGBA {
	if len(p) == 0 {
		return color.RGBA{A: 255}
	}
	return p[level%len(p)]
}

// Shade scales the brightness of c by f.
func Shade(c color.RGBA, f float64) color.RGBA {
	cc := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	h, s, v := cc.Hsv()
	return rgba(colorful.Hsv(h, s, clamp(v*f, 0, 1)))
}

// Blend mixes a into b in Lab space, t=0 being a.
func Blend(a, b color.RGBA, t float64) color.RGBA {
	ca := colorful.Color{R: float64(a.R) / 255, G: float64(a.G) / 255, B: float64(a.B) / 255}
	cb := colorful.Color{R: float64(b.R) / 255, G: float64(b.G) / 255, B: float64(b.B) / 255}
	return rgba(ca.BlendLab(cb, clamp(t, 0, 1)))
}

// Luminance returns the perceived lightness of c in [0, 255], for single
// channel layers.
func Luminance(c color.RGBA) uint8 {
	cc := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	l, _, _ := cc.Lab()
	return uint8(math.Round(clamp(l, 0, 1) * 255))
}
