// Package producers holds sample tile sources: a procedural pattern that's
// always available, a streamed source loading tiles in the background, and a
// rendered source that batches its GPU copies behind a finalizer.
package producers

import (
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"log"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/palette"
	"github.com/irfansharif/vtex/internal/producer"
)

var producersLogger *log.Logger = log.New(io.Discard, "", 0)

func init() {
	if os.Getenv("VTEX_DEBUG_PRODUCERS") == "1" {
		producersLogger = log.New(os.Stdout, "[producers] ", log.Ltime|log.Lmsgprefix)
	}
}

// Pattern paints the tiles of a producer: a checkerboard in the level's
// colour, with each tile's first row and column darkened.
type Pattern struct {
	Desc    producer.Description
	Palette palette.Palette
	// CheckerSize is the side of a checker square in texels.
	CheckerSize int
}

// NewPattern returns a pattern with one colour per level of desc.
func NewPattern(desc producer.Description) *Pattern {
	return &Pattern{
		Desc:        desc,
		Palette:     palette.ForLevels(int(desc.MaxLevel) + 1),
		CheckerSize: 8,
	}
}

// Texel returns the colour of texel (x, y) of the tile at (level, address),
// counting from the tile's top-left border texel.
func (p *Pattern) Texel(level uint8, address uint32, x, y int) color.RGBA {
	tx, ty := morton.Decode2(address)
	ts, border := int(p.Desc.TileSize), int(p.Desc.TileBorderSize)
	gx, gy := int(tx)*ts+x-border, int(ty)*ts+y-border

	c := p.Palette.At(int(level))
	if cs := max(p.CheckerSize, 1); ((floorDiv(gx, cs) ^ floorDiv(gy, cs)) & 1) != 0 {
		c = palette.Shade(c, 0.75)
	}
	if x == border || y == border {
		c = palette.Shade(c, 0.4)
	}
	return c
}

// PaintTile returns one layer of the tile, borders included, tightly packed
// in the layer's format.
func (p *Pattern) PaintTile(layer, level uint8, address uint32) ([]byte, error) {
	f := p.Desc.LayerFormats[layer]
	side := int(p.Desc.PhysicalTileSize())
	bpp := f.BytesPerPixel()
	out := make([]byte, side*side*bpp)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			c := p.Texel(level, address, x, y)
			if layer > 0 {
				// Later layers carry something other than albedo; keep
				// them distinguishable.
				c = palette.Blend(c, color.RGBA{A: 255}, float64(layer)/float64(p.Desc.NumLayers()))
			}
			if err := encodeTexel(out[(y*side+x)*bpp:], f, c); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func floorDiv(a, b int) int {
	if a < 0 {
		return -((-a + b - 1) / b)
	}
	return a / b
}

func encodeTexel(dst []byte, f gpu.Format, c color.RGBA) error {
	switch f {
	case gpu.FormatRGBA8:
		dst[0], dst[1], dst[2], dst[3] = c.R, c.G, c.B, c.A
	case gpu.FormatR8:
		dst[0] = palette.Luminance(c)
	case gpu.FormatR16Uint:
		binary.LittleEndian.PutUint16(dst, uint16(palette.Luminance(c))<<8)
	case gpu.FormatR32Uint:
		binary.LittleEndian.PutUint32(dst, uint32(c.R)|uint32(c.G)<<8|uint32(c.B)<<16|uint32(c.A)<<24)
	default:
		return errors.Newf("can't paint %s texels", f)
	}
	return nil
}

// upload copies tightly packed texels into the target's tile through a
// staging buffer.
func upload(device gpu.Device, t producer.Target, texels []byte) error {
	buf, err := device.CreateBuffer(len(texels))
	if err != nil {
		return err
	}
	defer device.ReleaseBuffer(buf)

	data, err := device.Lock(buf)
	if err != nil {
		return err
	}
	copy(data, texels)
	if err := device.Unlock(buf); err != nil {
		return err
	}
	return errors.Wrapf(device.UploadBuffer(t.Texture, 0, tileRect(t), buf), "uploading tile at %v", t.Location)
}

func tileRect(t producer.Target) image.Rectangle {
	ts := int(t.TileSize)
	o := t.Location.Mul(ts)
	return image.Rectangle{Min: o, Max: o.Add(image.Pt(ts, ts))}
}
