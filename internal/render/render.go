// Package render draws placed virtual textures the way a shader consuming
// the paging system would:
//  1. Placement boxes are triangulated (earcut) in world space.
//  2. The world-to-screen view and screen-to-NDC mapping go in one matrix.
//  3. The page shader resolves every fragment through the page table into the
//     physical atlas.
//
// The level overlay tints texels by the mip level they were sampled from,
// which makes residency and fallback visible.
package render

import (
	"image"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/irfansharif/vtex/internal/geom"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/gpu/glbackend"
	"github.com/irfansharif/vtex/internal/pagetable"
	"github.com/irfansharif/vtex/internal/palette"
)

const (
	floatsPerVertex = 4 // x, y, u, v
	maxLevelColors  = 16
	outlineWidth    = 3.0 // in screen pixels
)

// Item is one placed virtual texture to draw.
type Item struct {
	Bounds geom.Box // in world coordinates

	PageTable gpu.Texture
	Format    pagetable.Format
	Atlas     gpu.Texture
	// AtlasTiles is the atlas side in physical tiles.
	AtlasTiles uint32
	TileSize   uint32
	Border     uint32

	// BaseTile is the texture's first tile in its page-table space;
	// SizeInTiles its extent.
	BaseTile    image.Point
	SizeInTiles image.Point
	MaxLevel    uint8

	Selected bool
}

// Stats tracks rendering performance metrics.
type Stats struct {
	LastPrepareTimeMs float64 // time spent building geometry in milliseconds
	LastDrawTimeUs    float64 // time spent in last Draw() call in microseconds
	Triangles         int
}

type Renderer struct {
	w, h          int
	worldToScreen geom.Affine
	overlay       bool
	levelColors   [maxLevelColors * 3]float32

	page, flat *ShaderManager
	vao, vbo   uint32
	vertices   []float32

	stats Stats
}

// NewRenderer compiles the programs and creates the vertex buffer. It must be
// called with a current GL context.
func NewRenderer() (*Renderer, error) {
	page, err := NewShaderManager(vertexShaderSource, pageFragmentShaderSource)
	if err != nil {
		return nil, errors.Wrap(err, "page program")
	}
	flat, err := NewShaderManager(vertexShaderSource, flatFragmentShaderSource)
	if err != nil {
		page.Release()
		return nil, errors.Wrap(err, "flat program")
	}

	r := &Renderer{page: page, flat: flat, worldToScreen: geom.Identity}
	gl.GenVertexArrays(1, &r.vao)
	gl.GenBuffers(1, &r.vbo)
	gl.BindVertexArray(r.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.vbo)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, floatsPerVertex*4, gl.PtrOffset(0))
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointer(1, 2, gl.FLOAT, false, floatsPerVertex*4, gl.PtrOffset(2*4))
	gl.BindVertexArray(0)

	r.SetLevelColors(palette.ForLevels(maxLevelColors))
	return r, nil
}

// SetView sets the viewport size and the world-to-screen transform.
func (r *Renderer) SetView(w, h int, worldToScreen geom.Affine) {
	r.w, r.h = w, h
	r.worldToScreen = worldToScreen
}

// SetOverlay toggles the level overlay.
func (r *Renderer) SetOverlay(on bool) { r.overlay = on }

// Overlay reports whether the level overlay is on.
func (r *Renderer) Overlay() bool { return r.overlay }

// SetLevelColors sets the overlay tint per mip level.
func (r *Renderer) SetLevelColors(p palette.Palette) {
	for i := 0; i < maxLevelColors; i++ {
		c := p.At(i)
		r.levelColors[i*3] = float32(c.R) / 255
		r.levelColors[i*3+1] = float32(c.G) / 255
		r.levelColors[i*3+2] = float32(c.B) / 255
	}
}

// Stats returns the current performance statistics
func (r *Renderer) Stats() Stats {
	return r.stats
}

type drawRange struct {
	first, count int32
}

// Draw draws the items in order, later items on top.
func (r *Renderer) Draw(items []Item) error {
	if r.w <= 0 || r.h <= 0 {
		return errors.Newf("invalid viewport dimensions %dx%d", r.w, r.h)
	}

	startTime := time.Now()
	r.vertices = r.vertices[:0]
	quads := make([]drawRange, len(items))
	var outlines []drawRange
	for i, it := range items {
		rng, err := r.appendBox(it.Bounds, nil)
		if err != nil {
			return errors.Wrapf(err, "item %d", i)
		}
		quads[i] = rng
		if it.Selected {
			rng, err := r.appendOutline(it.Bounds)
			if err != nil {
				return errors.Wrapf(err, "outline %d", i)
			}
			outlines = append(outlines, rng)
		}
	}
	r.stats.Triangles = len(r.vertices) / floatsPerVertex / 3
	r.stats.LastPrepareTimeMs = float64(time.Since(startTime).Microseconds()) / 1000.0

	drawStart := time.Now()
	gl.BindVertexArray(r.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, r.vbo)
	if len(r.vertices) > 0 {
		gl.BufferData(gl.ARRAY_BUFFER, len(r.vertices)*4, gl.Ptr(r.vertices), gl.STREAM_DRAW)
	}
	matrix := r.computeTransformMatrix()

	r.page.Use()
	r.page.SetTransform(matrix)
	gl.Uniform1i(r.page.Uniform("uPageTable"), 0)
	gl.Uniform1i(r.page.Uniform("uAtlas"), 1)
	gl.Uniform3fv(r.page.Uniform("uLevelColors"), maxLevelColors, &r.levelColors[0])
	overlay := int32(0)
	if r.overlay {
		overlay = 1
	}
	gl.Uniform1i(r.page.Uniform("uOverlay"), overlay)
	for i, it := range items {
		if err := r.bindItem(it); err != nil {
			return errors.Wrapf(err, "item %d", i)
		}
		gl.DrawArrays(gl.TRIANGLES, quads[i].first, quads[i].count)
	}

	if len(outlines) > 0 {
		r.flat.Use()
		r.flat.SetTransform(matrix)
		gl.Uniform4f(r.flat.Uniform("uColor"), 1, 0.85, 0.2, 1)
		for _, o := range outlines {
			gl.DrawArrays(gl.TRIANGLES, o.first, o.count)
		}
	}
	gl.BindVertexArray(0)

	r.stats.LastDrawTimeUs = float64(time.Since(drawStart).Microseconds())
	if code := gl.GetError(); code != gl.NO_ERROR {
		return errors.Newf("draw: GL error 0x%x", code)
	}
	return nil
}

func (r *Renderer) bindItem(it Item) error {
	pt, ok := it.PageTable.(*glbackend.Texture)
	if !ok {
		return gpu.ErrForeignResource
	}
	atlas, ok := it.Atlas.(*glbackend.Texture)
	if !ok {
		return gpu.ErrForeignResource
	}
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, pt.ID())
	gl.ActiveTexture(gl.TEXTURE1)
	gl.BindTexture(gl.TEXTURE_2D, atlas.ID())

	format16 := int32(0)
	if it.Format == pagetable.Format16 {
		format16 = 1
	}
	gl.Uniform2f(r.page.Uniform("uBaseTile"), float32(it.BaseTile.X), float32(it.BaseTile.Y))
	gl.Uniform2f(r.page.Uniform("uSizeInTiles"), float32(it.SizeInTiles.X), float32(it.SizeInTiles.Y))
	gl.Uniform1f(r.page.Uniform("uTileSize"), float32(it.TileSize))
	gl.Uniform1f(r.page.Uniform("uBorder"), float32(it.Border))
	gl.Uniform1f(r.page.Uniform("uAtlasTiles"), float32(it.AtlasTiles))
	gl.Uniform1i(r.page.Uniform("uMaxLevel"), int32(it.MaxLevel))
	gl.Uniform1i(r.page.Uniform("uFormat16"), format16)
	return nil
}

// appendBox triangulates a box, with an optional hole, appending vertices
// whose texture coordinates span the outer box.
func (r *Renderer) appendBox(outer geom.Box, hole []geom.Point) (drawRange, error) {
	var triangles [][3]geom.Point
	var err error
	if hole != nil {
		triangles, err = earClip(outer.Corners(), hole)
	} else {
		triangles, err = earClip(outer.Corners())
	}
	if err != nil {
		return drawRange{}, err
	}

	first := int32(len(r.vertices) / floatsPerVertex)
	for _, tri := range triangles {
		for _, p := range tri {
			u, v := (p.X-outer.X)/outer.W, (p.Y-outer.Y)/outer.H
			r.vertices = append(r.vertices, float32(p.X), float32(p.Y), float32(u), float32(v))
		}
	}
	return drawRange{first: first, count: int32(len(triangles) * 3)}, nil
}

// appendOutline triangulates a ring around the box, a fixed width on screen.
func (r *Renderer) appendOutline(b geom.Box) (drawRange, error) {
	scale := r.worldToScreen.A
	if scale <= 0 {
		scale = 1
	}
	wd := outlineWidth / scale
	outer := geom.MakeBox(b.X-wd, b.Y-wd, b.W+2*wd, b.H+2*wd)
	return r.appendBox(outer, b.Corners())
}

// Release frees the GL objects.
func (r *Renderer) Release() {
	gl.DeleteBuffers(1, &r.vbo)
	gl.DeleteVertexArrays(1, &r.vao)
	r.page.Release()
	r.flat.Release()
}

// computeTransformMatrix computes the complete transformation matrix from world
// coordinates to OpenGL NDC.
func (r *Renderer) computeTransformMatrix() [16]float32 {
	return affineToMatrix4(r.applyScreenToNDCTransform(r.worldToScreen))
}

// applyScreenToNDCTransform converts screen coordinates to OpenGL NDC.
func (r *Renderer) applyScreenToNDCTransform(baseTransform geom.Affine) geom.Affine {
	screenToNDC := geom.MakeAffine(
		2.0/float64(r.w), 0, -1,
		0, -2.0/float64(r.h), 1,
	)
	return screenToNDC.Mul(baseTransform)
}

// affineToMatrix4 converts an affine transform to OpenGL 4x4 matrix format.
func affineToMatrix4(transform geom.Affine) [16]float32 {
	return [16]float32{
		float32(transform.A), float32(transform.D), 0, 0,
		float32(transform.B), float32(transform.E), 0, 0,
		0, 0, 1, 0,
		float32(transform.C), float32(transform.F), 0, 1,
	}
}
