// Package app is the viewer: a scene of virtual textures placed on a canvas,
// a camera over it, and the feedback a GPU would write drawing it. It drives
// the paging system frame by frame without needing a window, so the same
// loop runs headless and behind the GL renderer.
package app

import (
	"context"
	"image"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/geom"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/pagetable"
	"github.com/irfansharif/vtex/internal/palette"
	"github.com/irfansharif/vtex/internal/producer"
	"github.com/irfansharif/vtex/internal/producers"
	"github.com/irfansharif/vtex/internal/vt"
)

var appLogger *log.Logger = log.New(io.Discard, "", 0)

func init() {
	if os.Getenv("VTEX_DEBUG_APP") == "1" {
		appLogger = log.New(os.Stdout, "[app] ", log.Ltime|log.Lmsgprefix)
	}
}

// Options configures the viewer.
type Options struct {
	// Kinds are cycled through as placements are added.
	Kinds []Kind
	// TileSize and TileBorder are in texels.
	TileSize   uint32
	TileBorder uint32
	// MinTiles and MaxTiles bound the side, in tiles, of generated textures.
	MinTiles, MaxTiles uint32
	// FeedbackScale is the downscaling factor of the feedback buffer.
	FeedbackScale int
	// StreamLatency delays every streamed tile load.
	StreamLatency time.Duration
	// StreamInFlight bounds concurrent loads per streamed producer.
	StreamInFlight int
	// RenderBatch is the tiles a rendered producer draws before copying.
	RenderBatch int
}

// DefaultOptions returns the options the binary runs with.
func DefaultOptions() Options {
	return Options{
		Kinds:          []Kind{KindProcedural, KindStreamed, KindRendered},
		TileSize:       64,
		TileBorder:     2,
		MinTiles:       8,
		MaxTiles:       32,
		FeedbackScale:  4,
		StreamLatency:  20 * time.Millisecond,
		StreamInFlight: 8,
		RenderBatch:    16,
	}
}

// App encapsulates the viewer state and the paging system it drives.
type App struct {
	System *vt.System
	Device gpu.Device
	Scene  *Scene
	View   *View

	opts    Options
	sources map[PlacementID]producer.VirtualTexture
}

// New creates a viewer over the system.
func New(system *vt.System, device gpu.Device, view *View, seed int64, opts Options) *App {
	if len(opts.Kinds) == 0 {
		opts.Kinds = DefaultOptions().Kinds
	}
	opts.MinTiles = max(opts.MinTiles, 1)
	opts.MaxTiles = max(opts.MaxTiles, opts.MinTiles)
	return &App{
		System:  system,
		Device:  device,
		Scene:   NewScene(seed),
		View:    view,
		opts:    opts,
		sources: make(map[PlacementID]producer.VirtualTexture),
	}
}

// Options returns the viewer options.
func (a *App) Options() Options { return a.opts }

// Source returns the producer implementation backing a placement.
func (a *App) Source(id PlacementID) (producer.VirtualTexture, bool) {
	s, ok := a.sources[id]
	return s, ok
}

func ceilLog2(v uint32) uint8 {
	n := uint8(0)
	for (uint32(1) << n) < v {
		n++
	}
	return n
}

// AddPlacement creates a texture, backed by the next kind of producer, centered
// at the canvas position. Its size and palette derive from a fresh seed.
func (a *App) AddPlacement(canvasX, canvasY float64) (*Placement, error) {
	seed := a.Scene.NextSeed()
	rng := rand.New(rand.NewSource(seed))
	kind := a.opts.Kinds[int(a.Scene.NextID())%len(a.opts.Kinds)]

	span := int(a.opts.MaxTiles - a.opts.MinTiles + 1)
	w := a.opts.MinTiles + uint32(rng.Intn(span))
	h := a.opts.MinTiles + uint32(rng.Intn(span))
	desc := producer.Description{
		Name:                 kind.String(),
		Dimensions:           2,
		WidthInTiles:         w,
		HeightInTiles:        h,
		DepthInTiles:         1,
		TileSize:             a.opts.TileSize,
		TileBorderSize:       a.opts.TileBorder,
		MaxLevel:             ceilLog2(max(w, h)),
		LayerFormats:         []gpu.Format{gpu.FormatRGBA8},
		PersistentHighestMip: true,
	}

	src, err := a.newSource(kind, desc, rng)
	if err != nil {
		return nil, err
	}
	handle, err := a.System.RegisterProducer(desc, src)
	if err != nil {
		closeSource(src)
		return nil, errors.Wrapf(err, "registering %s producer", kind)
	}

	var layers [producer.MaxLayers]vt.LayerBinding
	layers[0] = vt.LayerBinding{Producer: handle}
	tex, err := a.System.AllocateVirtualTexture(vt.TextureDescription{
		Dimensions:     2,
		TileSize:       desc.TileSize,
		TileBorderSize: desc.TileBorderSize,
		NumLayers:      1,
		Layers:         layers,
	})
	if err != nil {
		_ = a.System.ReleaseProducer(handle)
		closeSource(src)
		return nil, errors.Wrapf(err, "allocating %dx%d texture", w, h)
	}

	p := a.Scene.Add(&Placement{
		Kind:      kind,
		Producer:  handle,
		Texture:   tex,
		CanvasPos: geom.MakePoint(canvasX, canvasY),
		Scale:     1,
		Seed:      seed,
	})
	a.sources[p.ID] = src
	appLogger.Printf("placement %d: %s %dx%d tiles at (%.0f,%.0f)", p.ID, kind, w, h, canvasX, canvasY)
	return p, nil
}

func (a *App) newSource(kind Kind, desc producer.Description, rng *rand.Rand) (producer.VirtualTexture, error) {
	switch kind {
	case KindProcedural:
		p := producers.NewProcedural(a.Device, desc)
		p.Pattern().Palette = palette.Random(rng, int(desc.MaxLevel)+1)
		return p, nil
	case KindStreamed:
		pattern := producers.NewPattern(desc)
		pattern.Palette = palette.Random(rng, int(desc.MaxLevel)+1)
		src := producers.PatternSource(pattern)
		if latency := a.opts.StreamLatency; latency > 0 {
			inner := src
			src = producers.SourceFunc(func(ctx context.Context, layer, level uint8, address uint32) ([]byte, error) {
				select {
				case <-time.After(latency):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return inner.LoadTile(ctx, layer, level, address)
			})
		}
		return producers.NewStreamed(a.Device, desc, src, a.opts.StreamInFlight), nil
	case KindRendered:
		r, err := producers.NewRendered(a.Device, desc, a.opts.RenderBatch)
		if err != nil {
			return nil, errors.Wrap(err, "creating rendered producer")
		}
		r.Pattern().Palette = palette.Random(rng, int(desc.MaxLevel)+1)
		return r, nil
	default:
		return nil, errors.Newf("unknown kind %d", kind)
	}
}

func closeSource(s producer.VirtualTexture) {
	switch s := s.(type) {
	case *producers.Streamed:
		s.Close()
	case *producers.Rendered:
		s.Release()
	}
}

// Remove releases a placement's texture and producer.
func (a *App) Remove(id PlacementID) error {
	p, ok := a.Scene.Remove(id)
	if !ok {
		return nil
	}
	a.System.ReleaseVirtualTexture(p.Texture)
	err := a.System.ReleaseProducer(p.Producer)
	if src, ok := a.sources[id]; ok {
		closeSource(src)
		delete(a.sources, id)
	}
	return errors.Wrapf(err, "removing placement %d", id)
}

// RemoveClosest removes up to n placements closest to the canvas position.
func (a *App) RemoveClosest(canvasX, canvasY float64, n int) (int, error) {
	closest := a.Scene.FindClosest(canvasX, canvasY)
	n = min(n, len(closest))
	for i := 0; i < n; i++ {
		if err := a.Remove(closest[i].ID); err != nil {
			return i, err
		}
	}
	return n, nil
}

// Step runs one frame: it rasterizes the scene's feedback from the current
// view and hands it to the system.
func (a *App) Step() error {
	buf := a.Scene.Rasterize(a.View, a.opts.FeedbackScale)
	return a.System.Update(buf)
}

// Resolution describes what the page table holds under a canvas point.
type Resolution struct {
	Placement *Placement
	// Level is the level the point is sampled at, MappedLevel the level of the
	// tile it resolves to.
	Level, MappedLevel uint8
	// Physical is the tile's position in the atlas, in tiles.
	Physical image.Point
	Mapped   bool
}

// Resolve looks the canvas point up in the page table the way the page
// shader does.
func (a *App) Resolve(pt geom.Point) (Resolution, bool) {
	p, ok := a.Scene.At(pt)
	if !ok {
		return Resolution{}, false
	}
	t := p.Texture
	res := Resolution{Placement: p, Level: samplingLevel(p, a.View.Zoom)}

	b := p.Bounds()
	tileSize := float64(t.Description().TileSize)
	tx := min(uint32((pt.X-b.X)/p.Scale/tileSize), t.WidthInTiles()-1)
	ty := min(uint32((pt.Y-b.Y)/p.Scale/tileSize), t.HeightInTiles()-1)
	baseX, baseY := t.BaseTile()

	table := t.Space().PageTable(0)
	entry := table.Entry(res.Level, (baseX+tx)>>res.Level, (baseY+ty)>>res.Level)
	x, y, level, mapped := entry.Unpack(table.Format())
	if mapped {
		res.MappedLevel, res.Physical, res.Mapped = level, image.Pt(int(x), int(y)), true
	}
	return res, true
}

// DrawItem carries what the renderer needs to draw a placement.
type DrawItem struct {
	Bounds      geom.Box
	PageTable   gpu.Texture
	Format      pagetable.Format
	Atlas       gpu.Texture
	AtlasTiles  uint32
	TileSize    uint32
	Border      uint32
	BaseTile    image.Point
	SizeInTiles image.Point
	MaxLevel    uint8
	Selected    bool
}

// DrawList returns the visible placements in draw order.
func (a *App) DrawList() []DrawItem {
	visible := a.View.Visible()
	current, _ := a.Scene.Current()
	var items []DrawItem
	for _, p := range a.Scene.Placements() {
		b := p.Bounds()
		if b.Intersect(visible).Empty() {
			continue
		}
		t := p.Texture
		sp, ps := t.Space(), t.PhysicalSpace(0)
		x, y := t.BaseTile()
		items = append(items, DrawItem{
			Bounds:      b,
			PageTable:   sp.PageTableTexture(0),
			Format:      sp.Description().Format,
			Atlas:       ps.Texture(),
			AtlasTiles:  ps.SideInTiles(),
			TileSize:    t.Description().TileSize,
			Border:      t.Description().TileBorderSize,
			BaseTile:    image.Pt(int(x), int(y)),
			SizeInTiles: image.Pt(int(t.WidthInTiles()), int(t.HeightInTiles())),
			MaxLevel:    t.MaxLevel(),
			Selected:    p == current,
		})
	}
	return items
}

// Close releases every placement.
func (a *App) Close() error {
	var errs []error
	for _, p := range a.Scene.Placements() {
		if err := a.Remove(p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
