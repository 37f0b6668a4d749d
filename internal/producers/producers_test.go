package producers

import (
	"context"
	"image"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/producer"
)

func testDesc(formats ...gpu.Format) producer.Description {
	return producer.Description{
		Name:           "test",
		Dimensions:     2,
		WidthInTiles:   4,
		HeightInTiles:  4,
		TileSize:       8,
		TileBorderSize: 1,
		MaxLevel:       2,
		LayerFormats:   formats,
	}
}

// atlas returns a 4x4 tile atlas for desc's first layer and a target at
// the given tile.
func atlas(t *testing.T, d *gpu.Headless, desc producer.Description, layer int, at image.Point) producer.Target {
	t.Helper()
	side := int(desc.PhysicalTileSize())
	tex, err := d.CreateTexture2D(image.Pt(4*side, 4*side), desc.LayerFormats[layer], 1)
	require.NoError(t, err)
	return producer.Target{Texture: tex, Location: at, TileSize: uint32(side)}
}

// tileOf reads back the target's tile.
func tileOf(t producer.Target) []byte {
	ht := t.Texture.(*gpu.HeadlessTexture)
	ts := int(t.TileSize)
	var out []byte
	for y := 0; y < ts; y++ {
		for x := 0; x < ts; x++ {
			out = append(out, ht.Texel(0, t.Location.X*ts+x, t.Location.Y*ts+y)...)
		}
	}
	return out
}

func TestPatternTexels(t *testing.T) {
	desc := testDesc(gpu.FormatRGBA8, gpu.FormatR8)
	p := NewPattern(desc)
	require.Len(t, p.Palette, 3)

	addr := morton.Encode2(1, 2)
	interior := p.Texel(0, addr, 3, 3)
	require.NotEqual(t, interior, p.Texel(1, addr, 3, 3), "levels differ in colour")
	require.NotEqual(t, interior, p.Texel(0, addr, 1, 3), "first column is darkened")

	rgba, err := p.PaintTile(0, 0, addr)
	require.NoError(t, err)
	require.Len(t, rgba, 10*10*4)
	r8, err := p.PaintTile(1, 0, addr)
	require.NoError(t, err)
	require.Len(t, r8, 10*10)

	bad := NewPattern(testDesc(gpu.FormatRGBA16F))
	_, err = bad.PaintTile(0, 0, 0)
	require.Error(t, err)
}

func TestProceduralProducesTargets(t *testing.T) {
	d := gpu.NewHeadless()
	desc := testDesc(gpu.FormatRGBA8, gpu.FormatR8)
	p := NewProcedural(d, desc)
	targets := []producer.Target{
		atlas(t, d, desc, 0, image.Pt(2, 1)),
		atlas(t, d, desc, 1, image.Pt(0, 3)),
	}

	require.Equal(t, producer.Available, p.RequestPageData(1, 0b11, 1, 3, producer.PriorityNormal).Status)
	require.Nil(t, p.ProducePageData(producer.ProduceNone, 1, 0b11, 1, 3, 0, targets))
	require.Equal(t, int64(1), p.Produced())

	for ll, target := range targets {
		want, err := p.Pattern().PaintTile(uint8(ll), 1, 3)
		require.NoError(t, err)
		require.Equal(t, want, tileOf(target), "layer %d", ll)
	}
	require.Equal(t, 2, d.Stats().Uploads)
}

func TestProceduralLocalMipBias(t *testing.T) {
	p := NewProcedural(gpu.NewHeadless(), testDesc(gpu.FormatRGBA8))
	require.Zero(t, p.LocalMipBias(0, morton.Encode2(3, 3)))

	p.SetDetail(image.Rect(0, 0, 2, 2), 2)
	require.Zero(t, p.LocalMipBias(0, morton.Encode2(1, 1)))
	require.Equal(t, uint8(2), p.LocalMipBias(0, morton.Encode2(3, 3)))
	require.Equal(t, uint8(1), p.LocalMipBias(1, morton.Encode2(1, 1)))
	require.Zero(t, p.LocalMipBias(2, 0))
}

func TestStreamedPendingUntilLoaded(t *testing.T) {
	d := gpu.NewHeadless()
	desc := testDesc(gpu.FormatRGBA8)
	pattern := NewPattern(desc)
	gate := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, layer, level uint8, address uint32) ([]byte, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return pattern.PaintTile(layer, level, address)
	})
	s := NewStreamed(d, desc, src, 1)
	defer s.Close()

	res := s.RequestPageData(1, 1, 0, 5, producer.PriorityNormal)
	require.Equal(t, producer.Pending, res.Status)
	require.Equal(t, producer.Pending, s.RequestPageData(1, 1, 0, 5, producer.PriorityNormal).Status)
	// The one load slot is taken.
	require.Equal(t, producer.Pending, s.RequestPageData(1, 1, 0, 6, producer.PriorityNormal).Status)
	require.Equal(t, 1, s.NumHeld())

	close(gate)
	s.Wait()
	avail := s.RequestPageData(1, 1, 0, 5, producer.PriorityNormal)
	require.Equal(t, producer.Available, avail.Status)
	require.Equal(t, res.Handle, avail.Handle)

	target := atlas(t, d, desc, 0, image.Pt(1, 1))
	s.ProducePageData(producer.ProduceNone, 1, 1, 0, 5, avail.Handle, []producer.Target{target})
	want, err := pattern.PaintTile(0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, want, tileOf(target))
	require.Zero(t, s.NumHeld())

	// Tiles never requested are loaded in place.
	other := atlas(t, d, desc, 0, image.Pt(0, 0))
	s.ProducePageData(producer.ProduceNone, 1, 1, 0, 6, 0, []producer.Target{other})
	want, err = pattern.PaintTile(0, 0, 6)
	require.NoError(t, err)
	require.Equal(t, want, tileOf(other))
}

func TestStreamedLoadErrors(t *testing.T) {
	desc := testDesc(gpu.FormatRGBA8)
	short := SourceFunc(func(context.Context, uint8, uint8, uint32) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	})
	s := NewStreamed(gpu.NewHeadless(), desc, short, 4)
	defer s.Close()
	require.Equal(t, producer.Pending, s.RequestPageData(1, 1, 0, 0, producer.PriorityNormal).Status)
	s.Wait()
	require.Equal(t, producer.Invalid, s.RequestPageData(1, 1, 0, 0, producer.PriorityNormal).Status)
	require.Zero(t, s.NumHeld())

	failing := SourceFunc(func(context.Context, uint8, uint8, uint32) ([]byte, error) {
		return nil, errors.New("disk on fire")
	})
	s2 := NewStreamed(gpu.NewHeadless(), desc, failing, 4)
	defer s2.Close()
	s2.RequestPageData(1, 1, 0, 0, producer.PriorityNormal)
	s2.Wait()
	require.Equal(t, producer.Invalid, s2.RequestPageData(1, 1, 0, 0, producer.PriorityNormal).Status)
}

func TestStreamedDropsStaleLoads(t *testing.T) {
	desc := testDesc(gpu.FormatRGBA8)
	s := NewStreamed(gpu.NewHeadless(), desc, PatternSource(NewPattern(desc)), 4)
	defer s.Close()

	// Tiles requested once and never produced don't accumulate.
	for i := 0; i < 1000; i++ {
		s.RequestPageData(1, 1, 0, uint32(i), producer.PriorityNormal)
		s.Wait()
	}
	require.LessOrEqual(t, s.NumHeld(), minHeld)

	// Tiles requested again stay loaded while others come and go.
	s.SetMaxHeld(8)
	require.LessOrEqual(t, s.NumHeld(), 8)
	warm := uint32(5000)
	s.RequestPageData(1, 1, 0, warm, producer.PriorityNormal)
	s.Wait()
	for i := 0; i < 100; i++ {
		require.Equal(t, producer.Available, s.RequestPageData(1, 1, 0, warm, producer.PriorityNormal).Status)
		s.RequestPageData(1, 1, 0, uint32(2000+i), producer.PriorityNormal)
		s.Wait()
		require.LessOrEqual(t, s.NumHeld(), 8)
	}

	// The first of the recent tiles was dropped; it's reloaded on request.
	require.Equal(t, producer.Pending, s.RequestPageData(1, 1, 0, 2000, producer.PriorityNormal).Status)
}

func TestRenderedBatchesCopies(t *testing.T) {
	d := gpu.NewHeadless()
	desc := testDesc(gpu.FormatRGBA8)
	r, err := NewRendered(d, desc, 2)
	require.NoError(t, err)
	defer r.Release()

	targets := make([]producer.Target, 3)
	for i := range targets {
		targets[i] = atlas(t, d, desc, 0, image.Pt(i, 1))
		fin := r.ProducePageData(producer.ProduceNone, 1, 1, 0, uint32(i), 0, targets[i:i+1])
		require.Equal(t, producer.Finalizer(r), fin)
	}
	// The strip filled up once.
	require.Equal(t, 1, r.Batches())
	require.Equal(t, 2, d.Stats().Copies)

	require.NoError(t, r.Finalize())
	require.Equal(t, 2, r.Batches())
	require.Equal(t, 3, d.Stats().Copies)
	for i, target := range targets {
		want, err := r.Pattern().PaintTile(0, 0, uint32(i))
		require.NoError(t, err)
		require.Equal(t, want, tileOf(target), "tile %d", i)
	}

	// Nothing drawn, nothing to copy.
	require.NoError(t, r.Finalize())
	require.Equal(t, 2, r.Batches())
}
