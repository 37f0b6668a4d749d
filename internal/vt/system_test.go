package vt

import (
	"image"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/irfansharif/vtex/internal/config"
	"github.com/irfansharif/vtex/internal/feedback"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagemap"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/pagetable"
	"github.com/irfansharif/vtex/internal/producer"
)

type produced struct {
	flags   producer.ProduceFlags
	mask    uint8
	level   uint8
	address uint32
}

type countingFinalizer struct{ calls int }

func (f *countingFinalizer) Finalize() error {
	f.calls++
	return nil
}

type fakeProducer struct {
	mu        sync.Mutex
	status    producer.RequestStatus
	requests  int
	produced  []produced
	finalizer producer.Finalizer
}

func (f *fakeProducer) RequestPageData(_ producer.Handle, _ uint8, _ uint8, _ uint32, _ producer.Priority) producer.RequestResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return producer.RequestResult{Status: f.status}
}

func (f *fakeProducer) ProducePageData(
	flags producer.ProduceFlags, _ producer.Handle, mask uint8, level uint8, address uint32, _ uint64, targets []producer.Target,
) producer.Finalizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ll := range targets {
		if mask&(1<<ll) != 0 && targets[ll].Texture == nil {
			panic("missing target")
		}
	}
	f.produced = append(f.produced, produced{flags: flags, mask: mask, level: level, address: address})
	return f.finalizer
}

func (f *fakeProducer) LocalMipBias(uint8, uint32) uint8 { return 0 }

func (f *fakeProducer) setStatus(s producer.RequestStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FeedbackFrameDelay = 0
	cfg.PoolSizeInTiles = 4
	return cfg
}

func producerDesc(w, h uint32, maxLevel uint8, formats ...gpu.Format) producer.Description {
	if len(formats) == 0 {
		formats = []gpu.Format{gpu.FormatRGBA8}
	}
	return producer.Description{
		Name:          "test",
		Dimensions:    2,
		WidthInTiles:  w,
		HeightInTiles: h,
		TileSize:      4,
		MaxLevel:      maxLevel,
		LayerFormats:  formats,
	}
}

func register(t *testing.T, s *System, desc producer.Description) (producer.Handle, *fakeProducer) {
	t.Helper()
	fp := &fakeProducer{}
	h, err := s.RegisterProducer(desc, fp)
	require.NoError(t, err)
	return h, fp
}

func textureDesc(h producer.Handle, numLayers int) TextureDescription {
	d := TextureDescription{Dimensions: 2, TileSize: 4, NumLayers: uint8(numLayers)}
	for l := 0; l < numLayers; l++ {
		d.Layers[l] = LayerBinding{Producer: h, LocalLayer: uint8(l)}
	}
	return d
}

func allocate(t *testing.T, s *System, desc TextureDescription) *AllocatedTexture {
	t.Helper()
	tex, err := s.AllocateVirtualTexture(desc)
	require.NoError(t, err)
	return tex
}

// page returns the feedback value for tile (x, y) of the texture at level.
func page(tex *AllocatedTexture, level uint8, x, y uint32) feedback.Page {
	bx, by := tex.BaseTile()
	return feedback.EncodePage(tex.SpaceID(), level, (bx>>level)+x, (by>>level)+y)
}

func feedbackOf(pages ...feedback.Page) feedback.Buffer {
	data := make([]uint32, len(pages))
	for i, p := range pages {
		data[i] = uint32(p)
	}
	return feedback.Buffer{Data: data, Width: len(data), Height: 1}
}

func mapped(tex *AllocatedTexture, layer, level uint8, x, y uint32) (pagemap.Mapping, bool) {
	bx, by := tex.BaseTile()
	return tex.Space().PageMap(layer).FindPage(level, morton.Encode2(bx+(x<<level), by+(y<<level)))
}

func slotOf(tex *AllocatedTexture, h producer.Handle, layer, level uint8, x, y uint32) uint16 {
	tile := pagepool.Tile{Producer: h, Layer: layer, Address: morton.Encode2(x, y), Level: level}
	return tex.PhysicalSpace(int(layer)).Pool().FindPageAddress(tile)
}

func requireEntry(t *testing.T, tex *AllocatedTexture, slot uint16, level uint8, mip uint8, x, y uint32) {
	t.Helper()
	require.NotEqual(t, pagepool.NoSlot, slot)
	px, py := tex.PhysicalSpace(0).Location(slot)
	bx, by := tex.BaseTile()
	table := tex.Space().PageTable(0)
	require.Equal(t, pagetable.Pack(table.Format(), px, py, level), table.Entry(mip, (bx>>mip)+x, (by>>mip)+y))
}

func TestLoadsRequestedTileAndPrefetch(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	require.Equal(t, uint8(2), tex.MaxLevel())

	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 1))))

	// Nothing is resident, so a tile two levels coarser is loaded alongside,
	// and goes first.
	require.Equal(t, []produced{
		{mask: 1, level: 1, address: 0},
		{mask: 1, level: 0, address: morton.Encode2(1, 1)},
	}, fp.produced)

	mp, ok := mapped(tex, 0, 0, 1, 1)
	require.True(t, ok)
	require.Equal(t, uint8(0), mp.MappedLevel)
	mp, ok = mapped(tex, 0, 1, 0, 0)
	require.True(t, ok)
	require.Equal(t, uint8(1), mp.MappedLevel)

	fine := slotOf(tex, h, 0, 0, 1, 1)
	coarse := slotOf(tex, h, 0, 1, 0, 0)
	requireEntry(t, tex, fine, 0, 0, 1, 1)
	requireEntry(t, tex, coarse, 1, 0, 0, 0)
	requireEntry(t, tex, coarse, 1, 1, 0, 0)
	require.NoError(t, s.Validate())

	// Resident pages only touch the LRU.
	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 1))))
	require.Len(t, fp.produced, 2)
	last := s.Stats().LastFrame
	require.Zero(t, last.LoadsRequested)
	require.Equal(t, int64(1), last.PagesResident)
	require.Equal(t, uint32(3), s.Frame())
}

func TestUploadBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadsPerFrame = 3
	s := New(cfg, gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))

	var pages []feedback.Page
	for y := uint32(0); y < 4; y++ {
		for x := uint32(0); x < 4; x++ {
			pages = append(pages, page(tex, 0, x, y))
		}
	}
	require.NoError(t, s.Update(feedbackOf(pages...)))

	require.Len(t, fp.produced, 3)
	for _, p := range fp.produced {
		require.Equal(t, uint8(1), p.level, "coarser, more requested tiles first")
	}
	require.Equal(t, 3, tex.PhysicalSpace(0).Pool().NumOccupied())
	require.Equal(t, int64(3), s.Stats().LastFrame.LoadsProduced)
}

func TestFeedbackFrameDelay(t *testing.T) {
	cfg := testConfig()
	cfg.FeedbackFrameDelay = 2
	s := New(cfg, gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	fb := feedbackOf(page(tex, 2, 0, 0))

	// Too early for any feedback, then feedback from before the texture was
	// allocated.
	require.NoError(t, s.Update(fb))
	require.NoError(t, s.Update(fb))
	require.Empty(t, fp.produced)

	require.NoError(t, s.Update(fb))
	require.Len(t, fp.produced, 1)
}

func TestGatherTaskCountDeterministic(t *testing.T) {
	run := func(tasks int) ([]produced, []pagemap.Mapping) {
		cfg := testConfig()
		cfg.NumGatherTasks = tasks
		cfg.MaxUploadsPerFrame = 1024
		cfg.PoolSizeInTiles = 32
		s := New(cfg, gpu.NewHeadless())
		h, fp := register(t, s, producerDesc(32, 32, 5))
		tex := allocate(t, s, textureDesc(h, 1))

		var pages []feedback.Page
		for y := uint32(0); y < 18; y++ {
			for x := uint32(0); x < 18; x++ {
				pages = append(pages, page(tex, 0, x, y))
			}
		}
		for y := uint32(0); y < 9; y++ {
			for x := uint32(0); x < 9; x++ {
				pages = append(pages, page(tex, 1, x, y))
			}
		}
		require.NoError(t, s.Update(feedbackOf(pages...)))
		require.NoError(t, s.Update(feedbackOf(pages...)))
		require.NoError(t, s.Validate())
		return fp.produced, tex.Space().PageMap(0).Mappings()
	}

	wantProduced, wantMappings := run(1)
	require.NotEmpty(t, wantProduced)
	for _, tasks := range []int{2, 4, 8, 16} {
		gotProduced, gotMappings := run(tasks)
		require.Equal(t, wantProduced, gotProduced, "tasks=%d", tasks)
		require.Equal(t, wantMappings, gotMappings, "tasks=%d", tasks)
	}
}

func TestSharedProducerSlotMappedTwice(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	a := allocate(t, s, textureDesc(h, 1))
	bDesc := textureDesc(h, 1)
	bDesc.PrivateSpace = true
	b := allocate(t, s, bDesc)
	require.NotEqual(t, a.SpaceID(), b.SpaceID())

	require.NoError(t, s.Update(feedbackOf(page(a, 2, 0, 0))))
	require.NoError(t, s.Update(feedbackOf(page(b, 2, 0, 0))))

	require.Len(t, fp.produced, 1, "resident tile mapped directly")
	slot := slotOf(a, h, 0, 2, 0, 0)
	require.Len(t, a.PhysicalSpace(0).Pool().Mappings(slot), 2)
	_, ok := mapped(b, 0, 2, 0, 0)
	require.True(t, ok)
	require.NoError(t, s.Validate())
}

func TestStaleProducerHandle(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	require.NoError(t, s.ReleaseProducer(h))

	_, err := s.AllocateVirtualTexture(textureDesc(h, 1))
	require.True(t, errors.Is(err, producer.ErrStaleHandle), "%v", err)
	require.True(t, errors.Is(s.ReleaseProducer(h), producer.ErrStaleHandle))

	// The slot is reused under a new generation.
	h2, _ := register(t, s, producerDesc(4, 4, 2))
	require.Equal(t, h.Index(), h2.Index())
	require.NotEqual(t, h, h2)
}

func TestReleaseProducerEvictsTiles(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	fb := feedbackOf(page(tex, 0, 1, 1))
	require.NoError(t, s.Update(fb))
	require.NotZero(t, tex.PhysicalSpace(0).Pool().NumOccupied())

	require.NoError(t, s.ReleaseProducer(h))
	require.Zero(t, tex.PhysicalSpace(0).Pool().NumOccupied())
	require.Zero(t, tex.Space().PageMap(0).NumMappings())
	require.NoError(t, s.Validate())

	// Feedback for the orphaned texture is ignored.
	require.NoError(t, s.Update(fb))
	require.Zero(t, s.Stats().LastFrame.LoadsRequested)
}

func TestInvalidDescriptions(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	_, err := s.RegisterProducer(producerDesc(4, 4, 3), &fakeProducer{})
	require.True(t, errors.Is(err, ErrInvalidDescription))
	desc := producerDesc(4, 4, 2)
	desc.Dimensions = 3
	_, err = s.RegisterProducer(desc, &fakeProducer{})
	require.True(t, errors.Is(err, ErrInvalidDescription))

	h, _ := register(t, s, producerDesc(4, 4, 2))
	td := textureDesc(h, 1)
	td.Layers[0].LocalLayer = 1
	_, err = s.AllocateVirtualTexture(td)
	require.True(t, errors.Is(err, ErrInvalidDescription))

	_, err = s.RegisterProducer(producerDesc(8192, 8192, 13), &fakeProducer{})
	require.NoError(t, err)
}

func TestPartialLayerAllocationFails(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSizeInTiles = 2
	s := New(cfg, gpu.NewHeadless())

	// b fills the shared R8 pool with locked tiles.
	hb, _ := register(t, s, producerDesc(2, 2, 1, gpu.FormatR8))
	for y := uint32(0); y < 2; y++ {
		for x := uint32(0); x < 2; x++ {
			s.LockTile(producer.LocalTile{Producer: hb, Address: morton.Encode2(x, y), Level: 0})
		}
	}
	require.NoError(t, s.Update())

	ha, fa := register(t, s, producerDesc(2, 2, 1, gpu.FormatRGBA8, gpu.FormatR8))
	tex := allocate(t, s, textureDesc(ha, 2))
	r8 := tex.PhysicalSpace(1).Pool()
	require.Equal(t, 4, r8.NumLockedPages())

	require.NoError(t, s.Update(feedbackOf(page(tex, 1, 0, 0))))
	require.Empty(t, fa.produced)
	require.Zero(t, tex.PhysicalSpace(0).Pool().NumOccupied(), "partial allocation freed")
	require.Equal(t, 4, r8.NumLockedPages())
	require.NoError(t, s.Validate())
}

func TestPersistentHighestMip(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	desc := producerDesc(4, 4, 2)
	desc.PersistentHighestMip = true
	h, fp := register(t, s, desc)
	tex := allocate(t, s, textureDesc(h, 1))

	require.NoError(t, s.Update())
	require.Equal(t, []produced{{mask: 1, level: 2, address: 0}}, fp.produced)
	require.Equal(t, 1, tex.PhysicalSpace(0).Pool().NumLockedPages())
	_, ok := mapped(tex, 0, 2, 0, 0)
	require.True(t, ok)
	require.Empty(t, s.toMap)

	// Textures allocated later pick up the resident tile.
	bDesc := textureDesc(h, 1)
	bDesc.PrivateSpace = true
	b := allocate(t, s, bDesc)
	require.NoError(t, s.Update())
	_, ok = mapped(b, 0, 2, 0, 0)
	require.True(t, ok)
	require.Len(t, fp.produced, 1)
	require.NoError(t, s.Validate())
}

func TestLockAndUnlockTile(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	pool := tex.PhysicalSpace(0).Pool()

	tile := producer.LocalTile{Producer: h, Address: morton.Encode2(1, 0), Level: 1}
	s.LockTile(tile)
	s.LockTile(tile)
	require.NoError(t, s.Update())
	require.Equal(t, 1, pool.NumLockedPages())

	s.UnlockTile(tile)
	require.Zero(t, pool.NumLockedPages())
	require.Equal(t, 1, pool.NumOccupied())
	require.NoError(t, s.Validate())
}

func TestEvictionFallsBackToAncestor(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSizeInTiles = 2
	s := New(cfg, gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))

	require.NoError(t, s.Update(feedbackOf(page(tex, 1, 0, 0))))
	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 0, 0))))
	coarse := slotOf(tex, h, 0, 1, 0, 0)
	requireEntry(t, tex, slotOf(tex, h, 0, 0, 0, 0), 0, 0, 0, 0)

	// Three more fine tiles need the least recently used slot, the fine tile
	// from the last frame; the coarse one was touched since.
	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 0), page(tex, 0, 0, 1), page(tex, 0, 1, 1))))
	_, ok := mapped(tex, 0, 0, 0, 0)
	require.False(t, ok)
	require.Equal(t, pagepool.NoSlot, slotOf(tex, h, 0, 0, 0, 0))
	requireEntry(t, tex, coarse, 1, 0, 0, 0)
	requireEntry(t, tex, slotOf(tex, h, 0, 0, 1, 1), 0, 0, 1, 1)
	require.NoError(t, s.Validate())
}

func TestSpaceGrows(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSizeInTiles = 2
	s := New(cfg, gpu.NewHeadless())
	h1, _ := register(t, s, producerDesc(16, 16, 4))
	h2, _ := register(t, s, producerDesc(16, 16, 4))

	a := allocate(t, s, textureDesc(h1, 1))
	require.Equal(t, uint8(4), a.Space().LogSize())
	b := allocate(t, s, textureDesc(h2, 1))
	require.Equal(t, a.SpaceID(), b.SpaceID())
	require.Equal(t, uint8(5), a.Space().LogSize())
	require.Equal(t, uint8(5), a.Space().PageTable(0).LogSize())
	require.Equal(t, image.Pt(32, 32), a.Space().PageTableTexture(0).Size())
	require.NotEqual(t, a.VirtualAddress(), b.VirtualAddress())
	require.NoError(t, s.Validate())
}

func TestReleaseVirtualTexture(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	desc := textureDesc(h, 1)
	tex := allocate(t, s, desc)
	require.Same(t, tex, allocate(t, s, desc))

	require.NoError(t, s.Update(feedbackOf(page(tex, 2, 0, 0))))
	slot := slotOf(tex, h, 0, 2, 0, 0)
	pool := tex.PhysicalSpace(0).Pool()
	require.Len(t, pool.Mappings(slot), 1)

	s.ReleaseVirtualTexture(tex)
	require.Equal(t, 1, s.Stats().Textures)
	s.ReleaseVirtualTexture(tex)
	require.Zero(t, s.Stats().Textures)
	require.Empty(t, pool.Mappings(slot))
	require.Zero(t, tex.Space().PageMap(0).NumMappings())
	require.Zero(t, tex.Space().allocator.NumAllocations())
	require.Equal(t, 1, pool.NumOccupied(), "tiles stay cached")
	require.NoError(t, s.Validate())

	again := allocate(t, s, desc)
	require.NotSame(t, tex, again)
	require.Equal(t, tex.SpaceID(), again.SpaceID())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ReleaseVirtualTextureAsync(again)
	}()
	wg.Wait()
	require.Equal(t, 1, s.Stats().Textures)
	require.NoError(t, s.Update())
	require.Zero(t, s.Stats().Textures)
}

func TestFlushCacheReproducesLockedTiles(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	desc := producerDesc(4, 4, 2)
	desc.PersistentHighestMip = true
	h, fp := register(t, s, desc)
	tex := allocate(t, s, textureDesc(h, 1))
	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 1))))
	pool := tex.PhysicalSpace(0).Pool()
	require.Equal(t, 3, pool.NumOccupied())

	s.FlushCache()
	require.NoError(t, s.Update())
	require.Equal(t, 1, pool.NumOccupied())
	require.Equal(t, produced{mask: 1, level: 2, address: 0}, fp.produced[len(fp.produced)-1])
	_, ok := mapped(tex, 0, 0, 1, 1)
	require.False(t, ok)
	require.NoError(t, s.Validate())
}

func TestPendingRequestsRetried(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	fp.setStatus(producer.Pending)

	fb := feedbackOf(page(tex, 2, 0, 0))
	require.NoError(t, s.Update(fb))
	require.Empty(t, fp.produced)
	require.Equal(t, 1, fp.requests)
	require.Zero(t, tex.PhysicalSpace(0).Pool().NumOccupied())

	fp.setStatus(producer.Available)
	require.NoError(t, s.Update(fb))
	require.Len(t, fp.produced, 1)
}

func TestExplicitRequests(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	fp.setStatus(producer.Pending)
	frame := s.Frame()

	// 16 texels drawn over 4 pixels samples level 2, the coarsest.
	s.RequestTilesForRegion(tex, image.Pt(4, 4), image.Rectangle{}, -1)
	require.NoError(t, s.LoadPendingTiles())
	require.Equal(t, []produced{{mask: 1, level: 2, address: 0}}, fp.produced)

	s.RequestTiles(tex, 0, image.Rect(0, 0, 8, 4))
	require.NoError(t, s.LoadPendingTiles())
	require.Equal(t, []produced{
		{mask: 1, level: 2, address: 0},
		{mask: 1, level: 0, address: morton.Encode2(0, 0)},
		{mask: 1, level: 0, address: morton.Encode2(1, 0)},
	}, fp.produced)
	require.Equal(t, frame, s.Frame())
	require.NoError(t, s.LoadPendingTiles(), "nothing pending")

	_, ok := mapped(tex, 0, 0, 1, 0)
	require.True(t, ok)
	require.NoError(t, s.Validate())
}

func TestComputeMipLevel(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	require.InDelta(t, 0, computeMipLevel(tex, image.Pt(16, 16)), 1e-9)
	require.InDelta(t, 1, computeMipLevel(tex, image.Pt(8, 16)), 1e-9)
	require.InDelta(t, 2, computeMipLevel(tex, image.Pt(4, 4)), 1e-9)
}

func TestContinuousUpdate(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	desc := producerDesc(4, 4, 2)
	desc.ContinuousUpdate = true
	h, fp := register(t, s, desc)
	tex := allocate(t, s, textureDesc(h, 1))
	fb := feedbackOf(page(tex, 2, 0, 0))

	require.NoError(t, s.Update(fb))
	require.NoError(t, s.Update(fb))
	require.Equal(t, []produced{
		{mask: 1, level: 2, address: 0},
		{flags: producer.ProduceContinuous, mask: 1, level: 2, address: 0},
	}, fp.produced)
	require.Equal(t, int64(1), s.Stats().LastFrame.ContinuousUpdates)
}

func TestFinalizersRunOncePerFrame(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, fp := register(t, s, producerDesc(4, 4, 2))
	fin := &countingFinalizer{}
	fp.finalizer = fin
	tex := allocate(t, s, textureDesc(h, 1))

	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 1))))
	require.Len(t, fp.produced, 2)
	require.Equal(t, 1, fin.calls)
	require.NoError(t, s.Update())
	require.Equal(t, 1, fin.calls)
}

func TestStats(t *testing.T) {
	s := New(testConfig(), gpu.NewHeadless())
	h, _ := register(t, s, producerDesc(4, 4, 2))
	tex := allocate(t, s, textureDesc(h, 1))
	require.NoError(t, s.Update(feedbackOf(page(tex, 0, 1, 1))))

	st := s.Stats()
	require.Equal(t, 1, st.Producers)
	require.Equal(t, 1, st.Textures)
	require.Len(t, st.Spaces, 1)
	require.Equal(t, 2, st.Spaces[0].Mappings)
	require.Equal(t, uint64(16), st.Spaces[0].AllocatedPages)
	require.Len(t, st.PhysicalSpaces, 1)
	require.Equal(t, 2, st.PhysicalSpaces[0].Occupied)
	require.Equal(t, 16, st.PhysicalSpaces[0].Slots)
	require.NotZero(t, st.LastFrame.PageTableQuads)
	s.PrintStats()

	require.Equal(t, "███░", makeUtilizationBar(0.75, 4))
	require.Equal(t, "1.5K", formatNumber(1500))
	require.Equal(t, "2.0M", formatNumber(2000000))
}
