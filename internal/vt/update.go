package vt

import (
	"image"
	"math"

	"github.com/irfansharif/vtex/internal/feedback"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/producer"
	"github.com/irfansharif/vtex/internal/request"
)

// Update runs one frame: feedback written by the GPU (FeedbackFrameDelay
// frames ago) and explicit tile requests are turned into loads, the most
// important ones up to the upload budget are produced and mapped, and the
// page tables are updated.
func (s *System) Update(buffers ...feedback.Buffer) error {
	s.stats = FrameStats{}

	if s.flushCaches {
		for _, ps := range s.physical {
			for _, t := range ps.pool.LockedTiles() {
				s.mappedTilesToProduce[producer.LocalTile{Producer: t.Producer, Address: t.Address, Level: t.Level}] = struct{}{}
			}
			ps.pool.EvictAllPages(s)
		}
		s.flushCaches = false
	}

	s.destroyPendingVirtualTextures()

	pages := feedback.NewUniquePageList()
	if s.cfg.EnableFeedback && len(buffers) > 0 {
		pages = feedback.Analyze(buffers, s.cfg.NumFeedbackTasks)
	}

	merged := request.New()
	s.collectLockRequests(merged)

	if explicit := s.takeRequestedTiles(); explicit.Len() > 0 {
		// Requested this frame, so valid for textures allocated up to now.
		s.gatherRequests(merged, explicit, s.frame)
	}
	if s.frame >= s.cfg.FeedbackFrameDelay {
		s.gatherRequests(merged, pages, s.frame-s.cfg.FeedbackFrameDelay)
	}

	merged.SortAndClamp(s.cfg.MaxUploadsPerFrame, s.cfg.LevelWeight)

	s.submitPreMapped()
	err := s.submitRequests(merged, true /* async */)

	s.lastFrame = s.stats
	s.frame++
	return err
}

// collectLockRequests locks the resident layers of tiles waiting to be
// locked and requests the rest.
func (s *System) collectLockRequests(list *request.List) {
	for _, t := range s.tilesToLock {
		p, ok := s.producers.Find(t.Producer)
		if !ok {
			continue
		}
		var mask uint8
		for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
			pool := s.physical[p.PhysicalSpaces[ll]].pool
			slot := pool.FindPageAddress(pagepool.Tile{Producer: t.Producer, Layer: ll, Address: t.Address, Level: t.Level})
			if slot == pagepool.NoSlot {
				mask |= 1 << ll
			} else {
				pool.Lock(slot)
			}
		}
		if mask != 0 {
			list.LockLoadRequest(t, mask)
		}
	}
	s.tilesToLock = s.tilesToLock[:0]
	clear(s.lockSet)
}

// LoadPendingTiles immediately loads and maps every tile requested through
// RequestTiles, ignoring the upload budget. Pending producer data is waited
// for.
func (s *System) LoadPendingTiles() error {
	pages := s.takeRequestedTiles()
	if pages.Len() == 0 {
		return nil
	}
	list := request.New()
	s.gatherRequests(list, pages, s.frame)
	return s.submitRequests(list, false /* async */)
}

func (s *System) takeRequestedTiles() *feedback.UniquePageList {
	s.requestedMu.Lock()
	tiles := s.requestedTiles
	s.requestedTiles = nil
	s.requestedMu.Unlock()

	pages := feedback.NewUniquePageList()
	for i, p := range tiles {
		if !pages.Add(p, 0xffff) {
			systemLogger.Printf("dropping %d explicitly requested tiles", len(tiles)-i)
			break
		}
	}
	return pages
}

// RequestTiles asks for the tiles of the texture covering region (in texels,
// empty meaning all of it) at the given level. They're loaded in the next
// Update or LoadPendingTiles.
func (s *System) RequestTiles(t *AllocatedTexture, level uint8, region image.Rectangle) {
	region = t.clipRegion(region)
	s.requestedMu.Lock()
	defer s.requestedMu.Unlock()
	s.requestTilesLocked(t, level, region)
}

// RequestTilesForRegion is RequestTiles for a region drawn at screenSize
// pixels. A negative mip picks the level that size samples, along with the
// next coarser one for trilinear filtering.
func (s *System) RequestTilesForRegion(t *AllocatedTexture, screenSize image.Point, region image.Rectangle, mip int) {
	region = t.clipRegion(region)
	if mip >= 0 {
		s.requestedMu.Lock()
		defer s.requestedMu.Unlock()
		s.requestTilesLocked(t, uint8(min(mip, int(t.maxLevel))), region)
		return
	}

	level := uint8(min(max(int(math.Floor(computeMipLevel(t, screenSize))), 0), int(t.maxLevel)))
	s.requestedMu.Lock()
	defer s.requestedMu.Unlock()
	s.requestTilesLocked(t, level, region)
	if level+1 <= t.maxLevel {
		s.requestTilesLocked(t, level+1, region)
	}
}

// computeMipLevel returns the mip level sampled when the texture is drawn at
// screenSize pixels.
func computeMipLevel(t *AllocatedTexture, screenSize image.Point) float64 {
	if screenSize.X <= 0 || screenSize.Y <= 0 {
		return 0
	}
	dx := float64(t.WidthInPixels()) / float64(screenSize.X)
	dy := float64(t.HeightInPixels()) / float64(screenSize.Y)
	return 0.5 * math.Log2(max(dx*dx, dy*dy))
}

func (t *AllocatedTexture) clipRegion(region image.Rectangle) image.Rectangle {
	bounds := image.Rect(0, 0, int(t.WidthInPixels()), int(t.HeightInPixels()))
	if region.Empty() {
		return bounds
	}
	return region.Intersect(bounds)
}

func (s *System) requestTilesLocked(t *AllocatedTexture, level uint8, region image.Rectangle) {
	if region.Empty() {
		return
	}
	tileSize := int(t.desc.TileSize)
	minX, minY := (region.Min.X>>level)/tileSize, (region.Min.Y>>level)/tileSize
	maxX := ((region.Max.X >> level) + tileSize - 1) / tileSize
	maxY := ((region.Max.Y >> level) + tileSize - 1) / tileSize

	baseX, baseY := t.BaseTile()
	baseX, baseY = baseX>>level, baseY>>level
	for y := minY; y < maxY; y++ {
		for x := minX; x < maxX; x++ {
			s.requestedTiles = append(s.requestedTiles,
				feedback.EncodePage(t.space.id, level, baseX+uint32(x), baseY+uint32(y)))
		}
	}
}
