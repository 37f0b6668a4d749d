// Package vt is the virtual texture paging core. A System owns the
// page-table spaces, the physical tile atlases, the registered producers and
// the allocated virtual textures, and runs the per-frame cycle that turns
// feedback into loaded and mapped tiles.
//
// All methods must be called from one goroutine, the one driving Update,
// except ReleaseVirtualTextureAsync and the RequestTiles family.
package vt

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/config"
	"github.com/irfansharif/vtex/internal/feedback"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/pagetable"
	"github.com/irfansharif/vtex/internal/producer"
)

var systemLogger *log.Logger = log.New(io.Discard, "", 0)
var gatherLogger *log.Logger = log.New(io.Discard, "", 0)

func init() {
	if os.Getenv("VTEX_DEBUG_SYSTEM") == "1" {
		systemLogger = log.New(os.Stdout, "[system] ", log.Ltime|log.Lmsgprefix)
	}
	if os.Getenv("VTEX_DEBUG_GATHER") == "1" {
		gatherLogger = log.New(os.Stdout, "[gather] ", log.Ltime|log.Lmsgprefix)
	}
}

var (
	// ErrTooManySpaces is returned when every page-table space is in use.
	ErrTooManySpaces = errors.New("out of page table spaces")
	// ErrTooManyPhysicalSpaces is returned when no more physical spaces can
	// be created.
	ErrTooManyPhysicalSpaces = errors.New("out of physical spaces")
	// ErrSpaceFull is returned when a space can't fit a texture even at its
	// maximum size.
	ErrSpaceFull = errors.New("page table space full")
	// ErrTooLarge is returned for textures larger than any space.
	ErrTooLarge = errors.New("texture too large")
	// ErrInvalidDescription is returned for malformed descriptions.
	ErrInvalidDescription = errors.New("invalid description")
)

// System is the virtual texture paging core.
type System struct {
	cfg    config.Config
	device gpu.Device
	frame  uint32

	producers *producer.Registry
	spaces    [MaxSpaces]*Space
	physical  []*PhysicalSpace
	textures  map[TextureDescription]*AllocatedTexture
	toMap     []*AllocatedTexture

	tilesToLock []producer.LocalTile
	lockSet     map[producer.LocalTile]struct{}

	// Resident tiles to produce again: locked tiles after a cache flush, and
	// tiles of continuously updated producers seen this frame.
	mappedTilesToProduce map[producer.LocalTile]struct{}
	continuousMu         sync.Mutex
	continuousTiles      map[producer.LocalTile]struct{}

	finalizers  []producer.Finalizer
	flushCaches bool

	requestedMu    sync.Mutex
	requestedTiles []feedback.Page

	pendingDeleteMu sync.Mutex
	pendingDelete   []*AllocatedTexture

	stats     FrameStats
	lastFrame FrameStats
}

// New returns a system allocating GPU resources through device.
func New(cfg config.Config, device gpu.Device) *System {
	cfg.Clamp()
	return &System{
		cfg:                  cfg,
		device:               device,
		frame:                1, // free slots look used in frame 0
		producers:            producer.NewRegistry(),
		textures:             make(map[TextureDescription]*AllocatedTexture),
		lockSet:              make(map[producer.LocalTile]struct{}),
		mappedTilesToProduce: make(map[producer.LocalTile]struct{}),
		continuousTiles:      make(map[producer.LocalTile]struct{}),
	}
}

// Close releases every GPU resource.
func (s *System) Close() {
	for i, sp := range s.spaces {
		if sp != nil {
			sp.release(s.device)
			s.spaces[i] = nil
		}
	}
	for _, ps := range s.physical {
		s.device.ReleaseTexture(ps.texture)
	}
	s.physical = nil
	s.textures = make(map[TextureDescription]*AllocatedTexture)
	s.toMap = nil
}

// Config returns the configuration in use.
func (s *System) Config() config.Config { return s.cfg }

// Frame returns the current frame number.
func (s *System) Frame() uint32 { return s.frame }

// Space returns the page-table space with the given ID, or nil.
func (s *System) Space(id uint8) *Space {
	if int(id) >= MaxSpaces {
		return nil
	}
	return s.spaces[id]
}

// PhysicalSpace returns the physical space with the given ID, or nil.
func (s *System) PhysicalSpace(id uint16) *PhysicalSpace {
	if int(id) >= len(s.physical) {
		return nil
	}
	return s.physical[id]
}

// Producer returns the registered producer, if the handle is live.
func (s *System) Producer(h producer.Handle) (*producer.Producer, bool) {
	return s.producers.Find(h)
}

func validateProducer(desc *producer.Description) error {
	switch {
	case desc.Dimensions != 2:
		return errors.Wrapf(ErrInvalidDescription, "%q: %d dimensions", desc.Name, desc.Dimensions)
	case desc.NumLayers() == 0 || desc.NumLayers() > producer.MaxLayers:
		return errors.Wrapf(ErrInvalidDescription, "%q: %d layers", desc.Name, desc.NumLayers())
	case desc.WidthInTiles == 0 || desc.HeightInTiles == 0 || desc.TileSize == 0:
		return errors.Wrapf(ErrInvalidDescription, "%q: empty", desc.Name)
	case desc.MaxLevel > ceilLog2(max(desc.WidthInTiles, desc.HeightInTiles)):
		return errors.Wrapf(ErrInvalidDescription, "%q: max level %d beyond %dx%d tiles",
			desc.Name, desc.MaxLevel, desc.WidthInTiles, desc.HeightInTiles)
	}
	return nil
}

// RegisterProducer registers a content source, acquiring a physical space
// for each of its layers. Producers wanting a persistent highest mip have
// their coarsest tiles locked.
func (s *System) RegisterProducer(desc producer.Description, vt producer.VirtualTexture) (producer.Handle, error) {
	if err := validateProducer(&desc); err != nil {
		return 0, err
	}
	desc.DepthInTiles = max(desc.DepthInTiles, 1)
	desc.LayerFormats = append([]gpu.Format(nil), desc.LayerFormats...)

	p := &producer.Producer{Description: desc, VT: vt}
	for _, format := range desc.LayerFormats {
		ps, err := s.acquirePhysicalSpace(PhysicalSpaceDescription{
			Dimensions:       desc.Dimensions,
			TileSize:         desc.PhysicalTileSize(),
			Format:           format,
			ContinuousUpdate: desc.ContinuousUpdate,
		})
		if err != nil {
			for _, id := range p.PhysicalSpaces {
				s.releasePhysicalSpace(s.physical[id])
			}
			return 0, errors.Wrapf(err, "registering %q", desc.Name)
		}
		p.PhysicalSpaces = append(p.PhysicalSpaces, ps.id)
	}

	h := s.producers.Register(p)
	systemLogger.Printf("registered %s %q: %dx%d tiles, %d levels, %d layers",
		h, desc.Name, desc.WidthInTiles, desc.HeightInTiles, desc.MaxLevel+1, desc.NumLayers())

	if desc.PersistentHighestMip {
		w := max(desc.WidthInTiles>>desc.MaxLevel, 1)
		ht := max(desc.HeightInTiles>>desc.MaxLevel, 1)
		for y := uint32(0); y < ht; y++ {
			for x := uint32(0); x < w; x++ {
				s.LockTile(producer.LocalTile{Producer: h, Address: morton.Encode2(x, y), Level: desc.MaxLevel})
			}
		}
	}
	return h, nil
}

// ReleaseProducer evicts every tile of the producer and frees its handle.
// Textures still referencing it stop loading the layers it backed.
func (s *System) ReleaseProducer(h producer.Handle) error {
	p, ok := s.producers.Find(h)
	if !ok {
		return errors.Wrapf(producer.ErrStaleHandle, "releasing %s", h)
	}
	for _, id := range p.PhysicalSpaces {
		ps := s.physical[id]
		if n := ps.pool.EvictProducer(s, h); n > 0 {
			systemLogger.Printf("%s: evicted %d tiles from physical space %d", h, n, id)
		}
	}
	// Each layer holds a reference, even if several share a space.
	for _, id := range p.PhysicalSpaces {
		s.releasePhysicalSpace(s.physical[id])
	}
	kept := s.tilesToLock[:0]
	for _, t := range s.tilesToLock {
		if t.Producer == h {
			delete(s.lockSet, t)
			continue
		}
		kept = append(kept, t)
	}
	s.tilesToLock = kept
	for t := range s.mappedTilesToProduce {
		if t.Producer == h {
			delete(s.mappedTilesToProduce, t)
		}
	}
	_, err := s.producers.Release(h)
	return err
}

func (s *System) acquireSpace(desc SpaceDescription, sizeNeeded uint32) (*Space, error) {
	if !desc.Private {
		for _, sp := range s.spaces {
			if sp != nil && sp.desc == desc {
				sp.refs++
				return sp, nil
			}
		}
	}
	for i, sp := range s.spaces {
		if sp != nil {
			continue
		}
		sp, err := newSpace(s.device, uint8(i), desc, sizeNeeded)
		if err != nil {
			return nil, err
		}
		sp.refs++
		s.spaces[i] = sp
		return sp, nil
	}
	return nil, ErrTooManySpaces
}

// releaseSpace drops a reference. Private spaces are destroyed once unused;
// shared ones stick around for reuse.
func (s *System) releaseSpace(sp *Space) {
	sp.refs--
	if sp.refs == 0 && sp.desc.Private {
		systemLogger.Printf("space %d: destroyed", sp.id)
		sp.release(s.device)
		s.spaces[sp.id] = nil
	}
}

func (s *System) acquirePhysicalSpace(desc PhysicalSpaceDescription) (*PhysicalSpace, error) {
	for _, ps := range s.physical {
		if ps.desc == desc {
			ps.refs++
			return ps, nil
		}
	}
	id := len(s.physical)
	if id > MaxPhysicalSpaces {
		return nil, ErrTooManyPhysicalSpaces
	}
	side := s.cfg.PoolSizeInTiles
	if side*side > uint32(pagepool.MaxSlots) {
		side = 255
	}
	ps, err := newPhysicalSpace(s.device, uint16(id), desc, side)
	if err != nil {
		return nil, err
	}
	ps.refs++
	s.physical = append(s.physical, ps)
	return ps, nil
}

// releasePhysicalSpace drops a reference. Physical spaces are kept around
// at zero references since they're likely to be wanted again.
func (s *System) releasePhysicalSpace(ps *PhysicalSpace) {
	ps.refs--
}

// AllocateVirtualTexture returns the texture for the description, allocating
// it on first use.
func (s *System) AllocateVirtualTexture(desc TextureDescription) (*AllocatedTexture, error) {
	s.destroyPendingVirtualTextures()

	if t, ok := s.textures[desc]; ok {
		t.refs++
		return t, nil
	}
	if desc.NumLayers == 0 || int(desc.NumLayers) > producer.MaxLayers {
		return nil, errors.Wrapf(ErrInvalidDescription, "%d layers", desc.NumLayers)
	}
	if desc.Dimensions != 2 {
		return nil, errors.Wrapf(ErrInvalidDescription, "%d dimensions", desc.Dimensions)
	}

	var w, h, d uint32
	supports16 := true
	producers := make([]*producer.Producer, desc.NumLayers)
	for l := 0; l < int(desc.NumLayers); l++ {
		b := desc.Layers[l]
		p, ok := s.producers.Find(b.Producer)
		if !ok {
			return nil, errors.Wrapf(producer.ErrStaleHandle, "layer %d: %s", l, b.Producer)
		}
		if int(b.LocalLayer) >= p.NumLayers() {
			return nil, errors.Wrapf(ErrInvalidDescription, "layer %d: %s has %d layers", l, b.Producer, p.NumLayers())
		}
		producers[l] = p
		w, h, d = max(w, p.WidthInTiles), max(h, p.HeightInTiles), max(d, p.DepthInTiles)
		if !s.physical[p.PhysicalSpaces[b.LocalLayer]].Supports16BitPageTable() {
			supports16 = false
		}
	}

	spaceDesc := SpaceDescription{
		Dimensions:     desc.Dimensions,
		NumLayers:      desc.NumLayers,
		TileSize:       desc.TileSize,
		TileBorderSize: desc.TileBorderSize,
		Format:         pagetable.Format32,
		Private:        desc.PrivateSpace,
	}
	if supports16 {
		spaceDesc.Format = pagetable.Format16
	}
	sp, err := s.acquireSpace(spaceDesc, max(w, h))
	if err != nil {
		return nil, err
	}

	t := newAllocatedTexture(s, desc, sp, producers, w, h, d)
	addr, err := sp.allocate(s.device, t)
	if err != nil {
		s.releaseSpace(sp)
		return nil, err
	}
	t.address = addr
	for l := 0; l < int(desc.NumLayers); l++ {
		t.physical[l].refs++
	}
	s.textures[desc] = t
	if t.wantsPersistentHighestMip {
		s.toMap = append(s.toMap, t)
	}
	x, y := t.BaseTile()
	systemLogger.Printf("allocated %dx%d texture in space %d at (%d,%d), %d levels", w, h, sp.id, x, y, t.maxLevel+1)
	return t, nil
}

// ReleaseVirtualTexture drops a reference to the texture, destroying it once
// unreferenced.
func (s *System) ReleaseVirtualTexture(t *AllocatedTexture) {
	t.refs--
	if t.refs > 0 {
		return
	}
	if t.refs < 0 {
		panic(errors.AssertionFailedf("texture released too many times"))
	}
	delete(s.textures, t.desc)
	for i, o := range s.toMap {
		if o == t {
			s.toMap = append(s.toMap[:i], s.toMap[i+1:]...)
			break
		}
	}
	t.space.free(s, t)
	for l := 0; l < t.NumLayers(); l++ {
		s.releasePhysicalSpace(t.physical[l])
	}
	s.releaseSpace(t.space)
	systemLogger.Printf("released texture at %d in space %d", t.address, t.space.id)
}

// ReleaseVirtualTextureAsync is ReleaseVirtualTexture for use from other
// goroutines. The release happens at the start of the next Update or
// AllocateVirtualTexture.
func (s *System) ReleaseVirtualTextureAsync(t *AllocatedTexture) {
	s.pendingDeleteMu.Lock()
	defer s.pendingDeleteMu.Unlock()
	s.pendingDelete = append(s.pendingDelete, t)
}

func (s *System) destroyPendingVirtualTextures() {
	s.pendingDeleteMu.Lock()
	pending := s.pendingDelete
	s.pendingDelete = nil
	s.pendingDeleteMu.Unlock()
	for _, t := range pending {
		s.ReleaseVirtualTexture(t)
	}
}

// LockTile asks for a producer tile to be loaded and kept resident.
func (s *System) LockTile(t producer.LocalTile) {
	if _, ok := s.lockSet[t]; ok {
		return
	}
	s.lockSet[t] = struct{}{}
	s.tilesToLock = append(s.tilesToLock, t)
}

// UnlockTile makes a locked tile evictable again.
func (s *System) UnlockTile(t producer.LocalTile) {
	if _, ok := s.lockSet[t]; ok {
		delete(s.lockSet, t)
		for i, o := range s.tilesToLock {
			if o == t {
				s.tilesToLock = append(s.tilesToLock[:i], s.tilesToLock[i+1:]...)
				break
			}
		}
	}
	p, ok := s.producers.Find(t.Producer)
	if !ok {
		return
	}
	for ll, id := range p.PhysicalSpaces {
		pool := s.physical[id].pool
		slot := pool.FindPageAddress(pagepool.Tile{Producer: t.Producer, Layer: uint8(ll), Address: t.Address, Level: t.Level})
		if slot != pagepool.NoSlot {
			pool.Unlock(s.frame, slot)
		}
	}
}

// FlushCache evicts every unlocked tile at the start of the next Update, and
// produces the locked ones again.
func (s *System) FlushCache() { s.flushCaches = true }
