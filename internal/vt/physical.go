package vt

import (
	"image"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/pagemap"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/pagetable"
	"github.com/irfansharif/vtex/internal/producer"
)

// MaxPhysicalSpaces bounds the physical spaces.
const MaxPhysicalSpaces = 0xfff

// PhysicalSpaceDescription identifies a physical space. Producers whose
// layers have equal descriptions share an atlas.
type PhysicalSpaceDescription struct {
	Dimensions       uint8
	TileSize         uint32 // borders included
	Format           gpu.Format
	ContinuousUpdate bool
}

// PhysicalSpace is a tile atlas and the pool managing its slots.
type PhysicalSpace struct {
	id          uint16
	desc        PhysicalSpaceDescription
	refs        int
	sideInTiles uint32

	pool    *pagepool.Pool
	texture gpu.Texture

	workingSet atomic.Int64
}

func newPhysicalSpace(device gpu.Device, id uint16, desc PhysicalSpaceDescription, sideInTiles uint32) (*PhysicalSpace, error) {
	side := int(sideInTiles * desc.TileSize)
	tex, err := device.CreateTexture2D(image.Pt(side, side), desc.Format, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "creating physical texture %dx%d %s", side, side, desc.Format)
	}
	systemLogger.Printf("physical space %d: %dx%d tiles of %d texels, %s", id, sideInTiles, sideInTiles, desc.TileSize, desc.Format)
	return &PhysicalSpace{
		id:          id,
		desc:        desc,
		sideInTiles: sideInTiles,
		pool:        pagepool.New(id, int(sideInTiles*sideInTiles), desc.Dimensions),
		texture:     tex,
	}, nil
}

// ID returns the physical space ID.
func (ps *PhysicalSpace) ID() uint16 { return ps.id }

// Description returns the physical space description.
func (ps *PhysicalSpace) Description() PhysicalSpaceDescription { return ps.desc }

// Pool returns the slot pool.
func (ps *PhysicalSpace) Pool() *pagepool.Pool { return ps.pool }

// Texture returns the atlas.
func (ps *PhysicalSpace) Texture() gpu.Texture { return ps.texture }

// SideInTiles returns the atlas side in tiles.
func (ps *PhysicalSpace) SideInTiles() uint32 { return ps.sideInTiles }

// Supports16BitPageTable reports whether every slot is addressable from a
// 16-bit page-table entry.
func (ps *PhysicalSpace) Supports16BitPageTable() bool {
	return ps.sideInTiles <= pagetable.MaxTiles16
}

// Location returns the atlas position of a slot, in tiles.
func (ps *PhysicalSpace) Location(slot uint16) (x, y uint32) {
	return uint32(slot) % ps.sideInTiles, uint32(slot) / ps.sideInTiles
}

// WorkingSetSize returns the number of visible tiles referencing this space
// since the last ResetWorkingSetSize.
func (ps *PhysicalSpace) WorkingSetSize() int64 { return ps.workingSet.Load() }

// ResetWorkingSetSize zeroes the working set counter.
func (ps *PhysicalSpace) ResetWorkingSetSize() { ps.workingSet.Store(0) }

func (ps *PhysicalSpace) target(slot uint16) producer.Target {
	x, y := ps.Location(slot)
	return producer.Target{
		Texture:  ps.texture,
		Location: image.Pt(int(x), int(y)),
		TileSize: ps.desc.TileSize,
	}
}

// PageMap implements pagepool.Resolver.
func (s *System) PageMap(space, layer uint8) *pagemap.PageMap {
	return s.spaces[space].maps[layer]
}

// Pool implements pagepool.Resolver.
func (s *System) Pool(id uint16) *pagepool.Pool {
	return s.physical[id].pool
}

var _ pagepool.Resolver = (*System)(nil)

func pagepoolRef(space, layer uint8, mp pagemap.Mapping) pagepool.MappingRef {
	return pagepool.MappingRef{Space: space, Layer: layer, Level: mp.Level, Address: mp.Address}
}

// encoder returns the page-table entry encoder for the given format.
func (s *System) encoder(format pagetable.Format) pagemap.Encoder {
	return func(p pagemap.Phys, mappedLevel uint8) pagetable.Entry {
		x, y := s.physical[p.Space].Location(p.Slot)
		return pagetable.Pack(format, x, y, mappedLevel)
	}
}
