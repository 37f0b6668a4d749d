package vt

import (
	"image"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/alloc"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagemap"
	"github.com/irfansharif/vtex/internal/pagetable"
)

const (
	// MaxSpaces bounds the page-table spaces; feedback has 4 bits for them.
	MaxSpaces = 16
	// MaxSpaceLogSize bounds a space at 4096 tiles per axis, the largest
	// feedback can address.
	MaxSpaceLogSize = 12

	minSpaceLogSize = 4
)

// SpaceDescription identifies a page-table space. Textures with equal
// descriptions share a space unless it's private.
type SpaceDescription struct {
	Dimensions     uint8
	NumLayers      uint8
	TileSize       uint32
	TileBorderSize uint32
	Format         pagetable.Format
	Private        bool
}

// Space is a page-table space: a virtual address range shared by a set of
// allocated textures, with one page map and page-table texture per layer.
type Space struct {
	id   uint8
	desc SpaceDescription
	refs int

	allocator *alloc.Allocator[*AllocatedTexture]
	maps      []*pagemap.PageMap
	tables    []*pagetable.Texture
	textures  []gpu.Texture

	quads []pagetable.Quad
}

func newSpace(device gpu.Device, id uint8, desc SpaceDescription, sizeNeeded uint32) (*Space, error) {
	logSize := max(alloc.LogSizeFor(sizeNeeded, sizeNeeded), minSpaceLogSize)
	if logSize > MaxSpaceLogSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d tiles", sizeNeeded)
	}
	sp := &Space{
		id:        id,
		desc:      desc,
		allocator: alloc.New[*AllocatedTexture](desc.Dimensions, logSize, MaxSpaceLogSize),
	}
	for l := 0; l < int(desc.NumLayers); l++ {
		sp.maps = append(sp.maps, pagemap.New(desc.Dimensions, logSize))
		sp.tables = append(sp.tables, pagetable.NewTexture(desc.Format, logSize))
		tex, err := createPageTableTexture(device, desc.Format, logSize)
		if err != nil {
			sp.release(device)
			return nil, err
		}
		sp.textures = append(sp.textures, tex)
	}
	systemLogger.Printf("space %d: created %dx%d %s, %d layers", id, 1<<logSize, 1<<logSize, desc.Format, desc.NumLayers)
	return sp, nil
}

func createPageTableTexture(device gpu.Device, format pagetable.Format, logSize uint8) (gpu.Texture, error) {
	side := 1 << logSize
	tex, err := device.CreateTexture2D(image.Pt(side, side), format.GPUFormat(), int(logSize)+1)
	if err != nil {
		return nil, errors.Wrap(err, "creating page table texture")
	}
	return tex, nil
}

// ID returns the space ID, as written into feedback.
func (sp *Space) ID() uint8 { return sp.id }

// Description returns the space description.
func (sp *Space) Description() SpaceDescription { return sp.desc }

// LogSize returns the current size of the space.
func (sp *Space) LogSize() uint8 { return sp.allocator.LogSize() }

// NumLayers returns the number of page-table layers.
func (sp *Space) NumLayers() int { return len(sp.maps) }

// PageMap returns the page map of a layer.
func (sp *Space) PageMap(layer uint8) *pagemap.PageMap { return sp.maps[layer] }

// PageTable returns the host mirror of a layer's page-table texture.
func (sp *Space) PageTable(layer uint8) *pagetable.Texture { return sp.tables[layer] }

// PageTableTexture returns the GPU page-table texture of a layer.
func (sp *Space) PageTableTexture(layer uint8) gpu.Texture { return sp.textures[layer] }

// allocate finds an address for the texture, growing the space as needed.
func (sp *Space) allocate(device gpu.Device, t *AllocatedTexture) (uint32, error) {
	for {
		addr, err := sp.allocator.Alloc(t, t.widthInTiles, t.heightInTiles)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, alloc.ErrNoSpace) {
			return alloc.NoAddress, err
		}
		if err := sp.grow(device); err != nil {
			return alloc.NoAddress, errors.CombineErrors(err, errors.Wrapf(ErrSpaceFull, "space %d", sp.id))
		}
	}
}

// grow doubles the space. Page-table textures are recreated at the new size
// with the old contents copied over on the GPU.
func (sp *Space) grow(device gpu.Device) error {
	if err := sp.allocator.Grow(); err != nil {
		return err
	}
	logSize := sp.allocator.LogSize()
	for l := range sp.maps {
		sp.maps[l].SetMaxLevel(logSize)
		oldSide, err := sp.tables[l].Resize(logSize)
		if err != nil {
			return err
		}
		tex, err := createPageTableTexture(device, sp.desc.Format, logSize)
		if err != nil {
			return err
		}
		old := sp.textures[l]
		for m := 0; old != nil && m < old.MipLevels(); m++ {
			side := int(max(oldSide>>m, 1))
			region := gpu.Region{Mip: m, Src: image.Rect(0, 0, side, side)}
			if err := device.CopyTexture(old, tex, region); err != nil {
				device.ReleaseTexture(tex)
				return errors.Wrapf(err, "copying page table mip %d", m)
			}
		}
		device.ReleaseTexture(old)
		sp.textures[l] = tex
	}
	systemLogger.Printf("space %d: grew to %dx%d", sp.id, 1<<logSize, 1<<logSize)
	return nil
}

// free releases the texture's address block and unmaps every page under it.
func (sp *Space) free(res *System, t *AllocatedTexture) {
	_, logSize, ok := sp.allocator.Lookup(t)
	if !ok {
		return
	}
	for l, pm := range sp.maps {
		for _, mp := range pm.UnmapRange(t.address, logSize) {
			ps := res.physical[mp.Phys.Space]
			ps.pool.RemoveMapping(mp.Phys.Slot, pagepoolRef(sp.id, uint8(l), mp))
		}
	}
	sp.allocator.Free(t)
}

// applyUpdates expands queued page-map updates into quads, applies them to
// the host mirrors and uploads dirty regions.
func (sp *Space) applyUpdates(s *System) error {
	for l, pm := range sp.maps {
		if s.cfg.RefreshEntirePageTable {
			pm.RefreshEntirePageTable()
		}
		updates := pm.TakeUpdates()
		if len(updates) == 0 {
			continue
		}
		enc := s.encoder(sp.desc.Format)
		sp.quads = sp.quads[:0]
		for _, u := range updates {
			if s.cfg.MaskedPageTableUpdates {
				sp.quads = pm.ExpandMasked(u, enc, sp.quads)
			} else {
				sp.quads = pm.ExpandPainters(u, enc, sp.quads)
			}
		}
		s.stats.PageTableQuads += int64(len(sp.quads))
		sp.tables[l].Apply(sp.quads)
		if err := sp.tables[l].Upload(s.device, sp.textures[l]); err != nil {
			return errors.Wrapf(err, "space %d layer %d", sp.id, l)
		}
	}
	return nil
}

func (sp *Space) release(device gpu.Device) {
	for _, t := range sp.tables {
		t.Release(device)
	}
	for _, t := range sp.textures {
		device.ReleaseTexture(t)
	}
	sp.tables, sp.textures = nil, nil
}

// tilePosition returns the level-0 tile coordinates of a 2D address.
func tilePosition(address uint32) (x, y uint32) {
	return morton.Decode2(address)
}
