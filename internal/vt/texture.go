package vt

import (
	"math/bits"

	"github.com/irfansharif/vtex/internal/producer"
)

// LayerBinding binds a texture layer to one local layer of a producer.
type LayerBinding struct {
	Producer   producer.Handle
	LocalLayer uint8
}

// TextureDescription describes an allocated virtual texture. Equal
// descriptions yield the same (ref-counted) texture.
type TextureDescription struct {
	Dimensions     uint8
	TileSize       uint32
	TileBorderSize uint32
	NumLayers      uint8
	Layers         [producer.MaxLayers]LayerBinding
	PrivateSpace   bool
}

type uniqueProducer struct {
	handle  producer.Handle
	mipBias uint8
}

// AllocatedTexture is a virtual texture bound to an address range of a
// page-table space.
type AllocatedTexture struct {
	desc  TextureDescription
	refs  int
	space *Space

	address        uint32
	widthInTiles   uint32
	heightInTiles  uint32
	depthInTiles   uint32
	maxLevel       uint8
	frameAllocated uint32

	producers     []uniqueProducer
	layerProducer [producer.MaxLayers]uint8
	physical      [producer.MaxLayers]*PhysicalSpace

	wantsPersistentHighestMip bool
}

// ceilLog2 returns the smallest n with 2^n >= v.
func ceilLog2(v uint32) uint8 {
	if v <= 1 {
		return 0
	}
	return uint8(bits.Len32(v - 1))
}

func newAllocatedTexture(s *System, desc TextureDescription, space *Space, producers []*producer.Producer, w, h, d uint32) *AllocatedTexture {
	t := &AllocatedTexture{
		desc:           desc,
		refs:           1,
		space:          space,
		widthInTiles:   w,
		heightInTiles:  h,
		depthInTiles:   d,
		frameAllocated: s.frame,
	}
	texLog := ceilLog2(max(w, h))
	for l := 0; l < int(desc.NumLayers); l++ {
		b := desc.Layers[l]
		p := producers[l]
		idx := -1
		for i, up := range t.producers {
			if up.handle == b.Producer {
				idx = i
				break
			}
		}
		if idx < 0 {
			bias := texLog - min(texLog, ceilLog2(max(p.WidthInTiles, p.HeightInTiles)))
			t.producers = append(t.producers, uniqueProducer{handle: b.Producer, mipBias: bias})
			t.maxLevel = max(t.maxLevel, min(p.MaxLevel+bias, texLog))
			idx = len(t.producers) - 1
		}
		t.layerProducer[l] = uint8(idx)
		t.physical[l] = s.physical[p.PhysicalSpaces[b.LocalLayer]]
		t.wantsPersistentHighestMip = t.wantsPersistentHighestMip || p.PersistentHighestMip
	}
	return t
}

// Description returns the description the texture was allocated with.
func (t *AllocatedTexture) Description() TextureDescription { return t.desc }

// SpaceID returns the page-table space the texture lives in.
func (t *AllocatedTexture) SpaceID() uint8 { return t.space.id }

// Space returns the page-table space the texture lives in.
func (t *AllocatedTexture) Space() *Space { return t.space }

// VirtualAddress returns the level-0 address of the texture's first tile.
func (t *AllocatedTexture) VirtualAddress() uint32 { return t.address }

// BaseTile returns the texture's first tile in space coordinates.
func (t *AllocatedTexture) BaseTile() (x, y uint32) { return tilePosition(t.address) }

// WidthInTiles returns the width in tiles.
func (t *AllocatedTexture) WidthInTiles() uint32 { return t.widthInTiles }

// HeightInTiles returns the height in tiles.
func (t *AllocatedTexture) HeightInTiles() uint32 { return t.heightInTiles }

// WidthInPixels returns the width in texels, borders excluded.
func (t *AllocatedTexture) WidthInPixels() uint32 { return t.widthInTiles * t.desc.TileSize }

// HeightInPixels returns the height in texels, borders excluded.
func (t *AllocatedTexture) HeightInPixels() uint32 { return t.heightInTiles * t.desc.TileSize }

// MaxLevel returns the coarsest mip level.
func (t *AllocatedTexture) MaxLevel() uint8 { return t.maxLevel }

// FrameAllocated returns the frame the texture was allocated in. Feedback
// from earlier frames doesn't apply to it.
func (t *AllocatedTexture) FrameAllocated() uint32 { return t.frameAllocated }

// NumLayers returns the number of layers.
func (t *AllocatedTexture) NumLayers() int { return int(t.desc.NumLayers) }

// MipBias returns the mip bias of the producer backing a layer.
func (t *AllocatedTexture) MipBias(layer int) uint8 {
	return t.producers[t.layerProducer[layer]].mipBias
}

// PhysicalSpace returns the physical space backing a layer.
func (t *AllocatedTexture) PhysicalSpace(layer int) *PhysicalSpace { return t.physical[layer] }

// localLayer returns the producer-local layer backing a texture layer.
func (t *AllocatedTexture) localLayer(layer int) uint8 { return t.desc.Layers[layer].LocalLayer }
