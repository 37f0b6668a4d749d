// Package producer defines the contract between the paging core and the
// sources that fill tiles on demand, along with the registry that hands out
// stable handles to them.
package producer

import (
	"image"

	"github.com/irfansharif/vtex/internal/gpu"
)

// MaxLayers bounds the layers of a producer or an allocated texture.
const MaxLayers = 8

// RequestStatus is the outcome of asking a producer for a tile.
type RequestStatus uint8

const (
	// Available means the data can be produced now.
	Available RequestStatus = iota
	// Pending means the data is on its way (e.g. streaming from disk); ask
	// again next frame.
	Pending
	// Invalid means the producer can never produce this tile.
	Invalid
)

func (s RequestStatus) String() string {
	switch s {
	case Available:
		return "available"
	case Pending:
		return "pending"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Priority is the urgency of a request.
type Priority uint8

const (
	PriorityNormal Priority = iota
	// PriorityHigh is used for locked tiles, which must be resident before
	// anything samples them.
	PriorityHigh
)

// ProduceFlags modify a produce call.
type ProduceFlags uint8

const (
	ProduceNone ProduceFlags = 0
	// ProduceContinuous marks re-production of an already resident tile.
	ProduceContinuous ProduceFlags = 1
)

// RequestResult is returned by RequestPageData. Handle is opaque to the core
// and passed back to ProducePageData.
type RequestResult struct {
	Status RequestStatus
	Handle uint64
}

// Target is where a producer writes one layer of a tile: the tile at Location
// (in tiles) of the physical texture, TileSize texels on a side including
// borders.
type Target struct {
	Texture  gpu.Texture
	Location image.Point
	TileSize uint32
}

// Finalizer is returned by producers that batch GPU work. Finalize is called
// once per frame after every produce call, regardless of how many tiles
// returned the same finalizer.
type Finalizer interface {
	Finalize() error
}

// VirtualTexture is implemented by every content source.
type VirtualTexture interface {
	// RequestPageData reports whether the tile at (level, address) can be
	// produced for the layers in layerMask. It may kick off asynchronous work.
	RequestPageData(h Handle, layerMask uint8, level uint8, address uint32, priority Priority) RequestResult
	// ProducePageData writes the tile into targets, indexed by local layer.
	// Only layers in layerMask need to be written.
	ProducePageData(flags ProduceFlags, h Handle, layerMask uint8, level uint8, address uint32, request uint64, targets []Target) Finalizer
	// LocalMipBias lets a producer redirect requests for a level it can't
	// produce at an address to a coarser one.
	LocalMipBias(level uint8, address uint32) uint8
}

// Description describes a producer's tiles.
type Description struct {
	Name string

	Dimensions     uint8
	WidthInTiles   uint32
	HeightInTiles  uint32
	DepthInTiles   uint32
	TileSize       uint32
	TileBorderSize uint32
	MaxLevel       uint8

	// LayerFormats has one entry per local layer.
	LayerFormats []gpu.Format

	// PersistentHighestMip keeps the coarsest level locked and resident.
	PersistentHighestMip bool
	// ContinuousUpdate re-produces resident tiles every frame they're seen.
	ContinuousUpdate bool
}

// NumLayers returns the number of local layers.
func (d *Description) NumLayers() int { return len(d.LayerFormats) }

// PhysicalTileSize returns the size of a tile in texels, borders included.
func (d *Description) PhysicalTileSize() uint32 { return d.TileSize + 2*d.TileBorderSize }

// Producer is a registered content source.
type Producer struct {
	Description
	VT VirtualTexture
	// PhysicalSpaces holds the physical space ID backing each local layer.
	PhysicalSpaces []uint16
}

// LocalTile names a tile in a producer's own address space, across all its
// layers.
type LocalTile struct {
	Producer Handle
	Address  uint32
	Level    uint8
}
