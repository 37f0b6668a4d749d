// Package request accumulates the tile loads and page mappings a frame
// wants, deduplicated, and trims them to the per-frame upload budget.
//
// A load request names a producer tile and the local layers to load.
// Mapping requests hang off a load and are applied once it's allocated;
// direct mapping requests map tiles that are already resident.
package request

import (
	"cmp"
	"slices"

	"github.com/irfansharif/vtex/internal/producer"
)

// NoIndex is returned when a list is full.
const NoIndex = 0xffff

const (
	LoadCapacity          = 4096
	MappingCapacity       = 8192
	DirectMappingCapacity = 4096
)

// Load is a request to load a producer tile.
type Load struct {
	Tile      producer.LocalTile
	LayerMask uint8
	// Count is the number of feedback samples asking for the tile,
	// saturating.
	Count  uint16
	Locked bool
}

// Priority weighs frequently requested and coarser tiles higher. Locked
// loads outrank everything. It's computed in 64 bits so no level weight
// overflows it.
func (l Load) Priority(levelWeight uint32) uint64 {
	if l.Locked {
		return ^uint64(0)
	}
	return uint64(l.Count) * (uint64(levelWeight) + uint64(l.Tile.Level))
}

// Mapping maps one layer of a load at a page-table location once the load
// is allocated.
type Mapping struct {
	LoadIndex  uint16
	LocalLayer uint8
	Space      uint8
	Layer      uint8
	Level      uint8
	Address    uint32
	// MappedLevel is recorded in the page-table entry.
	MappedLevel uint8
}

// DirectMapping maps an already resident physical tile.
type DirectMapping struct {
	Space         uint8
	Layer         uint8
	Level         uint8
	Address       uint32
	MappedLevel   uint8
	PhysicalSpace uint16
	Slot          uint16
}

// List is a set of requests.
type List struct {
	loads     []Load
	loadIndex map[producer.LocalTile]uint16

	mappings     []Mapping
	mappingIndex map[Mapping]struct{}

	direct      []DirectMapping
	directIndex map[DirectMapping]struct{}

	numLocked int
}

// New returns an empty list.
func New() *List {
	return &List{
		loadIndex:    make(map[producer.LocalTile]uint16),
		mappingIndex: make(map[Mapping]struct{}),
		directIndex:  make(map[DirectMapping]struct{}),
	}
}

// NumLoads returns the number of load requests.
func (l *List) NumLoads() int { return len(l.loads) }

// NumLocked returns the number of locked load requests.
func (l *List) NumLocked() int { return l.numLocked }

// Load returns the i-th load request.
func (l *List) Load(i int) Load { return l.loads[i] }

// Loads returns the load requests.
func (l *List) Loads() []Load { return l.loads }

// Mappings returns the deferred mapping requests.
func (l *List) Mappings() []Mapping { return l.mappings }

// DirectMappings returns the direct mapping requests.
func (l *List) DirectMappings() []DirectMapping { return l.direct }

// FindLoad returns the index of the tile's load request, or NoIndex.
func (l *List) FindLoad(tile producer.LocalTile) uint16 {
	if i, ok := l.loadIndex[tile]; ok {
		return i
	}
	return NoIndex
}

// AddLoadRequest requests layerMask of the tile, count times. Repeated
// requests for a tile merge into one. It returns the request index, or
// NoIndex if the list is full.
func (l *List) AddLoadRequest(tile producer.LocalTile, layerMask uint8, count uint16) uint16 {
	i, ok := l.loadIndex[tile]
	if !ok {
		if len(l.loads) >= LoadCapacity {
			return NoIndex
		}
		i = uint16(len(l.loads))
		l.loadIndex[tile] = i
		l.loads = append(l.loads, Load{Tile: tile})
	}
	ld := &l.loads[i]
	ld.LayerMask |= layerMask
	ld.Count = uint16(min(uint32(ld.Count)+uint32(count), 0xffff))
	return i
}

// LockLoadRequest requests the tile and marks the request locked: it
// survives the budget and the tile is locked on allocation.
func (l *List) LockLoadRequest(tile producer.LocalTile, layerMask uint8) uint16 {
	i := l.AddLoadRequest(tile, layerMask, 0)
	if i == NoIndex {
		return NoIndex
	}
	if ld := &l.loads[i]; !ld.Locked {
		ld.Locked = true
		l.numLocked++
	}
	return i
}

// AddMappingRequest adds a mapping for the load at loadIndex.
func (l *List) AddMappingRequest(m Mapping) bool {
	if int(m.LoadIndex) >= len(l.loads) {
		return false
	}
	if _, ok := l.mappingIndex[m]; ok {
		return true
	}
	if len(l.mappings) >= MappingCapacity {
		return false
	}
	l.mappingIndex[m] = struct{}{}
	l.mappings = append(l.mappings, m)
	return true
}

// AddDirectMappingRequest adds a mapping of a resident tile.
func (l *List) AddDirectMappingRequest(d DirectMapping) bool {
	if _, ok := l.directIndex[d]; ok {
		return true
	}
	if len(l.direct) >= DirectMappingCapacity {
		return false
	}
	l.directIndex[d] = struct{}{}
	l.direct = append(l.direct, d)
	return true
}

// Merge adds every request of other, in other's order.
func (l *List) Merge(other *List) {
	remap := make([]uint16, len(other.loads))
	for i, ld := range other.loads {
		j := l.AddLoadRequest(ld.Tile, ld.LayerMask, ld.Count)
		if j != NoIndex && ld.Locked && !l.loads[j].Locked {
			l.loads[j].Locked = true
			l.numLocked++
		}
		remap[i] = j
	}
	for _, m := range other.mappings {
		if m.LoadIndex = remap[m.LoadIndex]; m.LoadIndex != NoIndex {
			l.AddMappingRequest(m)
		}
	}
	for _, d := range other.direct {
		l.AddDirectMappingRequest(d)
	}
}

// SortAndClamp orders loads locked first, then by descending priority, and
// keeps every locked load plus the highest priority unlocked ones up to
// maxLoads in total. Mapping requests of dropped loads are dropped.
func (l *List) SortAndClamp(maxLoads int, levelWeight uint32) {
	order := make([]int, len(l.loads))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		la, lb := &l.loads[a], &l.loads[b]
		if c := cmp.Compare(lb.Priority(levelWeight), la.Priority(levelWeight)); c != 0 {
			return c
		}
		return compareTiles(la.Tile, lb.Tile)
	})

	keep := max(maxLoads, l.numLocked)
	if keep < len(order) {
		order = order[:keep]
	}

	remap := make([]uint16, len(l.loads))
	for i := range remap {
		remap[i] = NoIndex
	}
	loads := make([]Load, len(order))
	clear(l.loadIndex)
	for i, old := range order {
		loads[i] = l.loads[old]
		remap[old] = uint16(i)
		l.loadIndex[loads[i].Tile] = uint16(i)
	}
	l.loads = loads

	mappings := l.mappings[:0]
	clear(l.mappingIndex)
	for _, m := range l.mappings {
		if m.LoadIndex = remap[m.LoadIndex]; m.LoadIndex != NoIndex {
			mappings = append(mappings, m)
			l.mappingIndex[m] = struct{}{}
		}
	}
	l.mappings = mappings
}

// compareTiles orders coarse tiles first so ties resolve the same way
// however the list was assembled.
func compareTiles(a, b producer.LocalTile) int {
	if c := cmp.Compare(b.Level, a.Level); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Producer, b.Producer); c != 0 {
		return c
	}
	return cmp.Compare(a.Address, b.Address)
}
