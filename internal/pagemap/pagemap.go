// Package pagemap tracks, for one layer of one page-table space, which virtual
// pages are mapped to which physical tiles, and turns changes to that mapping
// into page-table texture quads.
//
// Pages are keyed by (level, address), address being the level-0 Morton
// address of the page's first tile. Point lookups go through a hash index; a
// secondary array sorted coarse-to-fine, then by address, answers descendant
// range queries. The sorted array is rebuilt lazily: mapping appends to a
// pending list and unmapping leaves a tombstone, both folded in on the next
// range query.
package pagemap

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagetable"
)

// Phys names a physical tile: a slot in a physical space's pool.
type Phys struct {
	Space uint16
	Slot  uint16
}

// Mapping is one mapped page.
type Mapping struct {
	Level   uint8
	Address uint32
	// MappedLevel is the level of the data held by the physical tile, recorded
	// in the page-table entry. It differs from Level when a producer's native
	// resolution is lower than the texture's.
	MappedLevel uint8
	Phys        Phys
}

// Update is a queued change to the page-table texture: the page at (Level,
// Address) now resolves to Phys (or nothing, if !Valid).
type Update struct {
	Level       uint8
	Address     uint32
	MappedLevel uint8
	Phys        Phys
	Valid       bool
}

// Encoder builds the page-table entry for a physical tile holding the given
// mip level.
type Encoder func(p Phys, mappedLevel uint8) pagetable.Entry

type key struct {
	level   uint8
	address uint32
}

type slot struct {
	Mapping
	live bool
}

// PageMap is the virtual-to-physical mapping of one layer of a space.
type PageMap struct {
	dims     uint8
	maxLevel uint8

	index   map[key]int
	slots   []slot
	free    []int
	pending []int // freed while still referenced from sorted

	sorted      []int
	pendingAdds []int
	stale       bool // sorted holds tombstones

	updates []Update
}

// New returns an empty page map for a space of the given dimensionality whose
// page table has levels 0..maxLevel.
func New(dims, maxLevel uint8) *PageMap {
	if dims != 2 {
		panic(errors.AssertionFailedf("page maps are 2D, got %d dimensions", dims))
	}
	return &PageMap{dims: dims, maxLevel: maxLevel, index: make(map[key]int)}
}

// SetMaxLevel raises the coarsest level after the space grows.
func (m *PageMap) SetMaxLevel(level uint8) {
	if level < m.maxLevel {
		panic(errors.AssertionFailedf("page map can't shrink from level %d to %d", m.maxLevel, level))
	}
	m.maxLevel = level
}

// MaxLevel returns the coarsest level of the page table.
func (m *PageMap) MaxLevel() uint8 { return m.maxLevel }

// NumMappings returns the number of mapped pages.
func (m *PageMap) NumMappings() int { return len(m.index) }

// FindPage returns the mapping at exactly (level, address). It's safe to call
// concurrently with other readers.
func (m *PageMap) FindPage(level uint8, address uint32) (Mapping, bool) {
	i, ok := m.index[key{level, address}]
	if !ok {
		return Mapping{}, false
	}
	return m.slots[i].Mapping, true
}

// FindNearestAncestor returns the mapping at the finest level coarser than
// level covering address.
func (m *PageMap) FindNearestAncestor(level uint8, address uint32) (Mapping, bool) {
	for l := int(level) + 1; l <= int(m.maxLevel); l++ {
		if mp, ok := m.FindPage(uint8(l), address&morton.LevelMask(m.dims, uint8(l))); ok {
			return mp, true
		}
	}
	return Mapping{}, false
}

// MapPage maps (level, address) to the given physical tile, replacing any
// existing mapping at that key, and queues the texture update. It returns the
// physical tile previously mapped there, if any.
func (m *PageMap) MapPage(level uint8, address uint32, mappedLevel uint8, phys Phys) (prev Phys, replaced bool) {
	m.checkAligned(level, address)

	k := key{level, address}
	if i, ok := m.index[k]; ok {
		s := &m.slots[i]
		prev, replaced = s.Phys, true
		if s.Phys == phys && s.MappedLevel == mappedLevel {
			return prev, replaced
		}
		s.Phys, s.MappedLevel = phys, mappedLevel
	} else {
		var i int
		if n := len(m.free); n > 0 {
			i, m.free = m.free[n-1], m.free[:n-1]
		} else {
			m.slots = append(m.slots, slot{})
			i = len(m.slots) - 1
		}
		m.slots[i] = slot{Mapping: Mapping{Level: level, Address: address, MappedLevel: mappedLevel, Phys: phys}, live: true}
		m.index[k] = i
		m.pendingAdds = append(m.pendingAdds, i)
	}

	m.updates = append(m.updates, Update{
		Level: level, Address: address, MappedLevel: mappedLevel, Phys: phys, Valid: true,
	})
	return prev, replaced
}

// UnmapPage removes the mapping at (level, address). If mapAncestor is set and
// a coarser page covering the address is mapped, the address range is
// redirected to it; otherwise it's invalidated.
func (m *PageMap) UnmapPage(level uint8, address uint32, mapAncestor bool) (Mapping, bool) {
	k := key{level, address}
	i, ok := m.index[k]
	if !ok {
		return Mapping{}, false
	}
	removed := m.slots[i].Mapping
	m.remove(k, i)

	u := Update{Level: level, Address: address}
	if mapAncestor {
		if anc, ok := m.FindNearestAncestor(level, address); ok {
			u.MappedLevel, u.Phys, u.Valid = anc.MappedLevel, anc.Phys, true
		}
	}
	m.updates = append(m.updates, u)
	return removed, true
}

// UnmapRange removes every mapping within the block of the given logSize at
// address, and invalidates the block.
func (m *PageMap) UnmapRange(address uint32, logSize uint8) []Mapping {
	m.refreshSorted()
	var removed []Mapping
	for l := int(min(logSize, m.maxLevel)); l >= 0; l-- {
		for _, i := range m.levelRange(uint8(l), address, logSize) {
			removed = append(removed, m.slots[i].Mapping)
		}
	}
	for _, mp := range removed {
		k := key{mp.Level, mp.Address}
		m.remove(k, m.index[k])
	}
	m.updates = append(m.updates, Update{Level: logSize, Address: address})
	return removed
}

func (m *PageMap) remove(k key, i int) {
	delete(m.index, k)
	m.slots[i].live = false
	m.pending = append(m.pending, i)
	m.stale = true
}

// Mappings returns every mapped page, coarse to fine.
func (m *PageMap) Mappings() []Mapping {
	m.refreshSorted()
	out := make([]Mapping, len(m.sorted))
	for j, i := range m.sorted {
		out[j] = m.slots[i].Mapping
	}
	return out
}

// Descendants returns the mappings strictly finer than level, no finer than
// minLevel, within the page at (level, address), coarse to fine.
func (m *PageMap) Descendants(level uint8, address uint32, minLevel uint8) []Mapping {
	m.refreshSorted()
	var out []Mapping
	for l := int(level) - 1; l >= int(minLevel); l-- {
		for _, i := range m.levelRange(uint8(l), address, level) {
			out = append(out, m.slots[i].Mapping)
		}
	}
	return out
}

// TakeUpdates drains the queued updates.
func (m *PageMap) TakeUpdates() []Update {
	u := m.updates
	m.updates = nil
	return u
}

// NumPendingUpdates returns the number of queued updates.
func (m *PageMap) NumPendingUpdates() int { return len(m.updates) }

// RefreshEntirePageTable discards queued updates in favor of a full rebuild:
// the whole table is invalidated, then every mapping is redrawn coarse to
// fine.
func (m *PageMap) RefreshEntirePageTable() {
	m.updates = m.updates[:0]
	m.updates = append(m.updates, Update{Level: m.maxLevel, Address: 0})
	for _, mp := range m.Mappings() {
		m.updates = append(m.updates, Update{
			Level: mp.Level, Address: mp.Address, MappedLevel: mp.MappedLevel, Phys: mp.Phys, Valid: true,
		})
	}
}

func (m *PageMap) checkAligned(level uint8, address uint32) {
	if level > m.maxLevel {
		panic(errors.AssertionFailedf("level %d beyond page table max %d", level, m.maxLevel))
	}
	if address&^morton.LevelMask(m.dims, level) != 0 {
		panic(errors.AssertionFailedf("address %d not aligned to level %d", address, level))
	}
}

func compareSlots(a, b *slot) int {
	if a.Level != b.Level {
		return cmp.Compare(b.Level, a.Level) // coarse first
	}
	return cmp.Compare(a.Address, b.Address)
}

// refreshSorted folds pending adds and removals into the sorted array.
func (m *PageMap) refreshSorted() {
	if !m.stale && len(m.pendingAdds) == 0 {
		return
	}
	if m.stale {
		m.sorted = slices.DeleteFunc(m.sorted, func(i int) bool { return !m.slots[i].live })
	}
	for _, i := range m.pendingAdds {
		if m.slots[i].live {
			m.sorted = append(m.sorted, i)
		}
	}
	m.pendingAdds = m.pendingAdds[:0]
	slices.SortFunc(m.sorted, func(a, b int) int { return compareSlots(&m.slots[a], &m.slots[b]) })

	// Slots freed since the last rebuild are no longer referenced; recycle
	// them.
	m.free = append(m.free, m.pending...)
	m.pending = m.pending[:0]
	m.stale = false
}

// levelRange returns the sorted-array entries at level whose address falls in
// the block of blockLevel at address. The sorted array must be fresh.
func (m *PageMap) levelRange(level uint8, address uint32, blockLevel uint8) []int {
	start := uint64(address)
	end := start + morton.BlockSize(m.dims, blockLevel)
	lo, _ := slices.BinarySearchFunc(m.sorted, key{level, address}, func(i int, k key) int {
		s := &m.slots[i]
		if s.Level != k.level {
			return cmp.Compare(k.level, s.Level)
		}
		return cmp.Compare(s.Address, k.address)
	})
	hi := lo
	for hi < len(m.sorted) {
		s := &m.slots[m.sorted[hi]]
		if s.Level != level || uint64(s.Address) >= end {
			break
		}
		hi++
	}
	return m.sorted[lo:hi]
}

// hasDescendantFrom reports whether any mapping at a level in [minLevel,
// level) lies within the page at (level, address).
func (m *PageMap) hasDescendantFrom(level uint8, address uint32, minLevel uint8) bool {
	for l := int(level) - 1; l >= int(minLevel); l-- {
		if len(m.levelRange(uint8(l), address, level)) > 0 {
			return true
		}
	}
	return false
}
