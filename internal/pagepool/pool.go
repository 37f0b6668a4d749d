// Package pagepool manages the physical tile slots of one physical space.
//
// Each slot holds at most one producer tile, named by (producer, layer,
// address, level). Unlocked slots sit in an LRU heap keyed by the frame they
// were last used (and their level, so finer tiles go first within a frame);
// allocation evicts from the top. Locked slots are out of the heap and can't
// be evicted. Every slot carries the list of page-table locations it is
// mapped at, so eviction can unmap it everywhere.
package pagepool

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/pagemap"
	"github.com/irfansharif/vtex/internal/producer"
)

var poolLogger *log.Logger = log.New(io.Discard, "", 0)

func init() {
	if os.Getenv("VTEX_DEBUG_POOL") == "1" {
		poolLogger = log.New(os.Stdout, "[pool] ", log.Ltime|log.Lmsgprefix)
	}
}

// NoSlot is returned by lookups that find nothing.
const NoSlot = ^uint16(0)

// MaxSlots bounds the size of a pool.
const MaxSlots = int(NoSlot)

// Tile names one layer of a producer tile.
type Tile struct {
	Producer producer.Handle
	Layer    uint8
	Address  uint32
	Level    uint8
}

// Resolver gives the pool access to the page maps it writes into and the
// other pools whose mappings it may replace.
type Resolver interface {
	PageMap(space, layer uint8) *pagemap.PageMap
	Pool(physicalSpace uint16) *Pool
}

// MappingRef is a page-table location a slot is mapped at.
type MappingRef struct {
	Space   uint8
	Layer   uint8
	Level   uint8
	Address uint32
}

type mappingNode struct {
	MappingRef
	next, prev int32
}

type entry struct {
	tile         Tile
	firstMapping int32
	locked       bool
}

func (e *entry) occupied() bool { return !e.tile.Producer.IsNull() }

// Pool is a fixed set of physical tile slots.
type Pool struct {
	id   uint16
	dims uint8

	entries []entry
	index   map[Tile]uint16
	lru     *lruHeap

	// Mapping lists, threaded through one arena. Free nodes are linked
	// through next.
	nodes       []mappingNode
	freeNode    int32
	numMappings int

	numLocked int

	// usage guards the LRU heap against concurrent UpdateUsage calls from
	// request gathering.
	usage sync.Mutex
}

// New returns a pool of numSlots free slots for physical space id, holding
// tiles of a dims-dimensional address space.
func New(id uint16, numSlots int, dims uint8) *Pool {
	if numSlots <= 0 || numSlots > MaxSlots {
		panic(errors.AssertionFailedf("invalid pool size %d", numSlots))
	}
	p := &Pool{
		id:       id,
		dims:     dims,
		entries:  make([]entry, numSlots),
		index:    make(map[Tile]uint16, numSlots),
		lru:      newLRUHeap(numSlots),
		freeNode: -1,
	}
	for i := range p.entries {
		p.entries[i].firstMapping = -1
		p.lru.update(uint16(i), 0)
	}
	return p
}

// ID returns the physical space ID.
func (p *Pool) ID() uint16 { return p.id }

// NumSlots returns the pool size.
func (p *Pool) NumSlots() int { return len(p.entries) }

// NumLockedPages returns the number of locked slots.
func (p *Pool) NumLockedPages() int { return p.numLocked }

// NumMappedPages returns the number of page-table locations mapped to slots.
func (p *Pool) NumMappedPages() int { return p.numMappings }

// NumFree returns the number of slots not holding a tile.
func (p *Pool) NumFree() int { return len(p.entries) - len(p.index) }

// NumOccupied returns the number of slots holding a tile.
func (p *Pool) NumOccupied() int { return len(p.index) }

// TryLockUsage, LockUsage and UnlockUsage guard UpdateUsage when called from
// more than one goroutine.
func (p *Pool) TryLockUsage() bool { return p.usage.TryLock() }
func (p *Pool) LockUsage()         { p.usage.Lock() }
func (p *Pool) UnlockUsage()       { p.usage.Unlock() }

// AnyFreeAvailable reports whether Alloc can evict a slot this frame. Slots
// used during the current frame aren't eligible.
func (p *Pool) AnyFreeAvailable(frame uint32) bool {
	_, key, ok := p.lru.top()
	return ok && key>>4 != frame
}

// Tile returns the tile held by the slot; the zero Tile if it's free.
func (p *Pool) Tile(slot uint16) Tile { return p.entries[slot].tile }

// LocalLevel returns the level of the tile held by the slot.
func (p *Pool) LocalLevel(slot uint16) uint8 { return p.entries[slot].tile.Level }

// IsLocked reports whether the slot is locked.
func (p *Pool) IsLocked(slot uint16) bool { return p.entries[slot].locked }

// FindPageAddress returns the slot holding the tile, or NoSlot.
func (p *Pool) FindPageAddress(tile Tile) uint16 {
	if slot, ok := p.index[tile]; ok {
		return slot
	}
	return NoSlot
}

// FindNearestPageAddress returns the slot holding the finest resident tile at
// or above level covering address, looking no coarser than maxLevel.
func (p *Pool) FindNearestPageAddress(h producer.Handle, layer uint8, address uint32, level, maxLevel uint8) uint16 {
	for l := int(level); l <= int(maxLevel); l++ {
		if slot := p.FindPageAddress(Tile{Producer: h, Layer: layer, Address: address, Level: uint8(l)}); slot != NoSlot {
			return slot
		}
		address >>= p.dims
	}
	return NoSlot
}

// FindNearestPageLevel is FindNearestPageAddress returning the level found.
func (p *Pool) FindNearestPageLevel(h producer.Handle, layer uint8, address uint32, level, maxLevel uint8) (uint8, bool) {
	slot := p.FindNearestPageAddress(h, layer, address, level, maxLevel)
	if slot == NoSlot {
		return 0, false
	}
	return p.entries[slot].tile.Level, true
}

// Alloc evicts the least recently used unlocked slot and assigns it the tile.
// The evicted tile is unmapped everywhere, with its page-table locations
// falling back to resident ancestors. Callers must check AnyFreeAvailable
// first.
func (p *Pool) Alloc(res Resolver, frame uint32, tile Tile, lock bool) uint16 {
	if tile.Producer.IsNull() {
		panic(errors.AssertionFailedf("allocating tile with null producer"))
	}
	if slot, ok := p.index[tile]; ok {
		panic(errors.AssertionFailedf("tile %+v already resident in slot %d", tile, slot))
	}
	slot, _, ok := p.lru.top()
	if !ok {
		panic(errors.AssertionFailedf("physical space %d has no evictable slot", p.id))
	}

	e := &p.entries[slot]
	if e.occupied() {
		poolLogger.Printf("space %d: evicting %s layer=%d addr=%d level=%d from slot %d",
			p.id, e.tile.Producer, e.tile.Layer, e.tile.Address, e.tile.Level, slot)
		p.unmapAll(res, slot, true /* mapAncestor */)
		delete(p.index, e.tile)
	}

	e.tile = tile
	p.index[tile] = slot
	if lock {
		p.lru.remove(slot)
		e.locked = true
		p.numLocked++
	} else {
		p.lru.update(slot, lruKey(frame, tile.Level))
	}
	return slot
}

// Free releases the slot without falling back to ancestors and makes it the
// first to be reused.
func (p *Pool) Free(res Resolver, slot uint16) {
	p.release(res, slot)
	p.lru.update(slot, 0)
}

func (p *Pool) release(res Resolver, slot uint16) {
	e := &p.entries[slot]
	if !e.occupied() {
		return
	}
	p.unmapAll(res, slot, false /* mapAncestor */)
	delete(p.index, e.tile)
	e.tile = Tile{}
	if e.locked {
		e.locked = false
		p.numLocked--
	}
}

// Lock removes the slot from eviction.
func (p *Pool) Lock(slot uint16) {
	e := &p.entries[slot]
	if e.locked {
		return
	}
	p.lru.remove(slot)
	e.locked = true
	p.numLocked++
}

// Unlock makes the slot evictable again, as if last used in frame.
func (p *Pool) Unlock(frame uint32, slot uint16) {
	e := &p.entries[slot]
	if !e.locked {
		return
	}
	e.locked = false
	p.numLocked--
	p.lru.update(slot, lruKey(frame, e.tile.Level))
}

// UpdateUsage marks the slot as used in frame. Locked slots are unaffected.
// Concurrent callers must hold the usage lock.
func (p *Pool) UpdateUsage(frame uint32, slot uint16) {
	if !p.lru.contains(slot) {
		return
	}
	p.lru.update(slot, lruKey(frame, p.entries[slot].tile.Level))
}

// MapPage maps the slot at (level, address) of the given space and layer,
// replacing whatever was mapped there before.
func (p *Pool) MapPage(res Resolver, space, layer, level uint8, address uint32, mappedLevel uint8, slot uint16) {
	if !p.entries[slot].occupied() {
		panic(errors.AssertionFailedf("mapping free slot %d of physical space %d", slot, p.id))
	}
	phys := pagemap.Phys{Space: p.id, Slot: slot}
	prev, replaced := res.PageMap(space, layer).MapPage(level, address, mappedLevel, phys)
	ref := MappingRef{Space: space, Layer: layer, Level: level, Address: address}
	if replaced {
		if prev == phys {
			return
		}
		res.Pool(prev.Space).RemoveMapping(prev.Slot, ref)
	}
	p.addMapping(slot, ref)
}

// UnmapPage removes the page-table mapping at ref if it points at one of this
// pool's slots.
func (p *Pool) UnmapPage(res Resolver, ref MappingRef, mapAncestor bool) bool {
	pm := res.PageMap(ref.Space, ref.Layer)
	mp, ok := pm.FindPage(ref.Level, ref.Address)
	if !ok || mp.Phys.Space != p.id {
		return false
	}
	pm.UnmapPage(ref.Level, ref.Address, mapAncestor)
	return p.RemoveMapping(mp.Phys.Slot, ref)
}

// RemoveMapping drops ref from the slot's mapping list without touching the
// page map; used when the page map has already been updated.
func (p *Pool) RemoveMapping(slot uint16, ref MappingRef) bool {
	for i := p.entries[slot].firstMapping; i >= 0; i = p.nodes[i].next {
		if p.nodes[i].MappingRef == ref {
			p.unlinkNode(slot, i)
			return true
		}
	}
	return false
}

// Mappings returns the page-table locations the slot is mapped at.
func (p *Pool) Mappings(slot uint16) []MappingRef {
	var refs []MappingRef
	for i := p.entries[slot].firstMapping; i >= 0; i = p.nodes[i].next {
		refs = append(refs, p.nodes[i].MappingRef)
	}
	return refs
}

// EvictAllPages frees every unlocked slot.
func (p *Pool) EvictAllPages(res Resolver) int {
	n := 0
	for i := range p.entries {
		if e := &p.entries[i]; e.occupied() && !e.locked {
			p.Free(res, uint16(i))
			n++
		}
	}
	poolLogger.Printf("space %d: evicted %d pages", p.id, n)
	return n
}

// EvictProducer frees every slot holding a tile of the producer, locked or
// not.
func (p *Pool) EvictProducer(res Resolver, h producer.Handle) int {
	n := 0
	for i := range p.entries {
		if p.entries[i].tile.Producer == h && !h.IsNull() {
			p.Free(res, uint16(i))
			n++
		}
	}
	return n
}

// LockedTiles returns the tiles held by locked slots.
func (p *Pool) LockedTiles() []Tile {
	var tiles []Tile
	for i := range p.entries {
		if e := &p.entries[i]; e.locked {
			tiles = append(tiles, e.tile)
		}
	}
	return tiles
}

func (p *Pool) unmapAll(res Resolver, slot uint16, mapAncestor bool) {
	e := &p.entries[slot]
	for i := e.firstMapping; i >= 0; {
		n := p.nodes[i]
		res.PageMap(n.Space, n.Layer).UnmapPage(n.Level, n.Address, mapAncestor)
		next := n.next
		p.unlinkNode(slot, i)
		i = next
	}
}

func (p *Pool) addMapping(slot uint16, ref MappingRef) {
	var i int32
	if p.freeNode >= 0 {
		i = p.freeNode
		p.freeNode = p.nodes[i].next
	} else {
		p.nodes = append(p.nodes, mappingNode{})
		i = int32(len(p.nodes) - 1)
	}
	e := &p.entries[slot]
	p.nodes[i] = mappingNode{MappingRef: ref, next: e.firstMapping, prev: -1}
	if e.firstMapping >= 0 {
		p.nodes[e.firstMapping].prev = i
	}
	e.firstMapping = i
	p.numMappings++
}

func (p *Pool) unlinkNode(slot uint16, i int32) {
	n := &p.nodes[i]
	if n.prev >= 0 {
		p.nodes[n.prev].next = n.next
	} else {
		p.entries[slot].firstMapping = n.next
	}
	if n.next >= 0 {
		p.nodes[n.next].prev = n.prev
	}
	n.next, n.prev = p.freeNode, -1
	p.freeNode = i
	p.numMappings--
}

// Validate checks that each slot holds at most one tile and vice versa, that
// locked slots are exactly those outside the LRU heap, and that every mapping
// record is reflected in its page map.
func (p *Pool) Validate(res Resolver) error {
	var errs []error
	occupied, locked, mappings := 0, 0, 0
	for i := range p.entries {
		slot := uint16(i)
		e := &p.entries[i]
		if e.locked {
			locked++
		}
		if e.locked == p.lru.contains(slot) {
			errs = append(errs, errors.AssertionFailedf("slot %d: locked=%t but in-heap=%t", slot, e.locked, p.lru.contains(slot)))
		}
		if !e.occupied() {
			if e.firstMapping >= 0 {
				errs = append(errs, errors.AssertionFailedf("free slot %d has mappings", slot))
			}
			if e.locked {
				errs = append(errs, errors.AssertionFailedf("free slot %d is locked", slot))
			}
			continue
		}
		occupied++
		if got, ok := p.index[e.tile]; !ok || got != slot {
			errs = append(errs, errors.AssertionFailedf("slot %d tile %+v indexed at %d (%t)", slot, e.tile, got, ok))
		}
		for _, ref := range p.Mappings(slot) {
			mappings++
			mp, ok := res.PageMap(ref.Space, ref.Layer).FindPage(ref.Level, ref.Address)
			if !ok || mp.Phys != (pagemap.Phys{Space: p.id, Slot: slot}) {
				errs = append(errs, errors.AssertionFailedf("slot %d mapping %+v not in page map (found %t → %+v)", slot, ref, ok, mp.Phys))
			}
		}
	}
	if occupied != len(p.index) {
		errs = append(errs, errors.AssertionFailedf("%d occupied slots, %d indexed tiles", occupied, len(p.index)))
	}
	if locked != p.numLocked {
		errs = append(errs, errors.AssertionFailedf("%d locked slots, counter says %d", locked, p.numLocked))
	}
	if mappings != p.numMappings {
		errs = append(errs, errors.AssertionFailedf("%d mapping records, counter says %d", mappings, p.numMappings))
	}
	return errors.Join(errs...)
}
