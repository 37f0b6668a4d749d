package pagepool

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagemap"
	"github.com/irfansharif/vtex/internal/producer"
)

type resolver struct {
	maps  map[[2]uint8]*pagemap.PageMap
	pools map[uint16]*Pool
}

func newResolver(pools ...*Pool) *resolver {
	r := &resolver{maps: make(map[[2]uint8]*pagemap.PageMap), pools: make(map[uint16]*Pool)}
	for _, p := range pools {
		r.pools[p.ID()] = p
	}
	return r
}

func (r *resolver) PageMap(space, layer uint8) *pagemap.PageMap {
	k := [2]uint8{space, layer}
	if m, ok := r.maps[k]; ok {
		return m
	}
	m := pagemap.New(2, 4)
	r.maps[k] = m
	return m
}

func (r *resolver) Pool(id uint16) *Pool { return r.pools[id] }

const h = producer.Handle(1<<22 | 1)

func tile(x, y uint32, level uint8) Tile {
	return Tile{Producer: h, Address: morton.Encode2(x, y), Level: level}
}

func TestAllocPrefersFreeSlots(t *testing.T) {
	p := New(0, 4, 2)
	res := newResolver(p)

	seen := make(map[uint16]bool)
	for i := uint32(0); i < 4; i++ {
		require.True(t, p.AnyFreeAvailable(1))
		slot := p.Alloc(res, 1, tile(i, 0, 0), false)
		require.False(t, seen[slot], "slot %d reused while free slots remain", slot)
		seen[slot] = true
	}
	require.Equal(t, 4, p.NumOccupied())

	// Every slot was used in frame 1.
	require.False(t, p.AnyFreeAvailable(1))
	require.True(t, p.AnyFreeAvailable(2))
	require.NoError(t, p.Validate(res))
}

func TestAllocEvictsLeastRecentlyUsed(t *testing.T) {
	p := New(0, 3, 2)
	res := newResolver(p)

	a := p.Alloc(res, 1, tile(0, 0, 0), false)
	b := p.Alloc(res, 1, tile(1, 0, 0), false)
	c := p.Alloc(res, 1, tile(2, 0, 0), false)

	p.UpdateUsage(3, a)
	p.UpdateUsage(2, c)

	// b was last used in frame 1 and goes first.
	got := p.Alloc(res, 4, tile(3, 0, 0), false)
	require.Equal(t, b, got)
	require.Equal(t, NoSlot, p.FindPageAddress(tile(1, 0, 0)))
	require.Equal(t, got, p.FindPageAddress(tile(3, 0, 0)))

	got = p.Alloc(res, 4, tile(0, 1, 0), false)
	require.Equal(t, c, got)
}

func TestAllocEvictsFinerTilesFirstWithinFrame(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)

	coarse := p.Alloc(res, 5, tile(0, 0, 2), false)
	fine := p.Alloc(res, 5, tile(0, 0, 0), false)
	_ = coarse

	require.Equal(t, fine, p.Alloc(res, 6, tile(1, 0, 0), false))
}

func TestLockedSlotsAreNotEvicted(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)

	locked := p.Alloc(res, 1, tile(0, 0, 3), true)
	other := p.Alloc(res, 1, tile(1, 0, 0), false)
	require.Equal(t, 1, p.NumLockedPages())

	for f := uint32(2); f < 10; f++ {
		require.True(t, p.AnyFreeAvailable(f))
		require.Equal(t, other, p.Alloc(res, f, tile(f, 0, 0), false))
	}
	require.Equal(t, tile(0, 0, 3), p.Tile(locked))

	p.Unlock(10, other)
	p.Unlock(1, locked)
	require.Equal(t, 0, p.NumLockedPages())
	require.Equal(t, locked, p.Alloc(res, 11, tile(0, 1, 0), false))
	require.NoError(t, p.Validate(res))
}

func TestNoEvictableSlot(t *testing.T) {
	p := New(0, 1, 2)
	res := newResolver(p)
	p.Alloc(res, 1, tile(0, 0, 0), true)
	require.False(t, p.AnyFreeAvailable(2))
	require.Panics(t, func() { p.Alloc(res, 2, tile(1, 0, 0), false) })
}

func TestDuplicateTilePanics(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)
	p.Alloc(res, 1, tile(0, 0, 0), false)
	require.Panics(t, func() { p.Alloc(res, 2, tile(0, 0, 0), false) })
}

func TestEvictionFallsBackToAncestor(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)
	pm := res.PageMap(0, 0)

	coarse := p.Alloc(res, 1, tile(0, 0, 1), false)
	p.MapPage(res, 0, 0, 1, 0, 1, coarse)
	p.UpdateUsage(5, coarse)

	fine := p.Alloc(res, 2, tile(1, 1, 0), false)
	p.MapPage(res, 0, 0, 0, morton.Encode2(1, 1), 0, fine)
	require.Equal(t, 2, p.NumMappedPages())
	pm.TakeUpdates()

	// The fine tile is older and gets evicted; its page resolves to the
	// coarse tile again.
	require.Equal(t, fine, p.Alloc(res, 6, tile(0, 0, 0), false))
	_, ok := pm.FindPage(0, morton.Encode2(1, 1))
	require.False(t, ok)
	updates := pm.TakeUpdates()
	require.Len(t, updates, 1)
	require.True(t, updates[0].Valid)
	require.Equal(t, pagemap.Phys{Space: 0, Slot: coarse}, updates[0].Phys)
	require.Equal(t, uint8(1), updates[0].MappedLevel)

	require.Equal(t, 1, p.NumMappedPages())
	require.NoError(t, p.Validate(res))
}

func TestFreeInvalidates(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)
	pm := res.PageMap(0, 0)

	coarse := p.Alloc(res, 1, tile(0, 0, 1), false)
	p.MapPage(res, 0, 0, 1, 0, 1, coarse)
	fine := p.Alloc(res, 1, tile(0, 0, 0), false)
	p.MapPage(res, 0, 0, 0, 0, 0, fine)
	pm.TakeUpdates()

	p.Free(res, fine)
	updates := pm.TakeUpdates()
	require.Len(t, updates, 1)
	require.False(t, updates[0].Valid)
	require.Equal(t, Tile{}, p.Tile(fine))

	// Freed slots are reused first.
	require.Equal(t, fine, p.Alloc(res, 2, tile(1, 0, 0), false))
}

func TestSharedSlotMappings(t *testing.T) {
	p := New(0, 2, 2)
	res := newResolver(p)

	slot := p.Alloc(res, 1, tile(0, 0, 0), false)
	// Two spaces map the same tile, as happens when a producer backs two
	// allocated textures.
	p.MapPage(res, 0, 0, 0, 4, 0, slot)
	p.MapPage(res, 1, 0, 0, 8, 0, slot)
	require.ElementsMatch(t, []MappingRef{
		{Space: 0, Layer: 0, Level: 0, Address: 4},
		{Space: 1, Layer: 0, Level: 0, Address: 8},
	}, p.Mappings(slot))

	// Mapping the same location again doesn't duplicate the record.
	p.MapPage(res, 0, 0, 0, 4, 0, slot)
	require.Equal(t, 2, p.NumMappedPages())

	// Eviction unmaps both.
	p.Free(res, slot)
	require.Zero(t, res.PageMap(0, 0).NumMappings())
	require.Zero(t, res.PageMap(1, 0).NumMappings())
	require.Zero(t, p.NumMappedPages())
	require.NoError(t, p.Validate(res))
}

func TestMapPageReplacesAcrossPools(t *testing.T) {
	a, b := New(0, 2, 2), New(1, 2, 2)
	res := newResolver(a, b)

	sa := a.Alloc(res, 1, tile(0, 0, 0), false)
	a.MapPage(res, 0, 0, 0, 0, 0, sa)

	other := Tile{Producer: producer.Handle(1<<22 | 2), Address: 0}
	sb := b.Alloc(res, 1, other, false)
	b.MapPage(res, 0, 0, 0, 0, 0, sb)

	require.Empty(t, a.Mappings(sa))
	require.Len(t, b.Mappings(sb), 1)
	require.NoError(t, a.Validate(res))
	require.NoError(t, b.Validate(res))
}

func TestFindNearestPageAddress(t *testing.T) {
	p := New(0, 4, 2)
	res := newResolver(p)

	s2 := p.Alloc(res, 1, tile(0, 0, 2), false)
	addr := morton.Encode2(3, 2)
	require.Equal(t, s2, p.FindNearestPageAddress(h, 0, addr, 0, 4))
	lvl, ok := p.FindNearestPageLevel(h, 0, addr, 0, 4)
	require.True(t, ok)
	require.Equal(t, uint8(2), lvl)

	require.Equal(t, NoSlot, p.FindNearestPageAddress(h, 0, addr, 0, 1))
	require.Equal(t, NoSlot, p.FindNearestPageAddress(h, 1, addr, 0, 4))
}

func TestEvictProducer(t *testing.T) {
	p := New(0, 4, 2)
	res := newResolver(p)
	other := producer.Handle(1<<22 | 2)

	p.Alloc(res, 1, tile(0, 0, 0), true)
	p.Alloc(res, 1, tile(1, 0, 0), false)
	p.Alloc(res, 1, Tile{Producer: other}, false)

	require.Equal(t, 2, p.EvictProducer(res, h))
	require.Zero(t, p.NumLockedPages())
	require.Equal(t, 1, p.NumOccupied())

	p.Alloc(res, 2, tile(0, 0, 0), true)
	require.Equal(t, 1, p.EvictAllPages(res))
	require.Equal(t, []Tile{tile(0, 0, 0)}, p.LockedTiles())
	require.NoError(t, p.Validate(res))
}

func TestLRUHeapRandomized(t *testing.T) {
	const n = 64
	rng := rand.New(rand.NewSource(1))
	hp := newLRUHeap(n)
	keys := make(map[uint16]uint32)

	for i := 0; i < 2000; i++ {
		slot := uint16(rng.Intn(n))
		if rng.Intn(4) == 0 {
			hp.remove(slot)
			delete(keys, slot)
		} else {
			k := uint32(rng.Intn(100))
			hp.update(slot, k)
			keys[slot] = k
		}
		require.Equal(t, len(keys), hp.len())

		top, key, ok := hp.top()
		if len(keys) == 0 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		for s, k := range keys {
			require.True(t, key < k || (key == k && top <= s), "top %d/%d beats %d/%d", top, key, s, k)
		}
	}
}
