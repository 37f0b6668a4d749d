package request

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/irfansharif/vtex/internal/producer"
)

func tile(p uint32, address uint32, level uint8) producer.LocalTile {
	return producer.LocalTile{Producer: producer.Handle(1<<22 | p), Address: address, Level: level}
}

func TestAddLoadRequestMerges(t *testing.T) {
	l := New()
	i := l.AddLoadRequest(tile(1, 4, 0), 0b01, 3)
	j := l.AddLoadRequest(tile(1, 4, 0), 0b10, 2)
	require.Equal(t, i, j)
	require.Equal(t, 1, l.NumLoads())
	require.Equal(t, uint8(0b11), l.Load(int(i)).LayerMask)
	require.Equal(t, uint16(5), l.Load(int(i)).Count)

	l.AddLoadRequest(tile(1, 4, 0), 0, 0xffff)
	require.Equal(t, uint16(0xffff), l.Load(int(i)).Count)

	require.NotEqual(t, i, l.AddLoadRequest(tile(1, 4, 1), 1, 1))
	require.Equal(t, NoIndex, int(l.FindLoad(tile(2, 4, 0))))
}

func TestLoadCapacity(t *testing.T) {
	l := New()
	for i := 0; i < LoadCapacity; i++ {
		require.NotEqual(t, uint16(NoIndex), l.AddLoadRequest(tile(1, uint32(i), 0), 1, 1))
	}
	require.Equal(t, uint16(NoIndex), l.AddLoadRequest(tile(2, 0, 0), 1, 1))
	require.Equal(t, uint16(NoIndex), l.LockLoadRequest(tile(2, 0, 0), 1))
	// Existing tiles still merge.
	require.Equal(t, uint16(7), l.AddLoadRequest(tile(1, 7, 0), 2, 1))
}

func TestMappingRequestsDeduplicate(t *testing.T) {
	l := New()
	i := l.AddLoadRequest(tile(1, 0, 0), 1, 1)
	m := Mapping{LoadIndex: i, Space: 1, Layer: 0, Level: 0, Address: 16}
	require.True(t, l.AddMappingRequest(m))
	require.True(t, l.AddMappingRequest(m))
	require.Len(t, l.Mappings(), 1)
	require.False(t, l.AddMappingRequest(Mapping{LoadIndex: 5}))

	d := DirectMapping{Space: 1, Level: 2, Address: 0, PhysicalSpace: 3, Slot: 9}
	require.True(t, l.AddDirectMappingRequest(d))
	require.True(t, l.AddDirectMappingRequest(d))
	require.Len(t, l.DirectMappings(), 1)
}

func TestSortAndClampBudget(t *testing.T) {
	l := New()
	for i := 0; i < 200; i++ {
		idx := l.AddLoadRequest(tile(1, uint32(i), 0), 1, uint16(1+i%17))
		l.AddMappingRequest(Mapping{LoadIndex: idx, Address: uint32(i)})
	}
	locked := make(map[producer.LocalTile]bool)
	for i := 0; i < 10; i++ {
		// Lock some of the least requested tiles.
		tl := tile(1, uint32(i*17), 0)
		l.LockLoadRequest(tl, 1)
		locked[tl] = true
	}
	require.Equal(t, 10, l.NumLocked())

	l.SortAndClamp(64, 1)
	require.Equal(t, 64, l.NumLoads())

	seen := 0
	for i, ld := range l.Loads() {
		if ld.Locked {
			require.True(t, locked[ld.Tile])
			// Locked loads come first.
			require.Less(t, i, 10)
			seen++
		}
	}
	require.Equal(t, 10, seen)

	// Unlocked loads are in descending priority.
	for i := 11; i < l.NumLoads(); i++ {
		require.GreaterOrEqual(t, l.Load(i-1).Priority(1), l.Load(i).Priority(1))
	}

	// Mappings follow their loads.
	require.Len(t, l.Mappings(), 64)
	for _, m := range l.Mappings() {
		require.Equal(t, m.Address, l.Load(int(m.LoadIndex)).Tile.Address)
	}
}

func TestSortAndClampKeepsAllLocked(t *testing.T) {
	l := New()
	for i := 0; i < 8; i++ {
		l.LockLoadRequest(tile(1, uint32(i), 0), 1)
	}
	l.AddLoadRequest(tile(1, 100, 3), 1, 100)
	l.SortAndClamp(4, 1)
	require.Equal(t, 8, l.NumLoads())
	for _, ld := range l.Loads() {
		require.True(t, ld.Locked)
	}
}

func TestSortPrefersCoarse(t *testing.T) {
	l := New()
	l.AddLoadRequest(tile(1, 0, 0), 1, 4)
	l.AddLoadRequest(tile(1, 0, 3), 1, 2)
	l.AddLoadRequest(tile(1, 16, 2), 1, 2)
	l.SortAndClamp(2, 1)
	require.Equal(t, []Load{
		{Tile: tile(1, 0, 3), LayerMask: 1, Count: 2},
		{Tile: tile(1, 16, 2), LayerMask: 1, Count: 2},
	}, l.Loads())
	require.Equal(t, uint16(0), l.FindLoad(tile(1, 0, 3)))
	require.Equal(t, uint16(NoIndex), l.FindLoad(tile(1, 0, 0)))
}

func TestMerge(t *testing.T) {
	build := func(parts int) *List {
		lists := make([]*List, parts)
		for p := range lists {
			lists[p] = New()
		}
		for i := 0; i < 100; i++ {
			pl := lists[i%parts]
			tl := tile(1, uint32(i%30), uint8(i%3))
			idx := pl.AddLoadRequest(tl, uint8(1<<(i%2)), 1)
			pl.AddMappingRequest(Mapping{LoadIndex: idx, Layer: uint8(i % 2), Address: tl.Address, Level: tl.Level})
			if i%25 == 0 {
				pl.LockLoadRequest(tl, 1)
			}
			pl.AddDirectMappingRequest(DirectMapping{Address: uint32(i % 7)})
		}
		merged := lists[0]
		for _, o := range lists[1:] {
			merged.Merge(o)
		}
		return merged
	}

	want := build(1)
	for _, parts := range []int{2, 3, 5} {
		got := build(parts)
		require.ElementsMatch(t, want.Loads(), got.Loads(), "parts=%d", parts)
		require.Equal(t, want.NumLocked(), got.NumLocked())
		require.ElementsMatch(t, want.DirectMappings(), got.DirectMappings())
		require.Equal(t, resolved(want), resolved(got))

		want.SortAndClamp(16, 1)
		got.SortAndClamp(16, 1)
		require.Equal(t, want.Loads(), got.Loads(), "parts=%d", parts)
		require.Equal(t, resolved(want), resolved(got))
		want = build(1)
	}
}

type resolvedMapping struct {
	tile producer.LocalTile
	Mapping
}

// resolved returns the mapping requests with load indexes replaced by tiles.
func resolved(l *List) map[resolvedMapping]bool {
	out := make(map[resolvedMapping]bool)
	for _, m := range l.Mappings() {
		tl := l.Load(int(m.LoadIndex)).Tile
		m.LoadIndex = 0
		out[resolvedMapping{tile: tl, Mapping: m}] = true
	}
	return out
}

func TestPriorityLargeLevelWeight(t *testing.T) {
	const weight = ^uint32(0)
	l := New()
	l.AddLoadRequest(tile(1, 0, 0), 1, 1)
	l.AddLoadRequest(tile(1, 4, 0), 1, 2)
	l.AddLoadRequest(tile(1, 0, 15), 1, 1)

	require.Equal(t, uint64(2)*uint64(weight), l.Load(1).Priority(weight))
	require.Greater(t, l.Load(2).Priority(weight), l.Load(0).Priority(weight))

	l.SortAndClamp(3, weight)
	require.Equal(t, tile(1, 4, 0), l.Load(0).Tile)
	require.Equal(t, tile(1, 0, 15), l.Load(1).Tile)
	require.Equal(t, tile(1, 0, 0), l.Load(2).Tile)

	l.LockLoadRequest(tile(1, 0, 0), 1)
	require.Equal(t, ^uint64(0), l.Load(2).Priority(weight))
}
