package alloc

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/irfansharif/vtex/internal/morton"
)

type texture struct{ name string }

func TestAllocSplitsLargerBlocks(t *testing.T) {
	a := New[*texture](2, 3, 12)

	small := &texture{"small"}
	addr, err := a.Alloc(small, 2, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(0), addr)
	require.NoError(t, a.Validate())

	// 8x8 split into four 4x4, the first of which split into four 2x2.
	require.Equal(t, 3, a.NumFreeBlocks(1))
	require.Equal(t, 3, a.NumFreeBlocks(2))
	require.Equal(t, 0, a.NumFreeBlocks(3))

	next := &texture{"next"}
	addr, err = a.Alloc(next, 1, 2)
	require.NoError(t, err)
	require.Equal(t, morton.Encode2(2, 0), addr)
	require.Equal(t, uint64(8), a.NumAllocatedPages())
	require.NoError(t, a.Validate())
}

func TestAllocExhaustionAndGrow(t *testing.T) {
	a := New[*texture](2, 1, 3)

	big := &texture{"big"}
	_, err := a.Alloc(big, 4, 4)
	require.True(t, errors.Is(err, ErrNoSpace))

	// Growing adds siblings at the old root's size, so a block of the
	// requested size only shows up after the second doubling.
	require.NoError(t, a.Grow())
	require.Equal(t, uint8(2), a.LogSize())
	_, err = a.Alloc(big, 4, 4)
	require.True(t, errors.Is(err, ErrNoSpace))

	require.NoError(t, a.Grow())
	addr, err := a.Alloc(big, 4, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(16), addr)
	require.NoError(t, a.Validate())
	require.True(t, errors.Is(a.Grow(), ErrAtMaxSize))

	got, local, ok := a.Find(addr + morton.Encode2(3, 3))
	require.True(t, ok)
	require.Equal(t, big, got)
	require.Equal(t, morton.Encode2(3, 3), local)
}

func TestAllocDuplicateOwner(t *testing.T) {
	a := New[*texture](2, 2, 4)
	tex := &texture{"dup"}
	_, err := a.Alloc(tex, 1, 1)
	require.NoError(t, err)
	_, err = a.Alloc(tex, 1, 1)
	require.True(t, errors.Is(err, ErrAlreadyAllocated))
}

func TestFind(t *testing.T) {
	a := New[*texture](2, 4, 12)
	first, second := &texture{"first"}, &texture{"second"}

	addrFirst, err := a.Alloc(first, 4, 4)
	require.NoError(t, err)
	addrSecond, err := a.Alloc(second, 3, 2)
	require.NoError(t, err)

	owner, local, ok := a.Find(addrSecond + 5)
	require.True(t, ok)
	require.Equal(t, second, owner)
	require.Equal(t, uint32(5), local)

	owner, local, ok = a.Find(addrFirst)
	require.True(t, ok)
	require.Equal(t, first, owner)
	require.Equal(t, uint32(0), local)

	// Free space resolves to nothing.
	_, _, ok = a.Find(morton.Encode2(15, 15))
	require.False(t, ok)

	require.True(t, a.Free(second))
	_, _, ok = a.Find(addrSecond)
	require.False(t, ok)
	require.False(t, a.Free(second))
}

func TestFreeDoesNotCoalesce(t *testing.T) {
	a := New[*texture](2, 2, 2)
	tex := &texture{"one"}
	_, err := a.Alloc(tex, 1, 1)
	require.NoError(t, err)
	require.True(t, a.Free(tex))

	// The split survives the free, so the whole space can't be handed out
	// again.
	require.Equal(t, 4, a.NumFreeBlocks(0))
	_, err = a.Alloc(&texture{"whole"}, 4, 4)
	require.True(t, errors.Is(err, ErrNoSpace))
	require.NoError(t, a.Validate())
}

func TestPartitionInvariant(t *testing.T) {
	for _, dims := range []uint8{2, 3} {
		rng := rand.New(rand.NewSource(int64(dims)))
		a := New[int](dims, 2, 6)

		live := map[int]bool{}
		for i := 0; i < 2000; i++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				for owner := range live {
					require.True(t, a.Free(owner))
					delete(live, owner)
					break
				}
			} else {
				w, h := uint32(1+rng.Intn(8)), uint32(1+rng.Intn(8))
				_, err := a.Alloc(i, w, h)
				if errors.Is(err, ErrNoSpace) {
					if a.Grow() == nil {
						_, err = a.Alloc(i, w, h)
					}
				}
				if err == nil {
					live[i] = true
				} else {
					require.True(t, errors.Is(err, ErrNoSpace), "%v", err)
				}
			}
			require.NoError(t, a.Validate(), "dims=%d step=%d", dims, i)
		}
		require.Equal(t, len(live), a.NumAllocations())
	}
}

func TestLogSizeFor(t *testing.T) {
	require.Equal(t, uint8(0), LogSizeFor(1, 1))
	require.Equal(t, uint8(0), LogSizeFor(0, 0))
	require.Equal(t, uint8(2), LogSizeFor(4, 3))
	require.Equal(t, uint8(3), LogSizeFor(5, 1))
}
