package morton

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode2(t *testing.T) {
	require.Equal(t, uint32(0), Encode2(0, 0))
	require.Equal(t, uint32(1), Encode2(1, 0))
	require.Equal(t, uint32(2), Encode2(0, 1))
	require.Equal(t, uint32(3), Encode2(1, 1))
	require.Equal(t, uint32(0xc), Encode2(2, 2))

	for _, tc := range [][2]uint32{{0, 0}, {5, 9}, {4095, 4095}, {1234, 17}} {
		x, y := Decode2(Encode2(tc[0], tc[1]))
		require.Equal(t, tc[0], x)
		require.Equal(t, tc[1], y)
	}
}

func TestEncodeDecode3(t *testing.T) {
	require.Equal(t, uint32(7), Encode3(1, 1, 1))
	x, y, z := Decode3(Encode3(1023, 3, 512))
	require.Equal(t, []uint32{1023, 3, 512}, []uint32{x, y, z})
}

func TestLevelMask(t *testing.T) {
	// Level 1 in 2D covers 4 level-0 tiles.
	require.Equal(t, uint32(0xfffffffc), LevelMask(2, 1))
	require.Equal(t, uint64(4), BlockSize(2, 1))
	require.Equal(t, uint64(64), BlockSize(3, 2))
	require.Equal(t, uint32(0), LevelMask(2, 16))

	// The level-1 tile containing (3, 2) starts at (2, 2).
	require.Equal(t, Encode2(2, 2), Encode2(3, 2)&LevelMask(2, 1))
}
