// Package morton implements Morton (Z-order) interleaving of tile coordinates.
//
// Virtual addresses in a page-table space are Morton codes of level-0 tile
// coordinates, so a block of 2^n tiles per axis starting at an aligned address
// occupies one contiguous address range, and the address of a tile at mip level
// L is the level-0 address with its low L*dims bits cleared.
package morton

// part1By1 spreads the low 16 bits of x so there's a zero bit between each.
func part1By1(x uint32) uint32 {
	x &= 0x0000ffff
	x = (x ^ (x << 8)) & 0x00ff00ff
	x = (x ^ (x << 4)) & 0x0f0f0f0f
	x = (x ^ (x << 2)) & 0x33333333
	x = (x ^ (x << 1)) & 0x55555555
	return x
}

// compact1By1 is the inverse of part1By1.
func compact1By1(x uint32) uint32 {
	x &= 0x55555555
	x = (x ^ (x >> 1)) & 0x33333333
	x = (x ^ (x >> 2)) & 0x0f0f0f0f
	x = (x ^ (x >> 4)) & 0x00ff00ff
	x = (x ^ (x >> 8)) & 0x0000ffff
	return x
}

// part1By2 spreads the low 10 bits of x so there are two zero bits between
// each.
func part1By2(x uint32) uint32 {
	x &= 0x000003ff
	x = (x ^ (x << 16)) & 0xff0000ff
	x = (x ^ (x << 8)) & 0x0300f00f
	x = (x ^ (x << 4)) & 0x030c30c3
	x = (x ^ (x << 2)) & 0x09249249
	return x
}

func compact1By2(x uint32) uint32 {
	x &= 0x09249249
	x = (x ^ (x >> 2)) & 0x030c30c3
	x = (x ^ (x >> 4)) & 0x0300f00f
	x = (x ^ (x >> 8)) & 0xff0000ff
	x = (x ^ (x >> 16)) & 0x000003ff
	return x
}

// Encode2 interleaves the bits of x and y, x in the even bits.
func Encode2(x, y uint32) uint32 { return part1By1(x) | part1By1(y)<<1 }

// Decode2 is the inverse of Encode2.
func Decode2(code uint32) (x, y uint32) { return compact1By1(code), compact1By1(code >> 1) }

// Encode3 interleaves three 10-bit coordinates.
func Encode3(x, y, z uint32) uint32 { return part1By2(x) | part1By2(y)<<1 | part1By2(z)<<2 }

// Decode3 is the inverse of Encode3.
func Decode3(code uint32) (x, y, z uint32) {
	return compact1By2(code), compact1By2(code >> 1), compact1By2(code >> 2)
}

// Encode interleaves the given coordinates for a space of the given
// dimensionality (2 or 3). The z coordinate is ignored in 2D.
func Encode(dims uint8, x, y, z uint32) uint32 {
	if dims == 3 {
		return Encode3(x, y, z)
	}
	return Encode2(x, y)
}

// Decode is the inverse of Encode.
func Decode(dims uint8, code uint32) (x, y, z uint32) {
	if dims == 3 {
		return Decode3(code)
	}
	x, y = Decode2(code)
	return x, y, 0
}

// LevelMask returns the mask that aligns a level-0 address down to the start of
// its enclosing tile at the given level.
func LevelMask(dims, level uint8) uint32 {
	shift := uint32(level) * uint32(dims)
	if shift >= 32 {
		return 0
	}
	return ^uint32(0) << shift
}

// BlockSize returns the number of level-0 addresses covered by one tile at the
// given level.
func BlockSize(dims, level uint8) uint64 {
	return uint64(1) << (uint64(level) * uint64(dims))
}
