// Package feedback decodes GPU feedback buffers into counted unique pages.
//
// A feedback buffer holds one packed page per pixel: tile x in bits 0-11,
// tile y in 12-23, level in 24-27 and page-table space in 28-31. 0xffffffff
// marks pixels that sampled no virtual texture.
package feedback

import (
	"fmt"

	"github.com/irfansharif/vtex/internal/morton"
)

// NoPage marks a pixel without a virtual texture sample.
const NoPage = ^uint32(0)

const (
	MaxSpaces = 16
	MaxLevels = 16
	maxCoord  = 1 << 12
)

// Page is a packed feedback value.
type Page uint32

// EncodePage packs a page reference. x and y are in tiles at the given level.
func EncodePage(space, level uint8, x, y uint32) Page {
	return Page(x&0xfff | (y&0xfff)<<12 | uint32(level&0xf)<<24 | uint32(space&0xf)<<28)
}

// Decode unpacks the page.
func (p Page) Decode() (space, level uint8, x, y uint32) {
	return uint8(p >> 28), uint8(p>>24) & 0xf, uint32(p) & 0xfff, uint32(p>>12) & 0xfff
}

// Space returns the page-table space.
func (p Page) Space() uint8 { return uint8(p >> 28) }

// Level returns the mip level.
func (p Page) Level() uint8 { return uint8(p>>24) & 0xf }

// Address returns the page's level-0 Morton address within its space.
func (p Page) Address() uint32 {
	_, level, x, y := p.Decode()
	return morton.Encode2(x<<level, y<<level)
}

func (p Page) String() string {
	space, level, x, y := p.Decode()
	return fmt.Sprintf("space=%d level=%d (%d,%d)", space, level, x, y)
}
