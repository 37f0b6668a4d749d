// Package pagetable models the page-table texture sampled by shaders: a
// mipmapped 2D texture with one packed entry per virtual tile, naming the
// physical tile (and the mip level it holds) to sample from.
//
// Quads are the unit of update. A host-side mirror applies them and tracks
// dirty rectangles, which are uploaded through the gpu contract.
package pagetable

import (
	"encoding/binary"
	"image"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/gpu"
)

// Format is the storage format of page-table entries.
type Format uint8

const (
	// Format16 packs x:6 y:6 level:4.
	Format16 Format = iota
	// Format32 packs x:12 y:12 level:4, leaving the top 4 bits unused.
	Format32
)

// MaxTiles16 bounds the physical tiles per axis addressable from a 16-bit
// page table.
const MaxTiles16 = 64

// Invalid is the entry for unmapped tiles.
const Invalid Entry = 0xffffffff

// maxDirtyRects bounds the rectangles tracked per mip before they're collapsed
// into their bounding box.
const maxDirtyRects = 16

func (f Format) String() string {
	if f == Format16 {
		return "uint16"
	}
	return "uint32"
}

// GPUFormat returns the texel format used to store entries on the GPU.
func (f Format) GPUFormat() gpu.Format {
	if f == Format16 {
		return gpu.FormatR16Uint
	}
	return gpu.FormatR32Uint
}

// Entry is a packed page-table texel.
type Entry uint32

// Pack builds the entry pointing at physical tile (x, y) holding the given
// mip level.
func Pack(f Format, x, y uint32, level uint8) Entry {
	if f == Format16 {
		return Entry(x&0x3f | (y&0x3f)<<6 | uint32(level&0xf)<<12)
	}
	return Entry(x&0xfff | (y&0xfff)<<12 | uint32(level&0xf)<<24)
}

// Unpack is the inverse of Pack.
func (e Entry) Unpack(f Format) (x, y uint32, level uint8, ok bool) {
	if e == Invalid {
		return 0, 0, 0, false
	}
	v := uint32(e)
	if f == Format16 {
		return v & 0x3f, (v >> 6) & 0x3f, uint8(v>>12) & 0xf, true
	}
	return v & 0xfff, (v >> 12) & 0xfff, uint8(v>>24) & 0xf, true
}

// Quad fills a square of entries at one mip of the page table. X, Y and Size
// are in tiles of that mip.
type Quad struct {
	Mip   uint8
	X, Y  uint32
	Size  uint32
	Entry Entry
}

// Rect returns the quad's footprint at its mip.
func (q Quad) Rect() image.Rectangle {
	return image.Rect(int(q.X), int(q.Y), int(q.X+q.Size), int(q.Y+q.Size))
}

// Texture is the host-side mirror of one page-table texture.
type Texture struct {
	format  Format
	logSize uint8
	mips    [][]Entry
	dirty   [][]image.Rectangle

	staging gpu.Buffer
}

// NewTexture returns a table 2^logSize entries per axis with every mip down to
// 1x1, all entries Invalid.
func NewTexture(format Format, logSize uint8) *Texture {
	t := &Texture{format: format}
	t.init(logSize)
	return t
}

func (t *Texture) init(logSize uint8) {
	t.logSize = logSize
	t.mips = make([][]Entry, int(logSize)+1)
	t.dirty = make([][]image.Rectangle, int(logSize)+1)
	for m := range t.mips {
		side := t.Side(uint8(m))
		t.mips[m] = make([]Entry, side*side)
		for i := range t.mips[m] {
			t.mips[m][i] = Invalid
		}
	}
}

// Format returns the entry format.
func (t *Texture) Format() Format { return t.format }

// LogSize returns log2 of the mip-0 side.
func (t *Texture) LogSize() uint8 { return t.logSize }

// MipLevels returns the number of mips.
func (t *Texture) MipLevels() int { return len(t.mips) }

// Side returns the side of the given mip in entries.
func (t *Texture) Side(mip uint8) uint32 {
	if mip > t.logSize {
		return 0
	}
	return uint32(1) << (t.logSize - mip)
}

// Entry returns the entry at (x, y) of the given mip.
func (t *Texture) Entry(mip uint8, x, y uint32) Entry {
	side := t.Side(mip)
	if x >= side || y >= side {
		return Invalid
	}
	return t.mips[mip][y*side+x]
}

// Apply writes the quads in order, later quads overwriting earlier ones.
// Quads are clipped to the table.
func (t *Texture) Apply(quads []Quad) {
	for _, q := range quads {
		side := t.Side(q.Mip)
		if side == 0 {
			continue
		}
		r := q.Rect().Intersect(image.Rect(0, 0, int(side), int(side)))
		if r.Empty() {
			continue
		}
		entries := t.mips[q.Mip]
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := entries[uint32(y)*side:]
			for x := r.Min.X; x < r.Max.X; x++ {
				row[x] = q.Entry
			}
		}
		t.markDirty(q.Mip, r)
	}
}

func (t *Texture) markDirty(mip uint8, r image.Rectangle) {
	rects := t.dirty[mip]
	for i := range rects {
		if r.In(rects[i]) {
			return
		}
		if rects[i].In(r) {
			rects[i] = r
			return
		}
	}
	rects = append(rects, r)
	if len(rects) > maxDirtyRects {
		var bounds image.Rectangle
		for _, d := range rects {
			bounds = bounds.Union(d)
		}
		rects = append(rects[:0], bounds)
	}
	t.dirty[mip] = rects
}

// Dirty returns the rectangles of the given mip written since the last upload.
func (t *Texture) Dirty(mip uint8) []image.Rectangle { return t.dirty[mip] }

// Resize grows the table to 2^logSize per axis. Existing entries keep their
// position (addresses don't move when a space grows); the new area is
// Invalid and marked dirty. It returns the old mip-0 side so the caller can
// copy the GPU texture contents over.
func (t *Texture) Resize(logSize uint8) (oldSide uint32, err error) {
	if logSize < t.logSize {
		return 0, errors.Newf("page table can't shrink from 2^%d to 2^%d", t.logSize, logSize)
	}
	oldSide = t.Side(0)
	if logSize == t.logSize {
		return oldSide, nil
	}

	old, oldDirty, oldLog := t.mips, t.dirty, t.logSize
	t.init(logSize)
	for m := 0; m <= int(oldLog); m++ {
		side := t.Side(uint8(m))
		oside := uint32(1) << (oldLog - uint8(m))
		for y := uint32(0); y < oside; y++ {
			copy(t.mips[m][y*side:y*side+oside], old[m][y*oside:(y+1)*oside])
		}
		t.dirty[m] = oldDirty[m]
		t.markDirty(uint8(m), image.Rect(int(oside), 0, int(side), int(oside)))
		t.markDirty(uint8(m), image.Rect(0, int(oside), int(side), int(side)))
	}
	for m := int(oldLog) + 1; m <= int(logSize); m++ {
		side := int(t.Side(uint8(m)))
		t.markDirty(uint8(m), image.Rect(0, 0, side, side))
	}
	return oldSide, nil
}

// Upload writes every dirty rectangle into dst through a staging buffer, then
// clears the dirty set. dst must have the same size and mip count.
func (t *Texture) Upload(device gpu.Device, dst gpu.Texture) error {
	bpe := t.format.GPUFormat().BytesPerPixel()
	for m := range t.dirty {
		side := t.Side(uint8(m))
		for _, r := range t.dirty[m] {
			need := r.Dx() * r.Dy() * bpe
			if t.staging == nil || t.staging.Len() < need {
				if t.staging != nil {
					device.ReleaseBuffer(t.staging)
				}
				buf, err := device.CreateBuffer(max(need, int(side)*bpe))
				if err != nil {
					return errors.Wrap(err, "allocating page table staging buffer")
				}
				t.staging = buf
			}

			data, err := device.Lock(t.staging)
			if err != nil {
				return errors.Wrap(err, "locking page table staging buffer")
			}
			off := 0
			for y := r.Min.Y; y < r.Max.Y; y++ {
				row := t.mips[m][uint32(y)*side:]
				for x := r.Min.X; x < r.Max.X; x++ {
					if t.format == Format16 {
						binary.LittleEndian.PutUint16(data[off:], uint16(row[x]))
					} else {
						binary.LittleEndian.PutUint32(data[off:], uint32(row[x]))
					}
					off += bpe
				}
			}
			if err := device.Unlock(t.staging); err != nil {
				return errors.Wrap(err, "unlocking page table staging buffer")
			}
			if err := device.UploadBuffer(dst, m, r, t.staging); err != nil {
				return errors.Wrapf(err, "uploading page table mip %d", m)
			}
		}
		t.dirty[m] = t.dirty[m][:0]
	}
	return nil
}

// Release frees the staging buffer.
func (t *Texture) Release(device gpu.Device) {
	if t.staging != nil {
		device.ReleaseBuffer(t.staging)
		t.staging = nil
	}
}
