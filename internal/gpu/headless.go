package gpu

import (
	"image"
	"sync"

	"github.com/cockroachdb/errors"
)

// Headless is a Device backed by host memory. It's safe for concurrent use.
type Headless struct {
	mu    sync.Mutex
	stats HeadlessStats
}

// HeadlessStats counts the work a Headless device has done.
type HeadlessStats struct {
	Textures      int
	Buffers       int
	Copies        int
	Uploads       int
	UploadedBytes int64
}

// HeadlessTexture is a Texture owned by a Headless device.
type HeadlessTexture struct {
	device *Headless
	size   image.Point
	format Format
	mips   [][]byte
}

// HeadlessBuffer is a Buffer owned by a Headless device.
type HeadlessBuffer struct {
	device *Headless
	data   []byte
	locked bool
}

var _ Device = (*Headless)(nil)

// NewHeadless returns an empty in-memory device.
func NewHeadless() *Headless {
	return &Headless{}
}

// Stats returns a snapshot of the device counters.
func (h *Headless) Stats() HeadlessStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (t *HeadlessTexture) Size() image.Point { return t.size }
func (t *HeadlessTexture) Format() Format    { return t.format }
func (t *HeadlessTexture) MipLevels() int    { return len(t.mips) }

// Pixels returns a copy of the texels of one mip, tightly packed row-major.
func (t *HeadlessTexture) Pixels(mip int) []byte {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	return append([]byte(nil), t.mips[mip]...)
}

// Texel returns the bytes of a single texel.
func (t *HeadlessTexture) Texel(mip, x, y int) []byte {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	bpp := t.format.BytesPerPixel()
	stride := MipSize(t.size, mip).X * bpp
	off := y*stride + x*bpp
	return append([]byte(nil), t.mips[mip][off:off+bpp]...)
}

func (b *HeadlessBuffer) Len() int { return len(b.data) }

func (h *Headless) CreateTexture2D(size image.Point, format Format, mipLevels int) (Texture, error) {
	if size.X <= 0 || size.Y <= 0 || mipLevels <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "%dx%d with %d mips", size.X, size.Y, mipLevels)
	}
	t := &HeadlessTexture{device: h, size: size, format: format, mips: make([][]byte, mipLevels)}
	for m := range t.mips {
		s := MipSize(size, m)
		t.mips[m] = make([]byte, s.X*s.Y*format.BytesPerPixel())
	}

	h.mu.Lock()
	h.stats.Textures++
	h.mu.Unlock()
	return t, nil
}

func (h *Headless) texture(t Texture) (*HeadlessTexture, error) {
	ht, ok := t.(*HeadlessTexture)
	if !ok || ht.device != h {
		return nil, ErrForeignResource
	}
	return ht, nil
}

func (h *Headless) buffer(b Buffer) (*HeadlessBuffer, error) {
	hb, ok := b.(*HeadlessBuffer)
	if !ok || hb.device != h {
		return nil, ErrForeignResource
	}
	return hb, nil
}

func (h *Headless) CopyTexture(src, dst Texture, region Region) error {
	s, err := h.texture(src)
	if err != nil {
		return err
	}
	d, err := h.texture(dst)
	if err != nil {
		return err
	}
	if s.format != d.format {
		return errors.Newf("copy between %s and %s", s.format, d.format)
	}
	if region.Mip >= len(s.mips) || region.Mip >= len(d.mips) {
		return errors.Wrapf(ErrOutOfBounds, "mip %d", region.Mip)
	}

	srcSize, dstSize := MipSize(s.size, region.Mip), MipSize(d.size, region.Mip)
	r := region.Src
	dr := image.Rectangle{Min: region.Dst, Max: region.Dst.Add(r.Size())}
	if !r.In(image.Rectangle{Max: srcSize}) || !dr.In(image.Rectangle{Max: dstSize}) {
		return errors.Wrapf(ErrOutOfBounds, "copy %v -> %v", r, dr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	bpp := s.format.BytesPerPixel()
	row := r.Dx() * bpp
	for y := 0; y < r.Dy(); y++ {
		so := ((r.Min.Y+y)*srcSize.X + r.Min.X) * bpp
		do := ((dr.Min.Y+y)*dstSize.X + dr.Min.X) * bpp
		copy(d.mips[region.Mip][do:do+row], s.mips[region.Mip][so:so+row])
	}
	h.stats.Copies++
	return nil
}

func (h *Headless) ReleaseTexture(t Texture) {
	if ht, err := h.texture(t); err == nil {
		h.mu.Lock()
		ht.mips = nil
		h.stats.Textures--
		h.mu.Unlock()
	}
}

func (h *Headless) CreateBuffer(size int) (Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "buffer of %d bytes", size)
	}
	h.mu.Lock()
	h.stats.Buffers++
	h.mu.Unlock()
	return &HeadlessBuffer{device: h, data: make([]byte, size)}, nil
}

func (h *Headless) Lock(b Buffer) ([]byte, error) {
	hb, err := h.buffer(b)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if hb.locked {
		return nil, errors.New("buffer already locked")
	}
	hb.locked = true
	return hb.data, nil
}

func (h *Headless) Unlock(b Buffer) error {
	hb, err := h.buffer(b)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !hb.locked {
		return ErrNotLocked
	}
	hb.locked = false
	return nil
}

func (h *Headless) ReleaseBuffer(b Buffer) {
	if hb, err := h.buffer(b); err == nil {
		h.mu.Lock()
		hb.data = nil
		h.stats.Buffers--
		h.mu.Unlock()
	}
}

func (h *Headless) UploadBuffer(dst Texture, mip int, rect image.Rectangle, src Buffer) error {
	d, err := h.texture(dst)
	if err != nil {
		return err
	}
	sb, err := h.buffer(src)
	if err != nil {
		return err
	}
	if mip >= len(d.mips) {
		return errors.Wrapf(ErrOutOfBounds, "mip %d of %d", mip, len(d.mips))
	}
	size := MipSize(d.size, mip)
	if rect.Empty() || !rect.In(image.Rectangle{Max: size}) {
		return errors.Wrapf(ErrOutOfBounds, "upload %v into %v", rect, size)
	}
	bpp := d.format.BytesPerPixel()
	row := rect.Dx() * bpp
	if need := row * rect.Dy(); need > len(sb.data) {
		return errors.Wrapf(ErrOutOfBounds, "upload needs %d bytes, buffer has %d", need, len(sb.data))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sb.locked {
		return errors.New("upload from locked buffer")
	}
	for y := 0; y < rect.Dy(); y++ {
		do := ((rect.Min.Y+y)*size.X + rect.Min.X) * bpp
		copy(d.mips[mip][do:do+row], sb.data[y*row:(y+1)*row])
	}
	h.stats.Uploads++
	h.stats.UploadedBytes += int64(row * rect.Dy())
	return nil
}
