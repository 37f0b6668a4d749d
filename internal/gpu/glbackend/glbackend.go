// Package glbackend implements gpu.Device on OpenGL 4.1 core. Staging
// buffers are pixel unpack buffers; copies go through a read framebuffer.
// Every call must be made from the thread owning the current GL context.
package glbackend

import (
	"image"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/irfansharif/vtex/internal/gpu"
)

// Texture is a GL texture object.
type Texture struct {
	id     uint32
	size   image.Point
	format gpu.Format
	mips   int
}

func (t *Texture) Size() image.Point  { return t.size }
func (t *Texture) Format() gpu.Format { return t.format }
func (t *Texture) MipLevels() int     { return t.mips }

// ID returns the GL texture name, for binding.
func (t *Texture) ID() uint32 { return t.id }

// Buffer is a GL pixel unpack buffer.
type Buffer struct {
	id     uint32
	size   int
	mapped bool
}

func (b *Buffer) Len() int { return b.size }

type formatInfo struct {
	internal int32
	format   uint32
	xtype    uint32
	integer  bool
}

func glFormat(f gpu.Format) (formatInfo, error) {
	switch f {
	case gpu.FormatRGBA8:
		return formatInfo{internal: gl.RGBA8, format: gl.RGBA, xtype: gl.UNSIGNED_BYTE}, nil
	case gpu.FormatR8:
		return formatInfo{internal: gl.R8, format: gl.RED, xtype: gl.UNSIGNED_BYTE}, nil
	case gpu.FormatRGBA16F:
		return formatInfo{internal: gl.RGBA16F, format: gl.RGBA, xtype: gl.HALF_FLOAT}, nil
	case gpu.FormatR16Uint:
		return formatInfo{internal: gl.R16UI, format: gl.RED_INTEGER, xtype: gl.UNSIGNED_SHORT, integer: true}, nil
	case gpu.FormatR32Uint:
		return formatInfo{internal: gl.R32UI, format: gl.RED_INTEGER, xtype: gl.UNSIGNED_INT, integer: true}, nil
	default:
		return formatInfo{}, errors.Newf("unsupported format %s", f)
	}
}

// Device is the GL implementation of gpu.Device.
type Device struct {
	readFBO uint32
}

var _ gpu.Device = (*Device)(nil)

// New returns a device for the current GL context.
func New() *Device {
	d := &Device{}
	gl.GenFramebuffers(1, &d.readFBO)
	return d
}

// Release frees the device's own GL objects.
func (d *Device) Release() {
	gl.DeleteFramebuffers(1, &d.readFBO)
}

func glError(op string) error {
	if code := gl.GetError(); code != gl.NO_ERROR {
		return errors.Newf("%s: GL error 0x%x", op, code)
	}
	return nil
}

func (d *Device) texture(t gpu.Texture) (*Texture, error) {
	gt, ok := t.(*Texture)
	if !ok || gt.id == 0 {
		return nil, gpu.ErrForeignResource
	}
	return gt, nil
}

func (d *Device) buffer(b gpu.Buffer) (*Buffer, error) {
	gb, ok := b.(*Buffer)
	if !ok || gb.id == 0 {
		return nil, gpu.ErrForeignResource
	}
	return gb, nil
}

func (d *Device) CreateTexture2D(size image.Point, format gpu.Format, mipLevels int) (gpu.Texture, error) {
	if size.X <= 0 || size.Y <= 0 || mipLevels <= 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidSize, "%v with %d mips", size, mipLevels)
	}
	fi, err := glFormat(format)
	if err != nil {
		return nil, err
	}

	t := &Texture{size: size, format: format, mips: mipLevels}
	gl.GenTextures(1, &t.id)
	gl.BindTexture(gl.TEXTURE_2D, t.id)
	for m := 0; m < mipLevels; m++ {
		s := gpu.MipSize(size, m)
		gl.TexImage2D(gl.TEXTURE_2D, int32(m), fi.internal, int32(s.X), int32(s.Y), 0, fi.format, fi.xtype, nil)
	}
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAX_LEVEL, int32(mipLevels-1))
	filter := int32(gl.LINEAR)
	if fi.integer {
		// Integer textures are only complete with nearest filtering.
		filter = gl.NEAREST
	}
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, filter)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, filter)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if err := glError("creating texture"); err != nil {
		gl.DeleteTextures(1, &t.id)
		return nil, errors.Wrapf(err, "%v %s", size, format)
	}
	return t, nil
}

func (d *Device) CopyTexture(src, dst gpu.Texture, region gpu.Region) error {
	s, err := d.texture(src)
	if err != nil {
		return err
	}
	t, err := d.texture(dst)
	if err != nil {
		return err
	}
	if s.format != t.format {
		return errors.Newf("copy between %s and %s", s.format, t.format)
	}
	if region.Mip >= s.mips || region.Mip >= t.mips {
		return errors.Wrapf(gpu.ErrOutOfBounds, "mip %d", region.Mip)
	}
	r := region.Src
	dr := image.Rectangle{Min: region.Dst, Max: region.Dst.Add(r.Size())}
	if !r.In(image.Rectangle{Max: gpu.MipSize(s.size, region.Mip)}) || !dr.In(image.Rectangle{Max: gpu.MipSize(t.size, region.Mip)}) {
		return errors.Wrapf(gpu.ErrOutOfBounds, "copy %v -> %v", r, dr)
	}

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, d.readFBO)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, s.id, int32(region.Mip))
	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	gl.BindTexture(gl.TEXTURE_2D, t.id)
	gl.CopyTexSubImage2D(gl.TEXTURE_2D, int32(region.Mip),
		int32(dr.Min.X), int32(dr.Min.Y), int32(r.Min.X), int32(r.Min.Y), int32(r.Dx()), int32(r.Dy()))
	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, 0, 0)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	return glError("copying texture")
}

func (d *Device) ReleaseTexture(t gpu.Texture) {
	if gt, err := d.texture(t); err == nil {
		gl.DeleteTextures(1, &gt.id)
		gt.id = 0
	}
}

func (d *Device) CreateBuffer(size int) (gpu.Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidSize, "buffer of %d bytes", size)
	}
	b := &Buffer{size: size}
	gl.GenBuffers(1, &b.id)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, b.id)
	gl.BufferData(gl.PIXEL_UNPACK_BUFFER, size, nil, gl.STREAM_DRAW)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	if err := glError("creating buffer"); err != nil {
		gl.DeleteBuffers(1, &b.id)
		return nil, err
	}
	return b, nil
}

func (d *Device) Lock(b gpu.Buffer) ([]byte, error) {
	gb, err := d.buffer(b)
	if err != nil {
		return nil, err
	}
	if gb.mapped {
		return nil, errors.New("buffer already locked")
	}
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, gb.id)
	ptr := gl.MapBufferRange(gl.PIXEL_UNPACK_BUFFER, 0, gb.size, gl.MAP_WRITE_BIT|gl.MAP_INVALIDATE_BUFFER_BIT)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	if ptr == nil {
		return nil, errors.CombineErrors(errors.New("mapping buffer"), glError("mapping buffer"))
	}
	gb.mapped = true
	return unsafe.Slice((*byte)(ptr), gb.size), nil
}

func (d *Device) Unlock(b gpu.Buffer) error {
	gb, err := d.buffer(b)
	if err != nil {
		return err
	}
	if !gb.mapped {
		return gpu.ErrNotLocked
	}
	gb.mapped = false
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, gb.id)
	ok := gl.UnmapBuffer(gl.PIXEL_UNPACK_BUFFER)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	if !ok {
		return errors.New("buffer contents lost while mapped")
	}
	return nil
}

func (d *Device) ReleaseBuffer(b gpu.Buffer) {
	if gb, err := d.buffer(b); err == nil {
		if gb.mapped {
			_ = d.Unlock(gb)
		}
		gl.DeleteBuffers(1, &gb.id)
		gb.id = 0
	}
}

func (d *Device) UploadBuffer(dst gpu.Texture, mip int, rect image.Rectangle, src gpu.Buffer) error {
	t, err := d.texture(dst)
	if err != nil {
		return err
	}
	b, err := d.buffer(src)
	if err != nil {
		return err
	}
	if b.mapped {
		return errors.New("upload from locked buffer")
	}
	if mip >= t.mips {
		return errors.Wrapf(gpu.ErrOutOfBounds, "mip %d of %d", mip, t.mips)
	}
	if rect.Empty() || !rect.In(image.Rectangle{Max: gpu.MipSize(t.size, mip)}) {
		return errors.Wrapf(gpu.ErrOutOfBounds, "upload %v", rect)
	}
	if need := rect.Dx() * rect.Dy() * t.format.BytesPerPixel(); need > b.size {
		return errors.Wrapf(gpu.ErrOutOfBounds, "upload needs %d bytes, buffer has %d", need, b.size)
	}
	fi, err := glFormat(t.format)
	if err != nil {
		return err
	}

	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, b.id)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.BindTexture(gl.TEXTURE_2D, t.id)
	gl.TexSubImage2D(gl.TEXTURE_2D, int32(mip), int32(rect.Min.X), int32(rect.Min.Y),
		int32(rect.Dx()), int32(rect.Dy()), fi.format, fi.xtype, gl.PtrOffset(0))
	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	return glError("uploading texture")
}
