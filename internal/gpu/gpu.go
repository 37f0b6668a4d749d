// Package gpu defines the small set of GPU resource operations the paging core
// calls into: creating textures, copying between them, and staging uploads
// through lockable buffers. Backends implement Device; Headless is an
// in-memory implementation for tests and headless runs.
package gpu

import (
	"fmt"
	"image"

	"github.com/cockroachdb/errors"
)

// Format identifies a texel format.
type Format uint8

const (
	FormatRGBA8 Format = iota
	FormatR8
	FormatRGBA16F
	FormatR16Uint
	FormatR32Uint
)

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatR8:
		return "R8"
	case FormatRGBA16F:
		return "RGBA16F"
	case FormatR16Uint:
		return "R16UI"
	case FormatR32Uint:
		return "R32UI"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// BytesPerPixel returns the storage size of a single texel.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatR8:
		return 1
	case FormatR16Uint:
		return 2
	case FormatRGBA16F:
		return 8
	default:
		return 4
	}
}

// Texture is a backend-owned 2D texture.
type Texture interface {
	Size() image.Point
	Format() Format
	MipLevels() int
}

// Buffer is a backend-owned staging buffer.
type Buffer interface {
	Len() int
}

// Region describes a CopyTexture operation: the source rectangle at Mip is
// copied to Dst at the same mip of the destination.
type Region struct {
	Mip int
	Src image.Rectangle
	Dst image.Point
}

// Device is the GPU resource contract.
type Device interface {
	CreateTexture2D(size image.Point, format Format, mipLevels int) (Texture, error)
	CopyTexture(src, dst Texture, region Region) error
	ReleaseTexture(t Texture)

	CreateBuffer(size int) (Buffer, error)
	// Lock maps the buffer for writing; the returned bytes are valid until
	// Unlock.
	Lock(b Buffer) ([]byte, error)
	Unlock(b Buffer) error
	ReleaseBuffer(b Buffer)

	// UploadBuffer copies tightly packed texels from the start of src into
	// rect of the given mip.
	UploadBuffer(dst Texture, mip int, rect image.Rectangle, src Buffer) error
}

var (
	// ErrInvalidSize is returned for empty or negative texture sizes.
	ErrInvalidSize = errors.New("invalid texture size")
	// ErrOutOfBounds is returned when a rectangle doesn't fit its target.
	ErrOutOfBounds = errors.New("rectangle out of bounds")
	// ErrNotLocked is returned by Unlock for a buffer that isn't locked.
	ErrNotLocked = errors.New("buffer not locked")
	// ErrForeignResource is returned when a resource from another device is
	// passed in.
	ErrForeignResource = errors.New("resource not owned by this device")
)

// MipSize returns the size of the given mip of a texture of the given size.
func MipSize(size image.Point, mip int) image.Point {
	return image.Pt(max(size.X>>mip, 1), max(size.Y>>mip, 1))
}
