// Package alloc hands out virtual address ranges within a page-table space.
//
// The address space is a quadtree (octree in 3D) laid out in Morton order. A
// block of logSize n covers 2^n tiles per axis and a contiguous range of
// 2^(n*dims) addresses starting at an address aligned to that size. Blocks are
// split on demand, buddy-style, and threaded onto per-size free lists.
package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/tidwall/btree"

	"github.com/irfansharif/vtex/internal/morton"
)

// TODO(irfansharif): Free doesn't coalesce siblings back into their parent, so
// a space that has seen many small textures come and go can fragment to the
// point where a large Alloc needs a Grow even when enough room is free.

// NoAddress is returned alongside errors from Alloc.
const NoAddress = ^uint32(0)

// MaxLogSize bounds any space; 16 bits per axis fills a 32-bit 2D address.
const MaxLogSize = 16

var (
	// ErrNoSpace is returned when no free block is large enough.
	ErrNoSpace = errors.New("address space exhausted")
	// ErrAlreadyAllocated is returned when an owner is allocated twice.
	ErrAlreadyAllocated = errors.New("owner already has an allocation")
	// ErrAtMaxSize is returned by Grow once the space can't be doubled.
	ErrAtMaxSize = errors.New("address space at maximum size")
)

const none = -1

type block[T comparable] struct {
	address   uint32
	logSize   uint8
	allocated bool
	owner     T

	// Free list linkage, indices into Allocator.blocks.
	nextFree, prevFree int
}

type addressEntry struct {
	address uint32
	index   int
}

// Allocator is a buddy-style allocator over a Morton-ordered address space.
// Owners are identified by value, typically a pointer to the allocated texture.
type Allocator[T comparable] struct {
	dims       uint8
	logSize    uint8
	maxLogSize uint8

	blocks   []block[T]
	freeHead [MaxLogSize + 1]int
	byOwner  map[T]int

	// Allocated blocks ordered by address, for Find.
	byAddress *btree.BTreeG[addressEntry]

	numAllocatedPages uint64
}

// New returns an allocator for a dims-dimensional space that starts out 2^logSize
// tiles per axis and may grow up to 2^maxLogSize.
func New[T comparable](dims, logSize, maxLogSize uint8) *Allocator[T] {
	if dims != 2 && dims != 3 {
		panic(errors.AssertionFailedf("unsupported dimensionality %d", dims))
	}
	if limit := uint8(32 / dims); maxLogSize > limit {
		maxLogSize = limit
	}
	if logSize > maxLogSize {
		panic(errors.AssertionFailedf("initial size 2^%d exceeds max 2^%d", logSize, maxLogSize))
	}

	a := &Allocator[T]{
		dims:       dims,
		logSize:    logSize,
		maxLogSize: maxLogSize,
		byOwner:    make(map[T]int),
		byAddress: btree.NewBTreeG[addressEntry](func(x, y addressEntry) bool {
			return x.address < y.address
		}),
	}
	for i := range a.freeHead {
		a.freeHead[i] = none
	}
	a.pushFree(a.newBlock(0, logSize))
	return a
}

// Dimensions returns the dimensionality of the space.
func (a *Allocator[T]) Dimensions() uint8 { return a.dims }

// LogSize returns log2 of the current extent in tiles per axis.
func (a *Allocator[T]) LogSize() uint8 { return a.logSize }

// MaxLogSize returns log2 of the largest extent Grow can reach.
func (a *Allocator[T]) MaxLogSize() uint8 { return a.maxLogSize }

// NumAllocations returns the number of live allocations.
func (a *Allocator[T]) NumAllocations() int { return len(a.byOwner) }

// NumAllocatedPages returns the number of level-0 addresses owned by live
// allocations.
func (a *Allocator[T]) NumAllocatedPages() uint64 { return a.numAllocatedPages }

// TotalPages returns the number of level-0 addresses in the space.
func (a *Allocator[T]) TotalPages() uint64 { return morton.BlockSize(a.dims, a.logSize) }

// LogSizeFor returns the block logSize needed for the given extent in tiles.
func LogSizeFor(widthInTiles, heightInTiles uint32) uint8 {
	size := max(widthInTiles, heightInTiles, 1)
	var logSize uint8
	for (uint32(1) << logSize) < size {
		logSize++
	}
	return logSize
}

// Alloc reserves a block for the owner big enough for widthInTiles x
// heightInTiles (for 3D spaces, pass the larger of height and depth as height).
// The returned address is the block's level-0 Morton address.
func (a *Allocator[T]) Alloc(owner T, widthInTiles, heightInTiles uint32) (uint32, error) {
	if _, ok := a.byOwner[owner]; ok {
		return NoAddress, ErrAlreadyAllocated
	}

	logSize := LogSizeFor(widthInTiles, heightInTiles)
	if logSize > a.logSize {
		return NoAddress, errors.Wrapf(ErrNoSpace, "need 2^%d tiles, space is 2^%d", logSize, a.logSize)
	}

	// Walk free lists from the requested size upward, taking the first block.
	size := logSize
	for ; size <= a.logSize; size++ {
		if a.freeHead[size] != none {
			break
		}
	}
	if size > a.logSize {
		return NoAddress, errors.Wrapf(ErrNoSpace, "no free block of 2^%d tiles", logSize)
	}

	index := a.freeHead[size]
	a.unlinkFree(index)

	// Subdivide until it fits, keeping the first child and freeing its
	// siblings.
	for a.blocks[index].logSize > logSize {
		child := a.blocks[index].logSize - 1
		stride := uint32(morton.BlockSize(a.dims, child))
		base := a.blocks[index].address
		a.blocks[index].logSize = child

		siblings := (1 << a.dims) - 1
		for i := siblings; i >= 1; i-- {
			a.pushFree(a.newBlock(base+uint32(i)*stride, child))
		}
	}

	b := &a.blocks[index]
	b.allocated = true
	b.owner = owner
	a.byOwner[owner] = index
	a.byAddress.Set(addressEntry{address: b.address, index: index})
	a.numAllocatedPages += morton.BlockSize(a.dims, b.logSize)
	return b.address, nil
}

// Free releases the owner's block. It returns false if the owner holds
// nothing.
func (a *Allocator[T]) Free(owner T) bool {
	index, ok := a.byOwner[owner]
	if !ok {
		return false
	}
	delete(a.byOwner, owner)

	b := &a.blocks[index]
	a.byAddress.Delete(addressEntry{address: b.address})
	a.numAllocatedPages -= morton.BlockSize(a.dims, b.logSize)

	var zero T
	b.allocated = false
	b.owner = zero
	a.pushFree(index)
	return true
}

// Grow doubles the extent of the space on every axis by adding free siblings
// next to the old root. Existing allocations keep their addresses.
func (a *Allocator[T]) Grow() error {
	if a.logSize >= a.maxLogSize {
		return errors.Wrapf(ErrAtMaxSize, "2^%d", a.logSize)
	}

	stride := uint32(morton.BlockSize(a.dims, a.logSize))
	siblings := (1 << a.dims) - 1
	for i := siblings; i >= 1; i-- {
		a.pushFree(a.newBlock(uint32(i)*stride, a.logSize))
	}
	a.logSize++
	return nil
}

// Find returns the owner of the block containing the given level-0 address,
// and the address relative to the block's origin.
func (a *Allocator[T]) Find(address uint32) (owner T, local uint32, ok bool) {
	var found addressEntry
	var hit bool
	a.byAddress.Descend(addressEntry{address: address}, func(e addressEntry) bool {
		found, hit = e, true
		return false
	})
	if !hit {
		return owner, 0, false
	}

	b := &a.blocks[found.index]
	if uint64(address-b.address) >= morton.BlockSize(a.dims, b.logSize) {
		return owner, 0, false
	}
	return b.owner, address - b.address, true
}

// Lookup returns the address and logSize of the owner's block.
func (a *Allocator[T]) Lookup(owner T) (address uint32, logSize uint8, ok bool) {
	index, ok := a.byOwner[owner]
	if !ok {
		return NoAddress, 0, false
	}
	return a.blocks[index].address, a.blocks[index].logSize, true
}

// NumFreeBlocks returns the number of free blocks of the given logSize.
func (a *Allocator[T]) NumFreeBlocks(logSize uint8) int {
	n := 0
	if int(logSize) >= len(a.freeHead) {
		return 0
	}
	for i := a.freeHead[logSize]; i != none; i = a.blocks[i].nextFree {
		n++
	}
	return n
}

// Validate checks that allocated and free blocks partition the space exactly:
// no two overlap, and together they cover every address.
func (a *Allocator[T]) Validate() error {
	var errs []error

	free := make(map[int]bool)
	for size := range a.freeHead {
		prev := none
		for i := a.freeHead[size]; i != none; i = a.blocks[i].nextFree {
			b := &a.blocks[i]
			if b.allocated {
				errs = append(errs, errors.AssertionFailedf("block %d@%d on free list but allocated", b.address, b.logSize))
			}
			if int(b.logSize) != size {
				errs = append(errs, errors.AssertionFailedf("block %d@%d on free list for size %d", b.address, b.logSize, size))
			}
			if b.prevFree != prev {
				errs = append(errs, errors.AssertionFailedf("block %d@%d has broken free list linkage", b.address, b.logSize))
			}
			free[i] = true
			prev = i
		}
	}

	// Blocks are stored in creation order; order them by address to check
	// coverage.
	ordered := btree.NewBTreeG[addressEntry](func(x, y addressEntry) bool { return x.address < y.address })
	for i := range a.blocks {
		b := &a.blocks[i]
		if !b.allocated && !free[i] {
			errs = append(errs, errors.AssertionFailedf("block %d@%d neither allocated nor free", b.address, b.logSize))
		}
		if b.allocated {
			if idx, ok := a.byOwner[b.owner]; !ok || idx != i {
				errs = append(errs, errors.AssertionFailedf("allocated block %d@%d missing from owner index", b.address, b.logSize))
			}
		}
		if prev, replaced := ordered.Set(addressEntry{address: b.address, index: i}); replaced {
			errs = append(errs, errors.AssertionFailedf("blocks %d and %d share address %d", prev.index, i, b.address))
		}
	}
	if ordered.Len() != len(a.blocks) {
		errs = append(errs, errors.AssertionFailedf("%d blocks, %d distinct addresses", len(a.blocks), ordered.Len()))
	}

	var next uint64
	ordered.Scan(func(e addressEntry) bool {
		b := &a.blocks[e.index]
		if uint64(b.address) != next {
			errs = append(errs, errors.AssertionFailedf("gap or overlap at address %d (expected %d)", b.address, next))
		}
		next = uint64(b.address) + morton.BlockSize(a.dims, b.logSize)
		return true
	})
	if total := a.TotalPages(); next != total {
		errs = append(errs, errors.AssertionFailedf("blocks cover %d addresses, space has %d", next, total))
	}

	if a.byAddress.Len() != len(a.byOwner) {
		errs = append(errs, errors.AssertionFailedf("address index has %d entries, %d owners", a.byAddress.Len(), len(a.byOwner)))
	}
	return errors.Join(errs...)
}

func (a *Allocator[T]) newBlock(address uint32, logSize uint8) int {
	a.blocks = append(a.blocks, block[T]{
		address:  address,
		logSize:  logSize,
		nextFree: none,
		prevFree: none,
	})
	return len(a.blocks) - 1
}

func (a *Allocator[T]) pushFree(index int) {
	b := &a.blocks[index]
	head := a.freeHead[b.logSize]
	b.prevFree = none
	b.nextFree = head
	if head != none {
		a.blocks[head].prevFree = index
	}
	a.freeHead[b.logSize] = index
}

func (a *Allocator[T]) unlinkFree(index int) {
	b := &a.blocks[index]
	if b.prevFree != none {
		a.blocks[b.prevFree].nextFree = b.nextFree
	} else {
		a.freeHead[b.logSize] = b.nextFree
	}
	if b.nextFree != none {
		a.blocks[b.nextFree].prevFree = b.prevFree
	}
	b.nextFree, b.prevFree = none, none
}
