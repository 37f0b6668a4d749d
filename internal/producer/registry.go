package producer

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrStaleHandle is returned for handles whose producer has been released.
var ErrStaleHandle = errors.New("stale producer handle")

const (
	indexBits = 22
	magicBits = 32 - indexBits
	indexMask = 1<<indexBits - 1
	magicMask = 1<<magicBits - 1
)

// Handle identifies a registered producer. It packs a registry index with
// the generation of that index, so a handle outliving its producer is detected
// instead of aliasing whatever is registered there next. The zero Handle is
// never issued.
type Handle uint32

// Index returns the registry index.
func (h Handle) Index() uint32 { return uint32(h) & indexMask }

// Magic returns the generation.
func (h Handle) Magic() uint32 { return uint32(h) >> indexBits }

// IsNull reports whether the handle is the zero handle.
func (h Handle) IsNull() bool { return h == 0 }

func (h Handle) String() string { return fmt.Sprintf("producer#%d.%d", h.Index(), h.Magic()) }

func makeHandle(index, magic uint32) Handle {
	return Handle(index&indexMask | (magic&magicMask)<<indexBits)
}

type registryEntry struct {
	producer *Producer
	magic    uint32
	nextFree uint32
}

// Registry is an arena of producers with generation-checked handles. Index 0
// is reserved so the zero handle never resolves.
type Registry struct {
	entries  []registryEntry
	freeHead uint32 // 0 when empty
	live     int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make([]registryEntry, 1)}
}

// Register adds a producer and returns its handle.
func (r *Registry) Register(p *Producer) Handle {
	var index uint32
	if r.freeHead != 0 {
		index = r.freeHead
		r.freeHead = r.entries[index].nextFree
	} else {
		if len(r.entries) > indexMask {
			panic(errors.AssertionFailedf("producer registry full"))
		}
		r.entries = append(r.entries, registryEntry{})
		index = uint32(len(r.entries) - 1)
	}

	e := &r.entries[index]
	e.magic = (e.magic + 1) & magicMask
	if e.magic == 0 {
		e.magic = 1
	}
	e.producer = p
	e.nextFree = 0
	r.live++
	return makeHandle(index, e.magic)
}

// Find returns the producer for the handle, or false if the handle is null or
// stale.
func (r *Registry) Find(h Handle) (*Producer, bool) {
	index := h.Index()
	if h.IsNull() || index == 0 || int(index) >= len(r.entries) {
		return nil, false
	}
	e := &r.entries[index]
	if e.producer == nil || e.magic != h.Magic() {
		return nil, false
	}
	return e.producer, true
}

// Release removes the producer. Its handle, and any copy of it, goes stale.
func (r *Registry) Release(h Handle) (*Producer, error) {
	p, ok := r.Find(h)
	if !ok {
		return nil, errors.Wrapf(ErrStaleHandle, "%s", h)
	}
	index := h.Index()
	e := &r.entries[index]
	e.producer = nil
	e.nextFree = r.freeHead
	r.freeHead = index
	r.live--
	return p, nil
}

// Len returns the number of registered producers.
func (r *Registry) Len() int { return r.live }

// Each calls fn for every registered producer, in index order.
func (r *Registry) Each(fn func(Handle, *Producer)) {
	for i := 1; i < len(r.entries); i++ {
		if e := &r.entries[i]; e.producer != nil {
			fn(makeHandle(uint32(i), e.magic), e.producer)
		}
	}
}
