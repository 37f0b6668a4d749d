package pagepool

// lruHeap is a binary min-heap of slots keyed by (frame<<4 | level), ties
// broken by slot. It tracks each slot's position so keys can be updated and
// slots removed in place.
type lruHeap struct {
	slots []uint16
	keys  []uint32 // by slot
	pos   []int32  // by slot, -1 when absent
}

func newLRUHeap(numSlots int) *lruHeap {
	h := &lruHeap{
		slots: make([]uint16, 0, numSlots),
		keys:  make([]uint32, numSlots),
		pos:   make([]int32, numSlots),
	}
	for i := range h.pos {
		h.pos[i] = -1
	}
	return h
}

func lruKey(frame uint32, level uint8) uint32 { return frame<<4 | uint32(level&0xf) }

func (h *lruHeap) len() int { return len(h.slots) }

func (h *lruHeap) contains(slot uint16) bool { return h.pos[slot] >= 0 }

func (h *lruHeap) top() (uint16, uint32, bool) {
	if len(h.slots) == 0 {
		return 0, 0, false
	}
	s := h.slots[0]
	return s, h.keys[s], true
}

func (h *lruHeap) less(i, j int) bool {
	a, b := h.slots[i], h.slots[j]
	if h.keys[a] != h.keys[b] {
		return h.keys[a] < h.keys[b]
	}
	return a < b
}

func (h *lruHeap) swap(i, j int) {
	h.slots[i], h.slots[j] = h.slots[j], h.slots[i]
	h.pos[h.slots[i]] = int32(i)
	h.pos[h.slots[j]] = int32(j)
}

func (h *lruHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *lruHeap) down(i int) {
	n := len(h.slots)
	for {
		smallest := i
		if l := 2*i + 1; l < n && h.less(l, smallest) {
			smallest = l
		}
		if r := 2*i + 2; r < n && h.less(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

// update inserts the slot or changes its key.
func (h *lruHeap) update(slot uint16, key uint32) {
	h.keys[slot] = key
	if i := h.pos[slot]; i >= 0 {
		h.up(int(i))
		h.down(int(h.pos[slot]))
		return
	}
	h.slots = append(h.slots, slot)
	h.pos[slot] = int32(len(h.slots) - 1)
	h.up(len(h.slots) - 1)
}

func (h *lruHeap) remove(slot uint16) {
	i := int(h.pos[slot])
	if i < 0 {
		return
	}
	last := len(h.slots) - 1
	if i != last {
		h.swap(i, last)
	}
	h.slots = h.slots[:last]
	h.pos[slot] = -1
	if i != last {
		moved := h.slots[i]
		h.up(i)
		h.down(int(h.pos[moved]))
	}
}
