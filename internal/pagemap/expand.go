package pagemap

import (
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagetable"
)

// A page at level L is visible in page-table mips 0..L. Expanding an update
// produces its quads for each of those mips, leaving the entries of finer
// mapped pages intact so the most specific mapping wins. Both expansions
// leave the texture in the same state; painters overdraws and is simpler,
// masked writes each entry once.

func (m *PageMap) quad(mip, level uint8, address uint32, entry pagetable.Entry) pagetable.Quad {
	x, y := morton.Decode2(address)
	return pagetable.Quad{
		Mip:   mip,
		X:     x >> mip,
		Y:     y >> mip,
		Size:  uint32(1) << (level - mip),
		Entry: entry,
	}
}

func updateEntry(u Update, enc Encoder) pagetable.Entry {
	if !u.Valid {
		return pagetable.Invalid
	}
	return enc(u.Phys, u.MappedLevel)
}

// ExpandPainters draws the update's page at every mip it covers, then redraws
// each mapped descendant on top, coarse to fine.
func (m *PageMap) ExpandPainters(u Update, enc Encoder, out []pagetable.Quad) []pagetable.Quad {
	entry := updateEntry(u, enc)
	for mip := uint8(0); mip <= u.Level; mip++ {
		out = append(out, m.quad(mip, u.Level, u.Address, entry))
		for _, d := range m.Descendants(u.Level, u.Address, mip) {
			out = append(out, m.quad(mip, d.Level, d.Address, enc(d.Phys, d.MappedLevel)))
		}
	}
	return out
}

// ExpandMasked draws the update's page at every mip it covers, skipping the
// areas owned by mapped descendants.
func (m *PageMap) ExpandMasked(u Update, enc Encoder, out []pagetable.Quad) []pagetable.Quad {
	m.refreshSorted()
	entry := updateEntry(u, enc)
	for mip := uint8(0); mip <= u.Level; mip++ {
		out = m.expandMasked(u.Level, u.Level, u.Address, mip, entry, out)
	}
	return out
}

func (m *PageMap) expandMasked(top, level uint8, address uint32, mip uint8, entry pagetable.Entry, out []pagetable.Quad) []pagetable.Quad {
	if level < top {
		if _, ok := m.index[key{level, address}]; ok {
			return out // owned by a descendant
		}
	}
	if level == mip || !m.hasDescendantFrom(level, address, mip) {
		return append(out, m.quad(mip, level, address, entry))
	}

	child := level - 1
	stride := uint32(morton.BlockSize(m.dims, child))
	for i := uint32(0); i < 1<<m.dims; i++ {
		out = m.expandMasked(top, child, address+i*stride, mip, entry, out)
	}
	return out
}
