package feedback

// UniqueCapacity bounds the number of distinct pages a UniquePageList holds.
const UniqueCapacity = 4096

// UniquePageList is a bounded set of pages with saturating 16-bit counts.
// Pages past capacity are dropped.
type UniquePageList struct {
	index  map[Page]int
	pages  []Page
	counts []uint16
}

// NewUniquePageList returns an empty list.
func NewUniquePageList() *UniquePageList {
	return &UniquePageList{index: make(map[Page]int)}
}

// Len returns the number of distinct pages.
func (l *UniquePageList) Len() int { return len(l.pages) }

// Add records count samples of the page. It reports false if the page was
// dropped because the list is full.
func (l *UniquePageList) Add(p Page, count uint32) bool {
	if uint32(p) == NoPage {
		return true
	}
	i, ok := l.index[p]
	if !ok {
		if len(l.pages) >= UniqueCapacity {
			return false
		}
		i = len(l.pages)
		l.index[p] = i
		l.pages = append(l.pages, p)
		l.counts = append(l.counts, 0)
	}
	l.counts[i] = uint16(min(uint32(l.counts[i])+count, 0xffff))
	return true
}

// Merge adds every page of other, in other's order.
func (l *UniquePageList) Merge(other *UniquePageList) {
	for i, p := range other.pages {
		l.Add(p, uint32(other.counts[i]))
	}
}

// Page returns the i-th page and its count.
func (l *UniquePageList) Page(i int) (Page, uint16) { return l.pages[i], l.counts[i] }

// Count returns the count recorded for p.
func (l *UniquePageList) Count(p Page) uint16 {
	if i, ok := l.index[p]; ok {
		return l.counts[i]
	}
	return 0
}

// Pages returns the pages in insertion order.
func (l *UniquePageList) Pages() []Page { return l.pages }
