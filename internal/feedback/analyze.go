package feedback

import (
	"image"

	"golang.org/x/sync/errgroup"
)

// MaxTasks bounds the number of analysis workers.
const MaxTasks = 16

// Buffer is a mapped feedback buffer. Rect selects the region to analyze;
// Pitch is the row stride of Data in elements.
type Buffer struct {
	Data          []uint32
	Width, Height int
	Pitch         int
	Rect          image.Rectangle
}

// Bounds returns Rect, or the whole buffer if Rect is empty.
func (b Buffer) Bounds() image.Rectangle {
	full := image.Rect(0, 0, b.Width, b.Height)
	if b.Rect.Empty() {
		return full
	}
	return b.Rect.Intersect(full)
}

func (b *Buffer) pitch() int {
	if b.Pitch == 0 {
		return b.Width
	}
	return b.Pitch
}

type section struct {
	buf  *Buffer
	rect image.Rectangle
}

// Analyze collapses the buffers into a unique page list. Rows are split
// across up to maxTasks workers, each building its own list; the lists are
// merged in task order.
func Analyze(buffers []Buffer, maxTasks int) *UniquePageList {
	maxTasks = min(max(maxTasks, 1), MaxTasks)

	var sections []section
	if len(buffers) > 0 {
		tasksPerBuffer := max(maxTasks/len(buffers), 1)
		for i := range buffers {
			b := &buffers[i]
			r := b.Bounds()
			rows := r.Dy()
			if rows <= 0 {
				continue
			}
			per := (rows + tasksPerBuffer - 1) / tasksPerBuffer
			for y := r.Min.Y; y < r.Max.Y; y += per {
				sections = append(sections, section{
					buf:  b,
					rect: image.Rect(r.Min.X, y, r.Max.X, min(y+per, r.Max.Y)),
				})
			}
		}
	}

	lists := make([]*UniquePageList, len(sections))
	if len(sections) == 1 {
		lists[0] = analyzeSection(sections[0])
	} else if len(sections) > 1 {
		var g errgroup.Group
		g.SetLimit(maxTasks)
		for i := range sections {
			g.Go(func() error {
				lists[i] = analyzeSection(sections[i])
				return nil
			})
		}
		// Sections don't fail; Wait only joins them.
		g.Wait()
	}

	if len(lists) == 0 {
		return NewUniquePageList()
	}
	merged := lists[0]
	for _, l := range lists[1:] {
		merged.Merge(l)
	}
	return merged
}

// analyzeSection adds runs of identical pixels as one entry each.
func analyzeSection(s section) *UniquePageList {
	l := NewUniquePageList()
	last, count := NoPage, uint32(0)
	for y := s.rect.Min.Y; y < s.rect.Max.Y; y++ {
		row := s.buf.Data[y*s.buf.pitch():]
		for x := s.rect.Min.X; x < s.rect.Max.X; x++ {
			px := row[x]
			if px == last {
				count++
				continue
			}
			if last != NoPage {
				l.Add(Page(last), count)
			}
			last, count = px, 1
		}
	}
	if last != NoPage {
		l.Add(Page(last), count)
	}
	return l
}
