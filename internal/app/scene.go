package app

import (
	"math"
	"sort"

	"github.com/irfansharif/vtex/internal/geom"
	"github.com/irfansharif/vtex/internal/producer"
	"github.com/irfansharif/vtex/internal/vt"
)

// PlacementID identifies a placement within a scene.
type PlacementID int

// Kind is the kind of producer backing a placement.
type Kind uint8

const (
	KindProcedural Kind = iota
	KindStreamed
	KindRendered
)

func (k Kind) String() string {
	switch k {
	case KindProcedural:
		return "procedural"
	case KindStreamed:
		return "streamed"
	case KindRendered:
		return "rendered"
	default:
		return "unknown"
	}
}

// Placement is a virtual texture drawn at a position on the canvas.
type Placement struct {
	ID        PlacementID     // unique identifier
	Kind      Kind            // kind of producer
	Producer  producer.Handle // producer backing the texture
	Texture   *vt.AllocatedTexture
	CanvasPos geom.Point // center in canvas coordinates
	// Scale is canvas units per texel.
	Scale float64
	Seed  int64 // seed used for the texture's palette
}

// Bounds returns the placement's footprint in canvas coordinates.
func (p *Placement) Bounds() geom.Box {
	w := float64(p.Texture.WidthInPixels()) * p.Scale
	h := float64(p.Texture.HeightInPixels()) * p.Scale
	return geom.MakeBox(p.CanvasPos.X-0.5*w, p.CanvasPos.Y-0.5*h, w, h)
}

// Scene manages the placements across the canvas.
type Scene struct {
	placements map[PlacementID]*Placement // map of IDs to placements
	currentID  PlacementID                // ID of the current placement, -1 if none
	seed       int64                      // current seed
	nextID     PlacementID                // next ID to assign
}

// NewScene creates an empty scene.
func NewScene(seed int64) *Scene {
	return &Scene{
		placements: make(map[PlacementID]*Placement),
		currentID:  -1,
		seed:       seed,
	}
}

// Len returns the number of placements.
func (s *Scene) Len() int { return len(s.placements) }

// NextID returns the ID the next placement will get.
func (s *Scene) NextID() PlacementID { return s.nextID }

// Add adds a placement, assigning its ID.
func (s *Scene) Add(p *Placement) *Placement {
	p.ID = s.nextID
	s.placements[p.ID] = p
	s.nextID++
	return p
}

// Remove removes a placement by ID.
func (s *Scene) Remove(id PlacementID) (*Placement, bool) {
	p, ok := s.placements[id]
	if ok {
		delete(s.placements, id)
	}
	return p, ok
}

// Get returns the placement with the given ID.
func (s *Scene) Get(id PlacementID) (*Placement, bool) {
	p, ok := s.placements[id]
	return p, ok
}

// Placements returns all placements sorted by ID (ascending), which is also
// draw order.
func (s *Scene) Placements() []*Placement {
	placements := make([]*Placement, 0, len(s.placements))
	for _, p := range s.placements {
		placements = append(placements, p)
	}
	sort.Slice(placements, func(i, j int) bool { return placements[i].ID < placements[j].ID })
	return placements
}

// FindClosest returns all placements sorted by distance to the given point
// (closest first). For placements at equal distance, sorts by ID (highest
// first).
func (s *Scene) FindClosest(canvasX, canvasY float64) []*Placement {
	type sortKey struct {
		distance float64
		ID       PlacementID
	}

	sortKeys := make([]sortKey, 0, len(s.placements))
	for _, p := range s.placements {
		dx := p.CanvasPos.X - canvasX
		dy := p.CanvasPos.Y - canvasY
		sortKeys = append(sortKeys, sortKey{math.Sqrt(dx*dx + dy*dy), p.ID})
	}

	sort.Slice(sortKeys, func(i, j int) bool {
		if math.Abs(sortKeys[i].distance-sortKeys[j].distance) < 1e-4 {
			return sortKeys[i].ID > sortKeys[j].ID
		}
		return sortKeys[i].distance < sortKeys[j].distance
	})

	result := make([]*Placement, len(sortKeys))
	for i, k := range sortKeys {
		result[i] = s.placements[k.ID]
	}
	return result
}

// At returns the topmost placement covering the canvas point.
func (s *Scene) At(pt geom.Point) (*Placement, bool) {
	var top *Placement
	for _, p := range s.placements {
		if p.Bounds().Contains(pt) && (top == nil || p.ID > top.ID) {
			top = p
		}
	}
	return top, top != nil
}

// SetCurrent sets the current placement directly.
func (s *Scene) SetCurrent(p *Placement) {
	if p == nil {
		s.currentID = -1
	} else {
		s.currentID = p.ID
	}
}

// Current returns the current placement, if any.
func (s *Scene) Current() (*Placement, bool) {
	p, ok := s.placements[s.currentID]
	return p, ok
}

// NextSeed increments the seed by 1 and returns it.
func (s *Scene) NextSeed() int64 {
	s.seed++
	return s.seed
}

// Iter iterates to the next or previous placement by ID (creation order).
func (s *Scene) Iter(next bool) *Placement {
	if len(s.placements) == 0 {
		s.currentID = -1
		return nil
	}

	direction := 1
	if !next {
		direction = -1
	}

	ids := make([]PlacementID, 0, len(s.placements))
	for id := range s.placements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if s.currentID < 0 {
		// No current placement, start from first or last.
		if next {
			s.currentID = ids[0]
		} else {
			s.currentID = ids[len(ids)-1]
		}
		return s.placements[s.currentID]
	}

	pos := sort.Search(len(ids), func(i int) bool { return ids[i] >= s.currentID })
	if pos == len(ids) || ids[pos] != s.currentID {
		// Current placement was removed; step from where it would've been.
		if !next {
			pos = (pos + len(ids)) % len(ids)
			s.currentID = ids[(pos-1+len(ids))%len(ids)]
		} else {
			s.currentID = ids[pos%len(ids)]
		}
		return s.placements[s.currentID]
	}

	s.currentID = ids[(pos+direction+len(ids))%len(ids)]
	return s.placements[s.currentID]
}
