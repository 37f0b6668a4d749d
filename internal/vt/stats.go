package vt

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/pagetable"
)

var statsLogger *log.Logger = log.New(io.Discard, "", 0)

func init() {
	if os.Getenv("VTEX_DEBUG_STATS") == "1" {
		statsLogger = log.New(os.Stdout, "[stats] ", log.Ltime|log.Lmsgprefix)
	}
}

// FrameStats counts the work done by one Update.
type FrameStats struct {
	// PagesRequested counts (page, layer) pairs seen in feedback and explicit
	// requests; PagesResident and PagesNonResident split them.
	PagesRequested   int64
	PagesResident    int64
	PagesNonResident int64
	PagesPrefetched  int64
	// PageUpdates counts LRU touches applied to pools.
	PageUpdates int64

	LoadsRequested    int64
	LoadsProduced     int64
	Mappings          int64
	ContinuousUpdates int64
	PageTableQuads    int64
}

func (f *FrameStats) add(o FrameStats) {
	f.PagesRequested += o.PagesRequested
	f.PagesResident += o.PagesResident
	f.PagesNonResident += o.PagesNonResident
	f.PagesPrefetched += o.PagesPrefetched
	f.PageUpdates += o.PageUpdates
	f.LoadsRequested += o.LoadsRequested
	f.LoadsProduced += o.LoadsProduced
	f.Mappings += o.Mappings
	f.ContinuousUpdates += o.ContinuousUpdates
	f.PageTableQuads += o.PageTableQuads
}

// SpaceStats describes one page-table space.
type SpaceStats struct {
	ID             uint8
	LogSize        uint8
	NumLayers      int
	Format         pagetable.Format
	Private        bool
	Allocations    int
	AllocatedPages uint64
	TotalPages     uint64
	Mappings       int
}

// PhysicalSpaceStats describes one physical space.
type PhysicalSpaceStats struct {
	ID         uint16
	Format     gpu.Format
	TileSize   uint32
	Slots      int
	Occupied   int
	Locked     int
	Mapped     int
	WorkingSet int64
}

// Stats is a snapshot of the system.
type Stats struct {
	Frame          uint32
	Producers      int
	Textures       int
	Spaces         []SpaceStats
	PhysicalSpaces []PhysicalSpaceStats
	// LastFrame is the work done by the most recent Update.
	LastFrame FrameStats
}

// Stats returns a snapshot of the system.
func (s *System) Stats() Stats {
	st := Stats{
		Frame:     s.frame,
		Producers: s.producers.Len(),
		Textures:  len(s.textures),
		LastFrame: s.lastFrame,
	}
	for _, sp := range s.spaces {
		if sp == nil {
			continue
		}
		ss := SpaceStats{
			ID:             sp.id,
			LogSize:        sp.LogSize(),
			NumLayers:      sp.NumLayers(),
			Format:         sp.desc.Format,
			Private:        sp.desc.Private,
			Allocations:    sp.allocator.NumAllocations(),
			AllocatedPages: sp.allocator.NumAllocatedPages(),
			TotalPages:     sp.allocator.TotalPages(),
		}
		for _, pm := range sp.maps {
			ss.Mappings += pm.NumMappings()
		}
		st.Spaces = append(st.Spaces, ss)
	}
	for _, ps := range s.physical {
		st.PhysicalSpaces = append(st.PhysicalSpaces, PhysicalSpaceStats{
			ID:         ps.id,
			Format:     ps.desc.Format,
			TileSize:   ps.desc.TileSize,
			Slots:      ps.pool.NumSlots(),
			Occupied:   ps.pool.NumOccupied(),
			Locked:     ps.pool.NumLockedPages(),
			Mapped:     ps.pool.NumMappedPages(),
			WorkingSet: ps.WorkingSetSize(),
		})
	}
	return st
}

// PrintStats outputs system statistics with visual bars.
func (s *System) PrintStats() {
	st := s.Stats()
	f := st.LastFrame

	statsLogger.Println("===== Virtual Texture Stats =====")
	statsLogger.Printf("frame %d, %d producers, %d textures, %d spaces, %d physical spaces",
		st.Frame, st.Producers, st.Textures, len(st.Spaces), len(st.PhysicalSpaces))
	statsLogger.Printf("%s pages requested (%s resident, %s missing, %s prefetched), %s LRU updates",
		formatNumber(f.PagesRequested), formatNumber(f.PagesResident), formatNumber(f.PagesNonResident),
		formatNumber(f.PagesPrefetched), formatNumber(f.PageUpdates))
	statsLogger.Printf("%d/%d loads produced, %s mappings, %d continuous updates, %s page table quads",
		f.LoadsProduced, f.LoadsRequested, formatNumber(f.Mappings), f.ContinuousUpdates, formatNumber(f.PageTableQuads))

	for _, ss := range st.Spaces {
		util := 0.0
		if ss.TotalPages > 0 {
			util = float64(ss.AllocatedPages) / float64(ss.TotalPages)
		}
		statsLogger.Printf("  space#%02d %s %.0f%% allocated (%s/%s pages), %dx%d %s, %d layers, %d textures, %s mappings",
			ss.ID, makeUtilizationBar(util, 12), util*100,
			formatNumber(int64(ss.AllocatedPages)), formatNumber(int64(ss.TotalPages)),
			1<<ss.LogSize, 1<<ss.LogSize, ss.Format, ss.NumLayers, ss.Allocations, formatNumber(int64(ss.Mappings)))
	}
	for _, ps := range st.PhysicalSpaces {
		util := 0.0
		if ps.Slots > 0 {
			util = float64(ps.Occupied) / float64(ps.Slots)
		}
		statsLogger.Printf("  physical#%03d %s %.0f%% occupied (%d/%d), %d locked, %s mappings, %s working set, %s %dpx",
			ps.ID, makeUtilizationBar(util, 12), util*100, ps.Occupied, ps.Slots, ps.Locked,
			formatNumber(int64(ps.Mapped)), formatNumber(ps.WorkingSet), ps.Format, ps.TileSize)
	}
	statsLogger.Println("=================================")
}

// makeUtilizationBar creates a visual bar for utilization percentage.
func makeUtilizationBar(utilization float64, width int) string {
	utilization = min(max(utilization, 0), 1)
	filled := int(utilization * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatNumber formats large numbers with K/M suffixes for readability.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000.0)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000.0)
}

// Validate checks the structural invariants across spaces and pools: address
// blocks partition each space, every pool slot and its mapping list agree with
// the page maps, and every page-map entry is recorded by the slot it names.
func (s *System) Validate() error {
	var errs []error
	for _, sp := range s.spaces {
		if sp == nil {
			continue
		}
		if err := sp.allocator.Validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "space %d", sp.id))
		}
		for l, pm := range sp.maps {
			for _, mp := range pm.Mappings() {
				if int(mp.Phys.Space) >= len(s.physical) {
					errs = append(errs, errors.AssertionFailedf("space %d layer %d: %d@%d maps unknown physical space %d",
						sp.id, l, mp.Address, mp.Level, mp.Phys.Space))
					continue
				}
				pool := s.physical[mp.Phys.Space].pool
				ref := pagepoolRef(sp.id, uint8(l), mp)
				if pool.Tile(mp.Phys.Slot).Producer.IsNull() {
					errs = append(errs, errors.AssertionFailedf("space %d layer %d: %d@%d maps free slot %d",
						sp.id, l, mp.Address, mp.Level, mp.Phys.Slot))
				} else if !containsRef(pool.Mappings(mp.Phys.Slot), ref) {
					errs = append(errs, errors.AssertionFailedf("space %d layer %d: %d@%d missing from slot %d mappings",
						sp.id, l, mp.Address, mp.Level, mp.Phys.Slot))
				}
			}
		}
	}
	for _, ps := range s.physical {
		if err := ps.pool.Validate(s); err != nil {
			errs = append(errs, errors.Wrapf(err, "physical space %d", ps.id))
		}
	}
	if len(s.lockSet) != len(s.tilesToLock) {
		errs = append(errs, errors.AssertionFailedf("%d tiles to lock, %d in set", len(s.tilesToLock), len(s.lockSet)))
	}
	return errors.Join(errs...)
}

func containsRef(refs []pagepool.MappingRef, ref pagepool.MappingRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
