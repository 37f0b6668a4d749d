package vt

import (
	"golang.org/x/sync/errgroup"

	"github.com/irfansharif/vtex/internal/config"
	"github.com/irfansharif/vtex/internal/feedback"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/producer"
	"github.com/irfansharif/vtex/internal/request"
)

// minPagesPerGatherTask keeps small page lists on one goroutine.
const minPagesPerGatherTask = 64

// pageUpdateBuffer batches LRU touches of one physical space so gather
// workers take the pool's usage lock once per batch.
type pageUpdateBuffer struct {
	slots      [config.PageUpdateCapacity]uint16
	n          int
	prev       uint16
	workingSet int64
	updates    int64
}

type gatherTask struct {
	s              *System
	pages          *feedback.UniquePageList
	start, end     int
	frameRequested uint32
	flushCount     int

	requests   *request.List
	buffers    []pageUpdateBuffer
	continuous map[producer.LocalTile]struct{}
	stats      FrameStats
}

// gatherRequests turns visible pages into load and mapping requests, added
// to merged. Page lists are split across goroutines; the first range is
// gathered straight into merged, the rest merged after in order.
// frameRequested is the frame the pages were seen in.
func (s *System) gatherRequests(merged *request.List, pages *feedback.UniquePageList, frameRequested uint32) {
	n := pages.Len()
	if n == 0 {
		return
	}
	numTasks := s.cfg.NumGatherTasks
	perTask := max((n+numTasks-1)/numTasks, minPagesPerGatherTask)
	flushCount := min(s.cfg.PageUpdateFlushCount, config.PageUpdateCapacity)

	var tasks []*gatherTask
	for start := 0; start < n; start += perTask {
		t := &gatherTask{
			s:              s,
			pages:          pages,
			start:          start,
			end:            min(start+perTask, n),
			frameRequested: frameRequested,
			flushCount:     flushCount,
			requests:       merged,
			buffers:        make([]pageUpdateBuffer, len(s.physical)),
		}
		if len(tasks) > 0 {
			t.requests = request.New()
		}
		for i := range t.buffers {
			t.buffers[i].prev = pagepool.NoSlot
		}
		tasks = append(tasks, t)
	}

	var g errgroup.Group
	for _, t := range tasks[1:] {
		g.Go(func() error {
			t.run()
			return nil
		})
	}
	tasks[0].run()
	// Tasks don't fail; Wait only joins them.
	g.Wait()

	for i, t := range tasks {
		if i > 0 {
			merged.Merge(t.requests)
		}
		s.stats.add(t.stats)
	}
	gatherLogger.Printf("frame %d: gathered %d pages (seen in frame %d) across %d tasks, %d loads",
		s.frame, n, frameRequested, len(tasks), merged.NumLoads())
}

func (t *gatherTask) run() {
	s := t.s
	var missing []uint8
	for i := t.start; i < t.end; i++ {
		page, count := t.pages.Page(i)
		sp := s.Space(page.Space())
		if sp == nil {
			continue
		}
		vLevel, vAddress := page.Level(), page.Address()

		missing = missing[:0]
		for layer := 0; layer < sp.NumLayers(); layer++ {
			t.stats.PagesRequested++
			mp, ok := sp.maps[layer].FindPage(vLevel, vAddress)
			if !ok {
				missing = append(missing, uint8(layer))
				continue
			}
			ps := s.physical[mp.Phys.Space]
			t.addPageUpdate(ps, mp.Phys.Slot)
			if ps.desc.ContinuousUpdate {
				tile := ps.pool.Tile(mp.Phys.Slot)
				t.addContinuous(producer.LocalTile{Producer: tile.Producer, Address: tile.Address, Level: tile.Level})
			}
			t.buffers[ps.id].workingSet++
			t.stats.PagesResident++
		}
		if len(missing) == 0 {
			continue
		}

		tex, local, ok := sp.allocator.Find(vAddress)
		if !ok {
			if s.cfg.Verbose {
				gatherLogger.Printf("space %d: %s not allocated to any texture", sp.id, page)
			}
			continue
		}
		if tex.frameAllocated > t.frameRequested {
			// Seen before the texture at this address existed.
			continue
		}
		if vLevel > tex.maxLevel {
			t.stats.PagesRequested -= int64(sp.NumLayers())
			continue
		}
		t.gatherTexture(sp, tex, vLevel, vAddress, local, count, missing)
	}
	t.finish()
}

// gatherTexture resolves the non-resident layers of one page of tex, per
// unique producer: resident ancestors are mapped directly, missing tiles are
// requested along with an intermediate prefetch level.
func (t *gatherTask) gatherTexture(sp *Space, tex *AllocatedTexture, vLevel uint8, vAddress, local uint32, count uint16, missing []uint8) {
	s := t.s
	dims := uint32(sp.desc.Dimensions)

	var maskForProducer [producer.MaxLayers]uint8
	for _, layer := range missing {
		maskForProducer[tex.layerProducer[layer]] |= 1 << tex.localLayer(int(layer))
		t.buffers[tex.physical[layer].id].workingSet++
	}

	for pi, up := range tex.producers {
		mask := maskForProducer[pi]
		if mask == 0 {
			continue
		}
		p, ok := s.producers.Find(up.handle)
		if !ok {
			continue
		}

		bias := up.mipBias
		mappingLevel := max(vLevel, bias)
		localAddr := local >> (uint32(mappingLevel) * dims)
		localLevel := vLevel - min(vLevel, bias)
		if lb := p.VT.LocalMipBias(localLevel, localAddr); lb > 0 {
			localLevel += lb
			if localLevel > p.MaxLevel {
				continue
			}
			localAddr >>= uint32(lb) * dims
			mappingLevel = max(vLevel, lb+bias)
		}

		// forLayers calls fn for each missing texture layer that local layer
		// ll of this producer backs.
		forLayers := func(ll uint8, fn func(layer uint8)) {
			for _, layer := range missing {
				if int(tex.layerProducer[layer]) == pi && tex.localLayer(int(layer)) == ll {
					fn(layer)
				}
			}
		}

		var prefetchMask [feedback.MaxLevels]uint8
		maxPrefetch := localLevel
		for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
			if mask&(1<<ll) == 0 {
				continue
			}
			ps := s.physical[p.PhysicalSpaces[ll]]
			allocatedLocal := p.MaxLevel + 1
			if slot := ps.pool.FindNearestPageAddress(up.handle, ll, localAddr, localLevel, p.MaxLevel); slot != pagepool.NoSlot {
				allocatedLocal = ps.pool.LocalLevel(slot)
				allocatedV := allocatedLocal + bias
				allocatedAddr := vAddress & morton.LevelMask(sp.desc.Dimensions, allocatedV)
				t.addPageUpdate(ps, slot)
				forLayers(ll, func(layer uint8) {
					if allocatedV != vLevel {
						if _, ok := sp.maps[layer].FindPage(allocatedV, allocatedAddr); ok {
							return
						}
					}
					t.requests.AddDirectMappingRequest(request.DirectMapping{
						Space:         sp.id,
						Layer:         layer,
						Level:         allocatedV,
						Address:       allocatedAddr,
						MappedLevel:   allocatedV,
						PhysicalSpace: ps.id,
						Slot:          slot,
					})
				})
			}

			if allocatedLocal == localLevel {
				mask &^= 1 << ll
				t.stats.PagesResident++
				continue
			}
			// Load a tile a little finer than what's resident too; it
			// arrives sooner than the one asked for.
			prefetch := allocatedLocal - min(s.cfg.PrefetchDistance, allocatedLocal)
			if prefetch > localLevel && int(prefetch) < len(prefetchMask) {
				prefetchMask[prefetch] |= 1 << ll
				maxPrefetch = max(maxPrefetch, prefetch)
				t.stats.PagesPrefetched++
			}
			t.stats.PagesNonResident++
		}

		for pl := localLevel + 1; pl <= maxPrefetch; pl++ {
			pm := prefetchMask[pl]
			if pm == 0 {
				continue
			}
			paddr := localAddr >> (uint32(pl-localLevel) * dims)
			// Producers write every layer of a tile, so every layer needs a
			// slot.
			for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
				if pm&(1<<ll) != 0 {
					continue
				}
				pool := s.physical[p.PhysicalSpaces[ll]].pool
				if pool.FindPageAddress(pagepool.Tile{Producer: up.handle, Layer: ll, Address: paddr, Level: pl}) == pagepool.NoSlot {
					pm |= 1 << ll
					t.stats.PagesPrefetched++
				}
			}
			idx := t.requests.AddLoadRequest(producer.LocalTile{Producer: up.handle, Address: paddr, Level: pl}, pm, count)
			if idx == request.NoIndex {
				continue
			}
			pv := pl + bias
			pvAddr := vAddress & morton.LevelMask(sp.desc.Dimensions, pv)
			for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
				if pm&(1<<ll) == 0 {
					continue
				}
				forLayers(ll, func(layer uint8) {
					t.requests.AddMappingRequest(request.Mapping{
						LoadIndex:   idx,
						LocalLayer:  ll,
						Space:       sp.id,
						Layer:       layer,
						Level:       pv,
						Address:     pvAddr,
						MappedLevel: max(pv, bias),
					})
				})
			}
		}

		if mask == 0 {
			continue
		}
		idx := t.requests.AddLoadRequest(producer.LocalTile{Producer: up.handle, Address: localAddr, Level: localLevel}, mask, count)
		if idx == request.NoIndex {
			continue
		}
		for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
			if mask&(1<<ll) == 0 {
				continue
			}
			forLayers(ll, func(layer uint8) {
				t.requests.AddMappingRequest(request.Mapping{
					LoadIndex:   idx,
					LocalLayer:  ll,
					Space:       sp.id,
					Layer:       layer,
					Level:       vLevel,
					Address:     vAddress,
					MappedLevel: mappingLevel,
				})
			})
		}
	}
}

// addPageUpdate records that the slot was used this frame. Past the flush
// count, it tries to apply the batch without blocking; at capacity it blocks.
func (t *gatherTask) addPageUpdate(ps *PhysicalSpace, slot uint16) {
	b := &t.buffers[ps.id]
	if slot == b.prev {
		return
	}
	b.prev = slot

	locked := false
	if b.n >= t.flushCount {
		pool := ps.pool
		if b.n >= len(b.slots) {
			pool.LockUsage()
			locked = true
		} else {
			locked = pool.TryLockUsage()
		}
		if locked {
			frame := t.s.frame
			pool.UpdateUsage(frame, slot)
			for _, sl := range b.slots[:b.n] {
				pool.UpdateUsage(frame, sl)
			}
			pool.UnlockUsage()
			b.updates += int64(b.n) + 1
			b.n = 0
		}
	}
	if !locked {
		b.slots[b.n] = slot
		b.n++
	}
}

func (t *gatherTask) addContinuous(tile producer.LocalTile) {
	if t.continuous == nil {
		t.continuous = make(map[producer.LocalTile]struct{})
	}
	t.continuous[tile] = struct{}{}
}

// finish flushes the remaining LRU touches and publishes the task's working
// set and continuous-update tiles.
func (t *gatherTask) finish() {
	s := t.s
	for id := range t.buffers {
		b := &t.buffers[id]
		ps := s.physical[id]
		if b.workingSet > 0 {
			ps.workingSet.Add(b.workingSet)
		}
		if b.n > 0 {
			ps.pool.LockUsage()
			for _, sl := range b.slots[:b.n] {
				ps.pool.UpdateUsage(s.frame, sl)
			}
			ps.pool.UnlockUsage()
			b.updates += int64(b.n)
			b.n = 0
		}
		t.stats.PageUpdates += b.updates
	}
	if len(t.continuous) > 0 {
		s.continuousMu.Lock()
		for tile := range t.continuous {
			s.continuousTiles[tile] = struct{}{}
		}
		s.continuousMu.Unlock()
	}
}
