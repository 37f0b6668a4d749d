package vt

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/pagepool"
	"github.com/irfansharif/vtex/internal/producer"
	"github.com/irfansharif/vtex/internal/request"
)

// submitRequests allocates and produces the requested loads, applies the
// mappings, maps resident tiles into newly allocated textures, runs the
// finalizers and uploads page-table changes. With async unset, pending
// producer data is treated as available, and the producer may block.
func (s *System) submitRequests(list *request.List, async bool) error {
	slots := make([]uint16, list.NumLoads()*producer.MaxLayers)
	for i := range slots {
		slots[i] = pagepool.NoSlot
	}

	produced := 0
	for i, ld := range list.Loads() {
		p, ok := s.producers.Find(ld.Tile.Producer)
		if !ok {
			continue
		}
		priority := producer.PriorityNormal
		if ld.Locked {
			priority = producer.PriorityHigh
		}
		res := p.VT.RequestPageData(ld.Tile.Producer, ld.LayerMask, ld.Tile.Level, ld.Tile.Address, priority)
		if res.Status == producer.Pending && (ld.Locked || !async) {
			// Locked tiles have no coarser fallback; wait for them.
			res.Status = producer.Available
		}

		loaded := false
		switch res.Status {
		case producer.Invalid:
			if s.cfg.Verbose {
				systemLogger.Printf("%s: tile %d@%d is not a valid request", ld.Tile.Producer, ld.Tile.Address, ld.Tile.Level)
			}
		case producer.Available:
			loaded = s.produce(p, ld, res.Handle, slots[i*producer.MaxLayers:(i+1)*producer.MaxLayers])
		}
		if loaded {
			produced++
		}
		if ld.Locked && !loaded {
			s.LockTile(ld.Tile)
		}
	}
	s.stats.LoadsRequested += int64(list.NumLoads())
	s.stats.LoadsProduced += int64(produced)

	for _, d := range list.DirectMappings() {
		s.physical[d.PhysicalSpace].pool.MapPage(s, d.Space, d.Layer, d.Level, d.Address, d.MappedLevel, d.Slot)
		s.stats.Mappings++
	}
	for _, m := range list.Mappings() {
		slot := slots[int(m.LoadIndex)*producer.MaxLayers+int(m.LocalLayer)]
		if slot == pagepool.NoSlot {
			continue
		}
		p, _ := s.producers.Find(list.Load(int(m.LoadIndex)).Tile.Producer)
		ps := s.physical[p.PhysicalSpaces[m.LocalLayer]]
		ps.pool.MapPage(s, m.Space, m.Layer, m.Level, m.Address, m.MappedLevel, slot)
		s.stats.Mappings++
	}

	s.mapTexturesToMap()

	var errs []error
	if err := s.finalize(); err != nil {
		errs = append(errs, err)
	}
	for _, sp := range s.spaces {
		if sp == nil {
			continue
		}
		if err := sp.applyUpdates(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// produce allocates a slot in every requested layer and asks the producer
// to fill them. If any layer's pool has nothing evictable, slots allocated
// for the load are freed and it's abandoned for this frame.
func (s *System) produce(p *producer.Producer, ld request.Load, handle uint64, out []uint16) bool {
	h := ld.Tile.Producer
	targets := make([]producer.Target, p.NumLayers())
	var allocated [producer.MaxLayers]uint16
	for i := range allocated {
		allocated[i] = pagepool.NoSlot
	}

	for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
		if ld.LayerMask&(1<<ll) == 0 {
			continue
		}
		ps := s.physical[p.PhysicalSpaces[ll]]
		if !ps.pool.AnyFreeAvailable(s.frame) {
			systemLogger.Printf("physical space %d (%s): no slot to evict for %s tile %d@%d",
				ps.id, ps.desc.Format, h, ld.Tile.Address, ld.Tile.Level)
			for ll, slot := range allocated[:p.NumLayers()] {
				if slot != pagepool.NoSlot {
					s.physical[p.PhysicalSpaces[ll]].pool.Free(s, slot)
				}
			}
			return false
		}
		tile := pagepool.Tile{Producer: h, Layer: ll, Address: ld.Tile.Address, Level: ld.Tile.Level}
		slot := ps.pool.Alloc(s, s.frame, tile, ld.Locked)
		allocated[ll] = slot
		targets[ll] = ps.target(slot)
	}

	for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
		if ld.LayerMask&(1<<ll) != 0 {
			out[ll] = allocated[ll]
			continue
		}
		ps := s.physical[p.PhysicalSpaces[ll]]
		tile := pagepool.Tile{Producer: h, Layer: ll, Address: ld.Tile.Address, Level: ld.Tile.Level}
		if slot := ps.pool.FindPageAddress(tile); slot != pagepool.NoSlot {
			targets[ll] = ps.target(slot)
		}
	}

	fin := p.VT.ProducePageData(producer.ProduceNone, h, ld.LayerMask, ld.Tile.Level, ld.Tile.Address, handle, targets)
	s.addFinalizer(fin)
	return true
}

// submitPreMapped produces already resident tiles again: locked tiles after
// a cache flush, and tiles of continuously updated producers seen this frame.
func (s *System) submitPreMapped() {
	s.produceResident(s.mappedTilesToProduce, producer.ProduceNone)
	clear(s.mappedTilesToProduce)

	s.continuousMu.Lock()
	tiles := s.continuousTiles
	s.continuousTiles = make(map[producer.LocalTile]struct{})
	s.continuousMu.Unlock()
	s.stats.ContinuousUpdates += int64(len(tiles))
	s.produceResident(tiles, producer.ProduceContinuous)
}

func (s *System) produceResident(set map[producer.LocalTile]struct{}, flags producer.ProduceFlags) {
	tiles := make([]producer.LocalTile, 0, len(set))
	for t := range set {
		tiles = append(tiles, t)
	}
	slices.SortFunc(tiles, compareLocalTiles)

	for _, t := range tiles {
		p, ok := s.producers.Find(t.Producer)
		if !ok {
			continue
		}
		targets := make([]producer.Target, p.NumLayers())
		var mask uint8
		for ll := uint8(0); int(ll) < p.NumLayers(); ll++ {
			ps := s.physical[p.PhysicalSpaces[ll]]
			slot := ps.pool.FindPageAddress(pagepool.Tile{Producer: t.Producer, Layer: ll, Address: t.Address, Level: t.Level})
			if slot != pagepool.NoSlot {
				targets[ll] = ps.target(slot)
				mask |= 1 << ll
			}
		}
		if mask == 0 {
			// Only refreshing what's resident.
			continue
		}
		res := p.VT.RequestPageData(t.Producer, mask, t.Level, t.Address, producer.PriorityHigh)
		if res.Status != producer.Available {
			continue
		}
		s.addFinalizer(p.VT.ProducePageData(flags, t.Producer, mask, t.Level, t.Address, res.Handle, targets))
	}
}

// mapTexturesToMap maps resident tiles into textures allocated after they
// were loaded. A texture leaves the list once every layer has some level
// fully mapped.
func (s *System) mapTexturesToMap() {
	kept := s.toMap[:0]
	for _, t := range s.toMap {
		if !s.mapResidentTiles(t) {
			kept = append(kept, t)
		}
	}
	clear(s.toMap[len(kept):])
	s.toMap = kept
}

func (s *System) mapResidentTiles(t *AllocatedTexture) bool {
	sp := t.space
	baseX, baseY := t.BaseTile()
	fullyMapped := 0
	for layer := 0; layer < t.NumLayers(); layer++ {
		up := t.producers[t.layerProducer[layer]]
		p, ok := s.producers.Find(up.handle)
		if !ok {
			fullyMapped++
			continue
		}
		ll := t.localLayer(layer)
		ps := t.physical[layer]
		pm := sp.maps[layer]

		done := false
		for local := uint8(0); local <= p.MaxLevel; local++ {
			vLevel := local + up.mipBias
			if vLevel > t.maxLevel {
				break
			}
			w := max(t.widthInTiles>>vLevel, 1)
			h := max(t.heightInTiles>>vLevel, 1)
			nonResident := 0
			for ty := uint32(0); ty < h; ty++ {
				for tx := uint32(0); tx < w; tx++ {
					vAddress := morton.Encode2(baseX+(tx<<vLevel), baseY+(ty<<vLevel))
					if _, ok := pm.FindPage(vLevel, vAddress); ok {
						continue
					}
					tile := pagepool.Tile{Producer: up.handle, Layer: ll, Address: morton.Encode2(tx, ty), Level: local}
					if slot := ps.pool.FindPageAddress(tile); slot != pagepool.NoSlot {
						ps.pool.MapPage(s, sp.id, uint8(layer), vLevel, vAddress, vLevel, slot)
					} else {
						nonResident++
					}
				}
			}
			if nonResident == 0 && !done {
				done = true
				fullyMapped++
			}
		}
	}
	return fullyMapped == t.NumLayers()
}

// addFinalizer records a finalizer to run once this frame. Finalizers are
// compared by value.
func (s *System) addFinalizer(f producer.Finalizer) {
	if f == nil || slices.Contains(s.finalizers, f) {
		return
	}
	s.finalizers = append(s.finalizers, f)
}

func (s *System) finalize() error {
	var errs []error
	for _, f := range s.finalizers {
		if err := f.Finalize(); err != nil {
			errs = append(errs, errors.Wrap(err, "finalizing produced tiles"))
		}
	}
	clear(s.finalizers)
	s.finalizers = s.finalizers[:0]
	return errors.Join(errs...)
}

func compareLocalTiles(a, b producer.LocalTile) int {
	if c := cmp.Compare(a.Producer, b.Producer); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Level, a.Level); c != 0 {
		return c
	}
	return cmp.Compare(a.Address, b.Address)
}
