package producers

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/producer"
)

// Source loads one layer of a tile, tightly packed in the layer's format,
// borders included. It may block.
type Source interface {
	LoadTile(ctx context.Context, layer, level uint8, address uint32) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, layer, level uint8, address uint32) ([]byte, error)

func (f SourceFunc) LoadTile(ctx context.Context, layer, level uint8, address uint32) ([]byte, error) {
	return f(ctx, layer, level, address)
}

// PatternSource serves a pattern's tiles.
func PatternSource(p *Pattern) Source {
	return SourceFunc(func(_ context.Context, layer, level uint8, address uint32) ([]byte, error) {
		return p.PaintTile(layer, level, address)
	})
}

type tileKey struct {
	level   uint8
	address uint32
}

type tileLoad struct {
	id uint64
	// seen orders loads by their latest request.
	seen   uint64
	done   chan struct{}
	texels [][]byte
	err    error
}

// Streamed loads tiles from a Source in the background. Requests for tiles
// not loaded yet report Pending and start a load, up to a bounded number in
// flight. Loaded tiles are held until produced, or until too many are held
// and they're the least recently requested.
type Streamed struct {
	device gpu.Device
	desc   producer.Description
	source Source

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu      sync.Mutex
	loads   map[tileKey]*tileLoad
	nextID  uint64
	seq     uint64
	maxHeld int
}

// minHeld is the least number of loaded tiles held at once.
const minHeld = 64

var _ producer.VirtualTexture = (*Streamed)(nil)

// NewStreamed returns a producer streaming desc's tiles from source, with at
// most maxInFlight loads running.
func NewStreamed(device gpu.Device, desc producer.Description, source Source, maxInFlight int) *Streamed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Streamed{
		device:  device,
		desc:    desc,
		source:  source,
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(int64(max(maxInFlight, 1))),
		loads:   make(map[tileKey]*tileLoad),
		maxHeld: max(minHeld, 4*maxInFlight),
	}
}

// SetMaxHeld bounds the number of tiles held. Loads still in flight are
// never dropped, so up to the in-flight limit may be held on top.
func (s *Streamed) SetMaxHeld(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHeld = max(n, 1)
	s.trimLocked()
}

// Close cancels outstanding loads and waits for them.
func (s *Streamed) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every load started so far is done.
func (s *Streamed) Wait() { s.wg.Wait() }

// NumHeld returns the number of tiles loading or loaded but not produced.
func (s *Streamed) NumHeld() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

func (s *Streamed) RequestPageData(h producer.Handle, _ uint8, level uint8, address uint32, _ producer.Priority) producer.RequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tileKey{level, address}
	s.seq++
	if ld, ok := s.loads[k]; ok {
		ld.seen = s.seq
		select {
		case <-ld.done:
			if ld.err != nil {
				producersLogger.Printf("%s: loading tile %d@%d: %v", h, address, level, ld.err)
				delete(s.loads, k)
				return producer.RequestResult{Status: producer.Invalid}
			}
			return producer.RequestResult{Status: producer.Available, Handle: ld.id}
		default:
			return producer.RequestResult{Status: producer.Pending, Handle: ld.id}
		}
	}

	if !s.sem.TryAcquire(1) {
		return producer.RequestResult{Status: producer.Pending}
	}
	s.nextID++
	ld := &tileLoad{id: s.nextID, seen: s.seq, done: make(chan struct{})}
	s.loads[k] = ld
	s.trimLocked()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		ld.texels, ld.err = s.load(s.ctx, level, address)
		close(ld.done)
	}()
	return producer.RequestResult{Status: producer.Pending, Handle: ld.id}
}

// trimLocked drops the least recently requested finished loads until no
// more than maxHeld are held.
func (s *Streamed) trimLocked() {
	for len(s.loads) > s.maxHeld {
		var oldest tileKey
		var found *tileLoad
		for k, ld := range s.loads {
			select {
			case <-ld.done:
			default:
				continue
			}
			if found == nil || ld.seen < found.seen {
				oldest, found = k, ld
			}
		}
		if found == nil {
			return
		}
		delete(s.loads, oldest)
	}
}

func (s *Streamed) load(ctx context.Context, level uint8, address uint32) ([][]byte, error) {
	side := int(s.desc.PhysicalTileSize())
	texels := make([][]byte, s.desc.NumLayers())
	for ll := range texels {
		data, err := s.source.LoadTile(ctx, uint8(ll), level, address)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", ll)
		}
		if want := side * side * s.desc.LayerFormats[ll].BytesPerPixel(); len(data) != want {
			return nil, errors.Newf("layer %d: got %d bytes, want %d", ll, len(data), want)
		}
		texels[ll] = data
	}
	return texels, nil
}

// ProducePageData uploads the loaded tile, waiting for its load if it's
// still in flight and loading it in place if it was never started.
func (s *Streamed) ProducePageData(
	_ producer.ProduceFlags, h producer.Handle, mask uint8, level uint8, address uint32, _ uint64, targets []producer.Target,
) producer.Finalizer {
	k := tileKey{level, address}
	s.mu.Lock()
	ld, ok := s.loads[k]
	delete(s.loads, k)
	s.mu.Unlock()

	var texels [][]byte
	var err error
	if ok {
		<-ld.done
		texels, err = ld.texels, ld.err
	} else {
		texels, err = s.load(s.ctx, level, address)
	}
	if err != nil {
		producersLogger.Printf("%s: tile %d@%d: %v", h, address, level, err)
		return nil
	}
	for ll := range targets {
		if mask&(1<<ll) == 0 {
			continue
		}
		if err := upload(s.device, targets[ll], texels[ll]); err != nil {
			producersLogger.Printf("%s: tile %d@%d layer %d: %v", h, address, level, ll, err)
		}
	}
	return nil
}

func (s *Streamed) LocalMipBias(uint8, uint32) uint8 { return 0 }
