package producers

import (
	"image"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/producer"
)

type tileCopy struct {
	layer uint8
	slot  int
	dst   producer.Target
}

// Rendered draws tiles into a scratch strip and copies them into the
// physical textures in batches. A batch goes out when the strip fills up and
// at the end of every frame, through the finalizer.
type Rendered struct {
	device  gpu.Device
	pattern *Pattern
	batch   int

	mu      sync.Mutex
	scratch []gpu.Texture // per local layer
	queued  []tileCopy
	drawn   int
	batches int
}

var (
	_ producer.VirtualTexture = (*Rendered)(nil)
	_ producer.Finalizer      = (*Rendered)(nil)
)

// NewRendered returns a producer drawing desc's tiles batch at a time.
func NewRendered(device gpu.Device, desc producer.Description, batch int) (*Rendered, error) {
	batch = max(batch, 1)
	r := &Rendered{device: device, pattern: NewPattern(desc), batch: batch}
	side := int(desc.PhysicalTileSize())
	for _, f := range desc.LayerFormats {
		t, err := device.CreateTexture2D(image.Pt(batch*side, side), f, 1)
		if err != nil {
			r.Release()
			return nil, errors.Wrapf(err, "creating %s scratch", f)
		}
		r.scratch = append(r.scratch, t)
	}
	return r, nil
}

// Pattern returns the pattern tiles are painted with.
func (r *Rendered) Pattern() *Pattern { return r.pattern }

// Batches returns the number of batches copied out.
func (r *Rendered) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

// Release frees the scratch textures.
func (r *Rendered) Release() {
	for _, t := range r.scratch {
		r.device.ReleaseTexture(t)
	}
	r.scratch = nil
}

func (r *Rendered) RequestPageData(producer.Handle, uint8, uint8, uint32, producer.Priority) producer.RequestResult {
	return producer.RequestResult{Status: producer.Available}
}

func (r *Rendered) ProducePageData(
	_ producer.ProduceFlags, h producer.Handle, mask uint8, level uint8, address uint32, _ uint64, targets []producer.Target,
) producer.Finalizer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn == r.batch {
		if err := r.flushLocked(); err != nil {
			producersLogger.Printf("%s: %v", h, err)
		}
	}
	slot := r.drawn
	r.drawn++
	for ll := range targets {
		if mask&(1<<ll) == 0 {
			continue
		}
		texels, err := r.pattern.PaintTile(uint8(ll), level, address)
		if err == nil {
			err = upload(r.device, producer.Target{
				Texture:  r.scratch[ll],
				Location: image.Pt(slot, 0),
				TileSize: targets[ll].TileSize,
			}, texels)
		}
		if err != nil {
			producersLogger.Printf("%s: tile %d@%d layer %d: %v", h, address, level, ll, err)
			continue
		}
		r.queued = append(r.queued, tileCopy{layer: uint8(ll), slot: slot, dst: targets[ll]})
	}
	return r
}

// Finalize copies out the tiles drawn since the last batch.
func (r *Rendered) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Rendered) flushLocked() error {
	if r.drawn == 0 {
		return nil
	}
	var errs []error
	for _, c := range r.queued {
		ts := int(c.dst.TileSize)
		err := r.device.CopyTexture(r.scratch[c.layer], c.dst.Texture, gpu.Region{
			Src: image.Rect(c.slot*ts, 0, (c.slot+1)*ts, ts),
			Dst: c.dst.Location.Mul(ts),
		})
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "copying tile to %v", c.dst.Location))
		}
	}
	r.queued = r.queued[:0]
	r.drawn = 0
	r.batches++
	return errors.Join(errs...)
}

func (r *Rendered) LocalMipBias(uint8, uint32) uint8 { return 0 }
