package producers

import (
	"image"
	"sync/atomic"

	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/morton"
	"github.com/irfansharif/vtex/internal/producer"
)

// Procedural paints tiles on demand. Its data is always available.
type Procedural struct {
	device  gpu.Device
	pattern *Pattern

	// Outside detail (in level 0 tiles), nothing finer than detailLevel is
	// produced; requests are redirected to it. An empty rectangle means
	// full detail everywhere.
	detail      image.Rectangle
	detailLevel uint8

	produced atomic.Int64
}

var _ producer.VirtualTexture = (*Procedural)(nil)

// NewProcedural returns a procedural producer painting desc's tiles.
func NewProcedural(device gpu.Device, desc producer.Description) *Procedural {
	return &Procedural{device: device, pattern: NewPattern(desc)}
}

// Pattern returns the pattern tiles are painted with.
func (p *Procedural) Pattern() *Pattern { return p.pattern }

// SetDetail limits levels finer than level to the given region.
func (p *Procedural) SetDetail(region image.Rectangle, level uint8) {
	p.detail, p.detailLevel = region, level
}

// Produced returns the number of tiles produced.
func (p *Procedural) Produced() int64 { return p.produced.Load() }

func (p *Procedural) RequestPageData(producer.Handle, uint8, uint8, uint32, producer.Priority) producer.RequestResult {
	return producer.RequestResult{Status: producer.Available}
}

func (p *Procedural) ProducePageData(
	_ producer.ProduceFlags, h producer.Handle, mask uint8, level uint8, address uint32, _ uint64, targets []producer.Target,
) producer.Finalizer {
	for ll := range targets {
		if mask&(1<<ll) == 0 {
			continue
		}
		texels, err := p.pattern.PaintTile(uint8(ll), level, address)
		if err == nil {
			err = upload(p.device, targets[ll], texels)
		}
		if err != nil {
			producersLogger.Printf("%s: tile %d@%d layer %d: %v", h, address, level, ll, err)
		}
	}
	p.produced.Add(1)
	return nil
}

func (p *Procedural) LocalMipBias(level uint8, address uint32) uint8 {
	if p.detail.Empty() || level >= p.detailLevel {
		return 0
	}
	x, y := morton.Decode2(address)
	if image.Pt(int(x<<level), int(y<<level)).In(p.detail) {
		return 0
	}
	return p.detailLevel - level
}
