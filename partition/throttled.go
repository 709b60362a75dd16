package partition

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled wraps a Partition and rate-limits Write/EraseSector bytes
// per second, emulating the realistic program/erase timing of NOR flash
// for host-side demos and timing-sensitive tests.
type Throttled struct {
	Partition
	limiter *rate.Limiter
	// eraseCost is the notional byte cost charged against the limiter
	// for one EraseSector call, approximating real flash erase latency
	// (much slower per byte than a program operation).
	eraseCost int
}

// NewThrottled wraps part with a limiter allowing bytesPerSec sustained
// throughput. The burst size is at least one sector, since a single
// EraseSector call is charged a full sector's worth of notional bytes.
func NewThrottled(part Partition, bytesPerSec int) *Throttled {
	burst := bytesPerSec
	if burst < part.SectorSize() {
		burst = part.SectorSize()
	}
	return &Throttled{
		Partition: part,
		limiter:   rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		eraseCost: part.SectorSize(),
	}
}

func (p *Throttled) Write(ctx context.Context, offset int64, data []byte) error {
	if err := p.limiter.WaitN(ctx, len(data)); err != nil {
		return err
	}
	return p.Partition.Write(ctx, offset, data)
}

func (p *Throttled) EraseSector(ctx context.Context, sector int) error {
	if err := p.limiter.WaitN(ctx, p.eraseCost); err != nil {
		return err
	}
	return p.Partition.EraseSector(ctx, sector)
}
