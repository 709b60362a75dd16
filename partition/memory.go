package partition

import (
	"context"
	"errors"
	"fmt"
)

// ErrBitSet is returned by MemoryPartition.Write when a caller attempts to
// set a bit that is currently 0, which no NOR flash program operation can
// do. It almost always indicates a bug in the caller's write ordering
// (e.g. writing a header entry without having erased its sector first).
var ErrBitSet = errors.New("partition: write would set a bit from 0 to 1")

// ErrOutOfRange is returned for reads/writes/erases outside the
// partition's addressable region.
var ErrOutOfRange = errors.New("partition: offset out of range")

// MemoryPartition is an in-memory Partition that enforces NOR flash
// program semantics: EraseSector sets a sector to all-0xFF, and Write may
// only clear bits within the target region, never set them.
type MemoryPartition struct {
	sectorSize  int
	sectorCount int
	data        []byte
}

// NewMemoryPartition allocates a partition of sectorCount sectors of
// sectorSize bytes each, initialized as if freshly erased (all 0xFF).
func NewMemoryPartition(sectorSize, sectorCount int) *MemoryPartition {
	p := &MemoryPartition{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		data:        make([]byte, sectorSize*sectorCount),
	}
	for i := range p.data {
		p.data[i] = 0xFF
	}
	return p
}

func (p *MemoryPartition) size() int64 { return int64(p.sectorSize) * int64(p.sectorCount) }

func (p *MemoryPartition) Read(_ context.Context, offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > p.size() {
		return ErrOutOfRange
	}
	copy(buf, p.data[offset:offset+int64(len(buf))])
	return nil
}

func (p *MemoryPartition) Write(_ context.Context, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > p.size() {
		return ErrOutOfRange
	}
	for i, b := range data {
		cur := p.data[offset+int64(i)]
		if b&^cur != 0 {
			return fmt.Errorf("%w: offset %d", ErrBitSet, offset+int64(i))
		}
	}
	for i, b := range data {
		p.data[offset+int64(i)] &= b
	}
	return nil
}

func (p *MemoryPartition) EraseSector(_ context.Context, sector int) error {
	if sector < 0 || sector >= p.sectorCount {
		return ErrOutOfRange
	}
	start := sector * p.sectorSize
	for i := start; i < start+p.sectorSize; i++ {
		p.data[i] = 0xFF
	}
	return nil
}

func (p *MemoryPartition) SectorSize() int  { return p.sectorSize }
func (p *MemoryPartition) SectorCount() int { return p.sectorCount }
