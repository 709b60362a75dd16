package partition

import (
	"context"
	"fmt"
	"os"
)

// FilePartition is a Partition backed by a regular file, memory-mapped
// read-write so repeated small Read/Write calls from the storage core
// don't round-trip through the kernel's file I/O path. It is meant for
// host tooling and tests that want a partition image surviving process
// restarts; production firmware talks to the real flash driver instead.
type FilePartition struct {
	f           *os.File
	data        []byte
	sectorSize  int
	sectorCount int
}

// OpenFile mmaps path read-write as a partition of sectorCount sectors
// of sectorSize bytes. If the file is shorter than sectorSize*sectorCount
// it is extended and the new region initialized to 0xFF, matching a
// freshly erased device.
func OpenFile(path string, sectorSize, sectorCount int) (*FilePartition, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", path, err)
	}

	size := int64(sectorSize) * int64(sectorCount)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		if err := growErased(f, fi.Size(), size); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := mmapFile(f, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FilePartition{f: f, data: data, sectorSize: sectorSize, sectorCount: sectorCount}, nil
}

// growErased extends f from oldSize to newSize, filling the new region
// with 0xFF so it reads back as freshly erased flash.
func growErased(f *os.File, oldSize, newSize int64) error {
	if err := f.Truncate(newSize); err != nil {
		return err
	}
	fill := make([]byte, 64*1024)
	for i := range fill {
		fill[i] = 0xFF
	}
	for off := oldSize; off < newSize; {
		n := int64(len(fill))
		if off+n > newSize {
			n = newSize - off
		}
		if _, err := f.WriteAt(fill[:n], off); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (p *FilePartition) size() int64 { return int64(p.sectorSize) * int64(p.sectorCount) }

func (p *FilePartition) Read(_ context.Context, offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > p.size() {
		return ErrOutOfRange
	}
	copy(buf, p.data[offset:offset+int64(len(buf))])
	return nil
}

func (p *FilePartition) Write(_ context.Context, offset int64, data []byte) error {
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

func (p *FilePartition) EraseSector(_ context.Context, sector int) error {
	if sector < 0 || sector >= p.sectorCount {
		return ErrOutOfRange
	}
	start := sector * p.sectorSize
	for i := start; i < start+p.sectorSize; i++ {
		p.data[i] = 0xFF
	}
	return nil
}

func (p *FilePartition) SectorSize() int  { return p.sectorSize }
func (p *FilePartition) SectorCount() int { return p.sectorCount }

// Sync flushes the mapped region to the backing file.
func (p *FilePartition) Sync() error {
	return msyncFile(p.f, p.data)
}

// Close unmaps the region and closes the backing file.
func (p *FilePartition) Close() error {
	var err error
	if p.data != nil {
		err = munmapFile(p.f, p.data)
		p.data = nil
	}
	if closeErr := p.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
