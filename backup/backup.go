// Package backup pushes and pulls whole-partition byte images to durable
// object storage for provisioning and disaster recovery, alongside a
// manifest ledger recording snapshot history per partition name. It does
// not change on-flash semantics: a snapshot is just Partition.Read over
// the whole region, and a restore is EraseSector+Write replayed sector
// by sector.
package backup

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nvsflash/nvs/partition"
)

// Manifest records one pushed snapshot.
type Manifest struct {
	SnapshotID    string
	PartitionName string
	CreatedAt     time.Time
	SectorSize    int
	SectorCount   int
	CRC32         uint32
}

// Backend pushes a partition's full byte image to durable storage and
// pulls one back, recording/consulting a manifest ledger for history.
type Backend interface {
	// Push reads part in full and uploads it under a freshly generated
	// snapshot ID, recording a Manifest in the ledger.
	Push(ctx context.Context, part partition.Partition, partitionName string) (Manifest, error)
	// Pull opens the stored image for snapshotID, streaming
	// SectorSize*SectorCount bytes in sector order.
	Pull(ctx context.Context, partitionName, snapshotID string) (io.ReadCloser, Manifest, error)
	// List returns every recorded manifest for partitionName, oldest first.
	List(ctx context.Context, partitionName string) ([]Manifest, error)
}

// snapshotKey derives the object storage key for one partition's snapshot.
func snapshotKey(partitionName, snapshotID string) string {
	return fmt.Sprintf("%s/%s.img", partitionName, snapshotID)
}

// readFullImage reads every sector of part in order, returning the
// concatenated bytes and their CRC32.
func readFullImage(ctx context.Context, part partition.Partition) ([]byte, uint32, error) {
	size := part.SectorSize() * part.SectorCount()
	buf := make([]byte, size)
	if err := part.Read(ctx, 0, buf); err != nil {
		return nil, 0, fmt.Errorf("backup: read partition image: %w", err)
	}
	return buf, crc32.ChecksumIEEE(buf), nil
}

// newSnapshotID generates a fresh snapshot identifier.
func newSnapshotID() string {
	return uuid.New().String()
}

// Restore replays a whole-partition image back onto part: every sector
// is erased, then programmed with the corresponding slice of data.
// data must be exactly SectorSize()*SectorCount() bytes.
func Restore(ctx context.Context, part partition.Partition, data []byte) error {
	want := part.SectorSize() * part.SectorCount()
	if len(data) != want {
		return fmt.Errorf("backup: image is %d bytes, partition expects %d", len(data), want)
	}
	for s := 0; s < part.SectorCount(); s++ {
		if err := part.EraseSector(ctx, s); err != nil {
			return fmt.Errorf("backup: erase sector %d: %w", s, err)
		}
		start := s * part.SectorSize()
		end := start + part.SectorSize()
		if err := part.Write(ctx, int64(start), data[start:end]); err != nil {
			return fmt.Errorf("backup: write sector %d: %w", s, err)
		}
	}
	return nil
}
