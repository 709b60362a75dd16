package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/nvsflash/nvs/partition"
)

// MinioBackend implements Backend over MinIO or any S3-compatible
// object store reachable through minio-go, recording manifests in a
// Ledger the same way S3Backend does.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
	ledger *Ledger
}

// NewMinioBackend wraps a MinIO client as a Backend.
func NewMinioBackend(client *minio.Client, bucket, rootPrefix string, ledger *Ledger) *MinioBackend {
	return &MinioBackend{client: client, bucket: bucket, prefix: rootPrefix, ledger: ledger}
}

func (b *MinioBackend) key(partitionName, snapshotID string) string {
	return b.prefix + snapshotKey(partitionName, snapshotID)
}

func (b *MinioBackend) Push(ctx context.Context, part partition.Partition, partitionName string) (Manifest, error) {
	data, crc, err := readFullImage(ctx, part)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{
		SnapshotID:    newSnapshotID(),
		PartitionName: partitionName,
		CreatedAt:     time.Now(),
		SectorSize:    part.SectorSize(),
		SectorCount:   part.SectorCount(),
		CRC32:         crc,
	}

	_, err = b.client.PutObject(ctx, b.bucket, b.key(partitionName, m.SnapshotID),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: upload to minio: %w", err)
	}

	if err := b.ledger.Record(ctx, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (b *MinioBackend) Pull(ctx context.Context, partitionName, snapshotID string) (io.ReadCloser, Manifest, error) {
	manifests, err := b.List(ctx, partitionName)
	if err != nil {
		return nil, Manifest{}, err
	}
	m, ok := findManifest(manifests, snapshotID)
	if !ok {
		return nil, Manifest{}, fmt.Errorf("backup: snapshot %q not found for partition %q", snapshotID, partitionName)
	}

	obj, err := b.client.GetObject(ctx, b.bucket, b.key(partitionName, snapshotID), minio.GetObjectOptions{})
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("backup: get object: %w", err)
	}
	return obj, m, nil
}

func (b *MinioBackend) List(ctx context.Context, partitionName string) ([]Manifest, error) {
	return b.ledger.List(ctx, partitionName)
}
