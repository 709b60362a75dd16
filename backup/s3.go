package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nvsflash/nvs/partition"
)

// S3Backend implements Backend over an S3 (or S3-compatible) bucket,
// recording manifests in a Ledger so history survives independently of
// bucket listing.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
	ledger *Ledger
}

// NewS3Backend wraps an S3 client as a Backend. rootPrefix is prepended
// to every object key (e.g. "nvs-backups/").
func NewS3Backend(client *s3.Client, bucket, rootPrefix string, ledger *Ledger) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: rootPrefix, ledger: ledger}
}

func (b *S3Backend) key(partitionName, snapshotID string) string {
	return b.prefix + snapshotKey(partitionName, snapshotID)
}

func (b *S3Backend) Push(ctx context.Context, part partition.Partition, partitionName string) (Manifest, error) {
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

	uploader := manager.NewUploader(b.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(partitionName, m.SnapshotID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: upload to s3: %w", err)
	}

	if err := b.ledger.Record(ctx, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (b *S3Backend) Pull(ctx context.Context, partitionName, snapshotID string) (io.ReadCloser, Manifest, error) {
	manifests, err := b.List(ctx, partitionName)
	if err != nil {
		return nil, Manifest{}, err
	}
	m, ok := findManifest(manifests, snapshotID)
	if !ok {
		return nil, Manifest{}, fmt.Errorf("backup: snapshot %q not found for partition %q", snapshotID, partitionName)
	}

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(partitionName, snapshotID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, Manifest{}, fmt.Errorf("backup: snapshot object missing from bucket: %w", err)
		}
		return nil, Manifest{}, fmt.Errorf("backup: get object: %w", err)
	}
	return resp.Body, m, nil
}

func (b *S3Backend) List(ctx context.Context, partitionName string) ([]Manifest, error) {
	return b.ledger.List(ctx, partitionName)
}

func findManifest(manifests []Manifest, snapshotID string) (Manifest, bool) {
	for _, m := range manifests {
		if m.SnapshotID == snapshotID {
			return m, true
		}
	}
	return Manifest{}, false
}
