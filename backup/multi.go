package backup

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/nvsflash/nvs/partition"
)

// MultiBackend fans a single snapshot out to several backends
// concurrently (for example an S3 bucket and a MinIO mirror), so a
// replica outage doesn't serialize onto the critical path of a backup.
type MultiBackend struct {
	backends []Backend
	limit    int
}

// NewMultiBackend builds a MultiBackend over the given backends. limit
// caps how many backend Push calls run concurrently; 0 means unlimited.
// Pull tries the backends one at a time.
func NewMultiBackend(limit int, backends ...Backend) *MultiBackend {
	return &MultiBackend{backends: backends, limit: limit}
}

// Push uploads the partition image to every backend concurrently and
// returns the manifest produced by the first backend in the list. All
// backends must succeed; the first error observed is returned. That
// error cancels the context passed to the other backends' Push calls,
// and Push waits for all of them to return.
func (m *MultiBackend) Push(ctx context.Context, part partition.Partition, partitionName string) (Manifest, error) {
	manifests := make([]Manifest, len(m.backends))

	g, gctx := errgroup.WithContext(ctx)
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}
	for i, b := range m.backends {
		i, b := i, b
		g.Go(func() error {
			man, err := b.Push(gctx, part, partitionName)
			if err != nil {
				return err
			}
			manifests[i] = man
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}
	return manifests[0], nil
}

// Pull reads the snapshot from the first backend willing to serve it.
func (m *MultiBackend) Pull(ctx context.Context, partitionName, snapshotID string) (io.ReadCloser, Manifest, error) {
	var lastErr error
	for _, b := range m.backends {
		rc, man, err := b.Pull(ctx, partitionName, snapshotID)
		if err == nil {
			return rc, man, nil
		}
		lastErr = err
	}
	return nil, Manifest{}, lastErr
}

// List returns the manifest history from the first backend in the list.
func (m *MultiBackend) List(ctx context.Context, partitionName string) ([]Manifest, error) {
	return m.backends[0].List(ctx, partitionName)
}
