package nvs

import (
	"context"

	"github.com/nvsflash/nvs/internal/page"
)

// blobIdxRange is a transient record of one BLOB_IDX's coverage, built
// during mount to drive orphan reclamation.
type blobIdxRange struct {
	NSIndex uint8
	Key     string
	Start   page.VerOffset
	Count   uint8
}

func (r blobIdxRange) covers(chunkIndex uint8, ver page.VerOffset) bool {
	if ver != r.Start {
		return false
	}
	ordinal := chunkIndex - uint8(r.Start)
	return ordinal < r.Count
}

// reclaimOrphans walks every BLOB_IDX to build the live coverage set,
// then erases every BLOB_DATA chunk not covered by any index. This
// repairs the window between writing a new blob generation's chunks and
// erasing the old generation's chunks across a crash — invariant 2's
// guarantee that every WRITTEN BLOB_DATA chunk is covered by some
// BLOB_IDX after mount.
func (s *Storage) reclaimOrphans(ctx context.Context) (int, error) {
	var ranges []blobIdxRange
	for _, p := range s.mgr.Pages() {
		for _, li := range p.LiveItems() {
			if li.Item.Datatype != page.TypeBlobIdx {
				continue
			}
			ranges = append(ranges, blobIdxRange{
				NSIndex: li.Item.NSIndex,
				Key:     li.Item.Key,
				Start:   li.Item.BlobChunkStart,
				Count:   li.Item.BlobChunkCount,
			})
		}
	}

	reclaimed := 0
	for _, p := range s.mgr.Pages() {
		for _, li := range p.LiveItems() {
			if li.Item.Datatype != page.TypeBlobData {
				continue
			}
			covered := false
			for _, r := range ranges {
				if r.NSIndex == li.Item.NSIndex && r.Key == li.Item.Key && r.covers(li.Item.ChunkIndex, li.Item.BlobChunkStart) {
					covered = true
					break
				}
			}
			if covered {
				continue
			}
			if err := p.EraseItem(ctx, li.Index); err != nil {
				return reclaimed, err
			}
			s.opts.logger.LogOrphanReclaim(ctx, li.Item.NSIndex, li.Item.Key, li.Item.ChunkIndex)
			reclaimed++
		}
	}
	return reclaimed, nil
}
