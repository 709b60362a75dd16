package nvs

import (
	"context"
	"time"

	"github.com/nvsflash/nvs/internal/page"
)

// chunkMaxSize returns the maximum payload bytes a single BLOB_DATA
// chunk can carry: a freshly Active page's full tailroom.
func (s *Storage) chunkMaxSize() int {
	return (page.EntryCountFor(s.part.SectorSize()) - 1) * page.EntrySize
}

func (s *Storage) maxBlobPages() int {
	n := len(s.mgr.Pages()) - 1
	if cap := (int(page.ChunkAny) - 1) / 2; cap < n {
		n = cap
	}
	return n
}

// writtenChunk records one BLOB_DATA chunk written during
// writeMultiPageBlob, so a mid-sequence failure can roll it back
// without needing to re-search for it.
type writtenChunk struct {
	page  *page.Page
	index int
}

// WriteBlob writes a (possibly multi-page) blob under (nsIndex, key),
// atomically replacing any previous version: the new BLOB_IDX and its
// chunks become visible, then the old generation's chunks are erased.
// Writing bytes identical to the current generation is elided (no
// program/erase cycle spent).
func (s *Storage) WriteBlob(ctx context.Context, nsIndex uint8, key string, data []byte) error {
	start := time.Now()
	err := s.writeBlob(ctx, nsIndex, key, data)
	s.opts.metricsCollector.RecordWrite(time.Since(start), err)
	return s.setErr(err)
}

func (s *Storage) writeBlob(ctx context.Context, nsIndex uint8, key string, data []byte) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if len(key) == 0 || len(key) > page.MaxKeyLength {
		return ErrInvalidKey
	}

	maxPages := s.maxBlobPages()
	chunkMax := s.chunkMaxSize()
	if maxPages <= 0 || len(data) > maxPages*chunkMax {
		return ErrValueTooLong
	}

	prevIdx, hasPrev := s.findItem(nsIndex, page.TypeBlobIdx, key, page.ChunkAny, page.VerAny)
	nextStart := page.Ver0
	var prevStart page.VerOffset
	var prevCount uint8
	if hasPrev {
		prevStart = prevIdx.item.BlobChunkStart
		prevCount = prevIdx.item.BlobChunkCount
		nextStart = prevStart.Toggle()

		match, err := s.cmpMultiPageBlob(ctx, nsIndex, key, data, prevIdx)
		if err != nil {
			return err
		}
		if match {
			return nil // write elision: identical bytes, nothing touches flash
		}
	}

	written, err := s.writeBlobChunks(ctx, nsIndex, key, data, nextStart)
	if err != nil {
		s.rollbackChunks(ctx, written)
		return err
	}

	idxItem := page.Item{
		NSIndex:        nsIndex,
		Datatype:       page.TypeBlobIdx,
		Key:            key,
		Span:           1,
		DataSize:       uint32(len(data)),
		BlobChunkCount: uint8(len(written)),
		BlobChunkStart: nextStart,
	}
	var ef *foundItem
	if hasPrev {
		ef = prevIdx
	}
	if _, err := s.writeItemLow(ctx, idxItem, ef); err != nil {
		s.rollbackChunks(ctx, written)
		return err
	}

	if hasPrev {
		if err := s.eraseBlobChunks(ctx, nsIndex, key, prevStart, prevCount); err != nil {
			s.opts.logger.LogBlobSwap(ctx, nsIndex, key, err)
			return err
		}
	}
	s.opts.logger.LogBlobSwap(ctx, nsIndex, key, nil)
	return nil
}

// cmpMultiPageBlob reports whether data is already stored, chunk for
// chunk, under the generation described by prevIdx — the multi-chunk
// analogue of equalExisting, checking each BLOB_DATA chunk against the
// corresponding slice of data via page.CmpItem instead of reassembling
// the whole blob into a second buffer first.
func (s *Storage) cmpMultiPageBlob(ctx context.Context, nsIndex uint8, key string, data []byte, prevIdx *foundItem) (bool, error) {
	if uint32(len(data)) != prevIdx.item.DataSize {
		return false, nil
	}
	chunkStart := prevIdx.item.BlobChunkStart
	chunkCount := prevIdx.item.BlobChunkCount

	offset := 0
	for i := uint8(0); i < chunkCount; i++ {
		chunkIndex := uint8(chunkStart) + i
		f, ok := s.findItem(nsIndex, page.TypeBlobData, key, chunkIndex, chunkStart)
		if !ok {
			return false, nil
		}
		chunkLen := int(f.item.DataSize)
		if offset+chunkLen > len(data) {
			return false, nil
		}
		match, err := f.page.CmpItem(ctx, nsIndex, page.TypeBlobData, key, chunkIndex, chunkStart, data[offset:offset+chunkLen])
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
		offset += chunkLen
	}
	return offset == len(data), nil
}

func (s *Storage) writeBlobChunks(ctx context.Context, nsIndex uint8, key string, data []byte, nextStart page.VerOffset) ([]writtenChunk, error) {
	var written []writtenChunk
	remaining := len(data)
	offset := 0
	cur := s.mgr.Current()
	n := 0

	for remaining > 0 {
		tailroom := cur.Tailroom()
		room := tailroom * page.EntrySize
		if n == 0 && room < len(data) && room < s.chunkMaxSize()/10 {
			if err := cur.MarkFull(ctx); err != nil {
				return written, err
			}
			next, err := s.mgr.RequestNewPage(ctx)
			if err != nil {
				return written, ErrNotEnoughSpace
			}
			if next.Tailroom() == tailroom {
				return written, ErrNotEnoughSpace
			}
			cur = next
			room = cur.Tailroom() * page.EntrySize
		} else if tailroom == 0 {
			return written, ErrNotEnoughSpace
		}

		chunkSize := remaining
		if room < chunkSize {
			chunkSize = room
		}
		payload := data[offset : offset+chunkSize]
		it := page.Item{
			NSIndex:        nsIndex,
			Datatype:       page.TypeBlobData,
			Key:            key,
			ChunkIndex:     uint8(nextStart) + uint8(n),
			BlobChunkStart: nextStart,
			Span:           page.SpanFor(page.TypeBlobData, chunkSize),
			DataSize:       uint32(chunkSize),
			CRC32:          page.ChecksumPayload(payload),
			Payload:        payload,
		}
		idx, err := cur.WriteItem(ctx, it)
		if err != nil {
			return written, err
		}
		written = append(written, writtenChunk{page: cur, index: idx})
		remaining -= chunkSize
		offset += chunkSize
		n++

		if remaining > 0 || cur.Tailroom() < 1 {
			if err := cur.MarkFull(ctx); err != nil {
				return written, err
			}
			next, err := s.mgr.RequestNewPage(ctx)
			if err != nil {
				if remaining > 0 {
					return written, ErrNotEnoughSpace
				}
				// no more chunks needed; a full current page is fine,
				// the BLOB_IDX write will request its own page if needed.
				break
			}
			cur = next
		}
	}
	if len(data) == 0 && len(written) == 0 {
		// a zero-length blob still needs one chunk record so chunkCount
		// is never zero for a "present" blob; write an empty chunk.
		it := page.Item{
			NSIndex: nsIndex, Datatype: page.TypeBlobData, Key: key,
			ChunkIndex: uint8(nextStart), BlobChunkStart: nextStart, Span: 1,
		}
		idx, err := cur.WriteItem(ctx, it)
		if err != nil {
			return written, err
		}
		written = append(written, writtenChunk{page: cur, index: idx})
	}
	return written, nil
}

func (s *Storage) rollbackChunks(ctx context.Context, written []writtenChunk) {
	for _, w := range written {
		_ = w.page.EraseItem(ctx, w.index)
	}
}

// eraseBlobChunks erases up to chunkCount BLOB_DATA chunks of the given
// generation, tolerating chunks already erased by a prior partial
// attempt.
func (s *Storage) eraseBlobChunks(ctx context.Context, nsIndex uint8, key string, chunkStart page.VerOffset, chunkCount uint8) error {
	for i := uint8(0); i < chunkCount; i++ {
		chunkIndex := uint8(chunkStart) + i
		for _, p := range s.mgr.Pages() {
			if idx, _, ok := p.FindItem(nsIndex, page.TypeBlobData, key, chunkIndex, chunkStart); ok {
				if err := p.EraseItem(ctx, idx); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// ReadBlob reads the full blob value stored under (nsIndex, key),
// following its BLOB_IDX to assemble every chunk in order. A missing
// chunk triggers self-healing cleanup (the whole blob is erased) before
// returning ErrNotFound, since a blob with a missing chunk can never be
// completed. Falls back to the legacy single-chunk BLOB datatype when no
// BLOB_IDX exists.
func (s *Storage) ReadBlob(ctx context.Context, nsIndex uint8, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.readBlob(ctx, nsIndex, key)
	s.opts.metricsCollector.RecordRead(time.Since(start), err)
	return data, s.setErr(err)
}

func (s *Storage) readBlob(ctx context.Context, nsIndex uint8, key string) ([]byte, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	idxFound, ok := s.findItem(nsIndex, page.TypeBlobIdx, key, page.ChunkAny, page.VerAny)
	if !ok {
		return s.readLegacyBlob(ctx, nsIndex, key)
	}
	dataSize := idxFound.item.DataSize
	chunkStart := idxFound.item.BlobChunkStart
	chunkCount := idxFound.item.BlobChunkCount

	buf := make([]byte, 0, dataSize)
	for i := uint8(0); i < chunkCount; i++ {
		chunkIndex := uint8(chunkStart) + i
		f, ok := s.findItem(nsIndex, page.TypeBlobData, key, chunkIndex, chunkStart)
		if !ok {
			_ = s.eraseMultiPageBlob(ctx, nsIndex, key, chunkStart)
			return nil, ErrNotFound
		}
		chunk, err := f.page.ReadPayload(ctx, f.index, f.item.DataSize)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	if uint32(len(buf)) != dataSize {
		return nil, &ErrCorruptItem{NSIndex: nsIndex, Key: key}
	}
	return buf, nil
}

func (s *Storage) readLegacyBlob(ctx context.Context, nsIndex uint8, key string) ([]byte, error) {
	f, ok := s.findItem(nsIndex, page.TypeBlob, key, page.ChunkAny, page.VerAny)
	if !ok {
		return nil, ErrNotFound
	}
	return f.page.ReadPayload(ctx, f.index, f.item.DataSize)
}

// EraseBlob erases the BLOB_IDX for (nsIndex,key) first — making any
// remaining chunks orphans in a single atomic bit transition — then
// erases every chunk it covers. Falls back to the legacy single-chunk
// BLOB datatype when no BLOB_IDX exists.
func (s *Storage) EraseBlob(ctx context.Context, nsIndex uint8, key string) error {
	start := time.Now()
	err := s.eraseMultiPageBlob(ctx, nsIndex, key, page.VerAny)
	s.opts.metricsCollector.RecordErase(time.Since(start), err)
	return s.setErr(err)
}

func (s *Storage) eraseMultiPageBlob(ctx context.Context, nsIndex uint8, key string, chunkStart page.VerOffset) error {
	idxFound, ok := s.findItem(nsIndex, page.TypeBlobIdx, key, page.ChunkAny, page.VerAny)
	if ok {
		if chunkStart == page.VerAny {
			chunkStart = idxFound.item.BlobChunkStart
		}
		chunkCount := idxFound.item.BlobChunkCount
		if err := idxFound.page.EraseItem(ctx, idxFound.index); err != nil {
			return err
		}
		return s.eraseBlobChunks(ctx, nsIndex, key, chunkStart, chunkCount)
	}
	if chunkStart == page.VerAny {
		if legacy, ok := s.findItem(nsIndex, page.TypeBlob, key, page.ChunkAny, page.VerAny); ok {
			return legacy.page.EraseItem(ctx, legacy.index)
		}
		return ErrNotFound
	}
	// index already gone (e.g. post-swap cleanup of the old generation);
	// the caller supplied chunkStart directly, but without the index we
	// no longer know chunkCount, so sweep every chunk of that generation
	// present on disk instead of a bounded range.
	return s.sweepBlobChunks(ctx, nsIndex, key, chunkStart)
}

func (s *Storage) sweepBlobChunks(ctx context.Context, nsIndex uint8, key string, chunkStart page.VerOffset) error {
	for _, p := range s.mgr.Pages() {
		for {
			idx, _, ok := p.FindItem(nsIndex, page.TypeBlobData, key, page.ChunkAny, chunkStart)
			if !ok {
				break
			}
			if err := p.EraseItem(ctx, idx); err != nil {
				return err
			}
		}
	}
	return nil
}
