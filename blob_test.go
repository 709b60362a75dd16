package nvs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsflash/nvs/internal/page"
)

func TestWriteReadSingleChunkBlob(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	data := []byte("a small blob value")
	require.NoError(t, s.WriteBlob(ctx, ns, "thing", data))

	got, err := s.ReadBlob(ctx, ns, "thing")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteReadMultiChunkBlob(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	chunkMax := s.chunkMaxSize()
	data := bytes.Repeat([]byte{0xAB}, chunkMax+chunkMax/2)
	require.NoError(t, s.WriteBlob(ctx, ns, "big", data))

	got, err := s.ReadBlob(ctx, ns, "big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteBlobElidesIdenticalBytesAcrossMultipleChunks(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	chunkMax := s.chunkMaxSize()
	data := bytes.Repeat([]byte{0xCD}, chunkMax+chunkMax/2)
	require.NoError(t, s.WriteBlob(ctx, ns, "k", data))

	idxBefore, ok := s.findItem(ns, page.TypeBlobIdx, "k", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	startBefore := idxBefore.item.BlobChunkStart

	// writing the exact same bytes again must not toggle the
	// generation or touch any chunk.
	require.NoError(t, s.WriteBlob(ctx, ns, "k", data))

	idxAfter, ok := s.findItem(ns, page.TypeBlobIdx, "k", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	assert.Equal(t, startBefore, idxAfter.item.BlobChunkStart)

	got, err := s.ReadBlob(ctx, ns, "k")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteBlobTwiceTogglesGenerationAndErasesOld(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	first := []byte("version one")
	second := []byte("version two, a bit longer than the first")

	require.NoError(t, s.WriteBlob(ctx, ns, "k", first))
	idx1, ok := s.findItem(ns, page.TypeBlobIdx, "k", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	startBefore := idx1.item.BlobChunkStart

	require.NoError(t, s.WriteBlob(ctx, ns, "k", second))
	idx2, ok := s.findItem(ns, page.TypeBlobIdx, "k", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	assert.Equal(t, startBefore.Toggle(), idx2.item.BlobChunkStart)

	got, err := s.ReadBlob(ctx, ns, "k")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	// only one generation's BLOB_IDX survives.
	count := 0
	for _, p := range s.mgr.Pages() {
		for _, li := range p.LiveItems() {
			if li.Item.Datatype == page.TypeBlobIdx && li.Item.Key == "k" {
				count++
			}
		}
	}
	assert.Equal(t, 1, count)
}

func TestEraseBlobRemovesIndexAndChunks(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteBlob(ctx, ns, "k", []byte("gone soon")))
	require.NoError(t, s.EraseBlob(ctx, ns, "k"))

	_, err = s.ReadBlob(ctx, ns, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteBlobTooLargeForPartitionFails(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 2)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)

	chunkMax := s.chunkMaxSize()
	huge := bytes.Repeat([]byte{1}, chunkMax*10)
	err = s.WriteBlob(ctx, ns, "huge", huge)
	assert.Error(t, err)
}

func TestReclaimOrphansErasesUncoveredBlobChunkAtMount(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "blobs", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteBlob(ctx, ns, "k", []byte("payload")))

	idxFound, ok := s.findItem(ns, page.TypeBlobIdx, "k", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	chunkStart := idxFound.item.BlobChunkStart

	// simulate a crash between writing a new generation's chunks and
	// erasing the old generation: manually write a stray chunk under the
	// other generation that no BLOB_IDX covers.
	strayPayload := []byte("orph")
	stray := page.Item{
		NSIndex:        ns,
		Datatype:       page.TypeBlobData,
		Key:            "k",
		ChunkIndex:     uint8(chunkStart.Toggle()),
		BlobChunkStart: chunkStart.Toggle(),
		Span:           page.SpanFor(page.TypeBlobData, len(strayPayload)),
		DataSize:       uint32(len(strayPayload)),
		CRC32:          page.ChecksumPayload(strayPayload),
		Payload:        strayPayload,
	}
	_, err = s.writeItemLow(ctx, stray, nil)
	require.NoError(t, err)

	s2, err := Open(ctx, part)
	require.NoError(t, err)

	for _, p := range s2.mgr.Pages() {
		for _, li := range p.LiveItems() {
			if li.Item.Datatype == page.TypeBlobData && li.Item.Key == "k" {
				assert.Equal(t, chunkStart, li.Item.BlobChunkStart)
			}
		}
	}

	got, err := s2.ReadBlob(ctx, ns, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}
