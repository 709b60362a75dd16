package page_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsflash/nvs/internal/page"
	"github.com/nvsflash/nvs/partition"
)

const testSectorSize = 4096

func newTestPage(t *testing.T) (*page.Page, partition.Partition) {
	t.Helper()
	part := partition.NewMemoryPartition(testSectorSize, 4)
	p := page.NewPage(part, 0)
	require.NoError(t, p.Format(context.Background(), 1))
	return p, part
}

func TestFormatSetsActiveState(t *testing.T) {
	p, _ := newTestPage(t)
	assert.Equal(t, page.StateActive, p.State())
	assert.Equal(t, uint32(1), p.SeqNo())
	assert.Equal(t, p.EntryCount(), p.FreeEntries())
}

func TestWriteAndFindFixedItem(t *testing.T) {
	p, _ := newTestPage(t)
	ctx := context.Background()

	it := page.Item{
		NSIndex:  1,
		Datatype: page.TypeU32,
		Key:      "counter",
		Span:     1,
		Value:    42,
	}
	_, err := p.WriteItem(ctx, it)
	require.NoError(t, err)

	_, found, ok := p.FindItem(1, page.TypeU32, "counter", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	assert.Equal(t, uint64(42), found.Value)
}

func TestWriteAndReadVariableItem(t *testing.T) {
	p, _ := newTestPage(t)
	ctx := context.Background()

	payload := []byte("hello from an nvs test payload that spans more than one entry slot")
	it := page.Item{
		NSIndex:  2,
		Datatype: page.TypeStr,
		Key:      "greeting",
		Span:     page.SpanFor(page.TypeStr, len(payload)),
		DataSize: uint32(len(payload)),
		CRC32:    page.ChecksumPayload(payload),
		Payload:  payload,
	}
	start, err := p.WriteItem(ctx, it)
	require.NoError(t, err)

	foundIdx, found, ok := p.FindItem(2, page.TypeStr, "greeting", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	assert.Equal(t, start, foundIdx)

	got, err := p.ReadPayload(ctx, foundIdx, found.DataSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, page.ChecksumPayload(payload), found.CRC32)
}

func TestEraseItemRemovesIt(t *testing.T) {
	p, _ := newTestPage(t)
	ctx := context.Background()

	it := page.Item{NSIndex: 1, Datatype: page.TypeU8, Key: "flag", Span: 1, Value: 1}
	start, err := p.WriteItem(ctx, it)
	require.NoError(t, err)

	require.NoError(t, p.EraseItem(ctx, start))

	_, _, ok := p.FindItem(1, page.TypeU8, "flag", page.ChunkAny, page.VerAny)
	assert.False(t, ok)
}

func TestWriteItemFailsWhenPageFull(t *testing.T) {
	p, _ := newTestPage(t)
	ctx := context.Background()

	var lastErr error
	for i := 0; i < p.EntryCount()+1; i++ {
		it := page.Item{
			NSIndex:  1,
			Datatype: page.TypeU8,
			Key:      "k",
			Span:     1,
			Value:    uint64(i),
		}
		_, lastErr = p.WriteItem(ctx, it)
		if lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, page.ErrPageFull)
}

func TestLoadRecoversStateAcrossReopen(t *testing.T) {
	part := partition.NewMemoryPartition(testSectorSize, 4)
	ctx := context.Background()

	p1 := page.NewPage(part, 0)
	require.NoError(t, p1.Format(ctx, 7))
	_, err := p1.WriteItem(ctx, page.Item{
		NSIndex: 3, Datatype: page.TypeU16, Key: "reopened", Span: 1, Value: 99,
	})
	require.NoError(t, err)
	require.NoError(t, p1.MarkFull(ctx))

	p2 := page.NewPage(part, 0)
	require.NoError(t, p2.Load(ctx))
	assert.Equal(t, page.StateFull, p2.State())
	assert.Equal(t, uint32(7), p2.SeqNo())

	_, found, ok := p2.FindItem(3, page.TypeU16, "reopened", page.ChunkAny, page.VerAny)
	require.True(t, ok)
	assert.Equal(t, uint64(99), found.Value)
}

func TestCmpItemDetectsUnchangedPayload(t *testing.T) {
	p, _ := newTestPage(t)
	ctx := context.Background()

	payload := []byte("chunk bytes")
	it := page.Item{
		NSIndex: 1, Datatype: page.TypeBlobData, Key: "b", ChunkIndex: 0,
		BlobChunkStart: page.Ver0, Span: page.SpanFor(page.TypeBlobData, len(payload)),
		DataSize: uint32(len(payload)), CRC32: page.ChecksumPayload(payload), Payload: payload,
	}
	_, err := p.WriteItem(ctx, it)
	require.NoError(t, err)

	same, err := p.CmpItem(ctx, 1, page.TypeBlobData, "b", 0, page.Ver0, payload)
	require.NoError(t, err)
	assert.True(t, same)

	diff, err := p.CmpItem(ctx, 1, page.TypeBlobData, "b", 0, page.Ver0, []byte("different"))
	require.NoError(t, err)
	assert.False(t, diff)
}
