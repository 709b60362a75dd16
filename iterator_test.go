package nvs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsflash/nvs/internal/page"
)

func TestFindEntryLooksUpOnlyMatchingNamespace(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	a, err := s.CreateOrOpenNamespace(ctx, "a", true)
	require.NoError(t, err)
	b, err := s.CreateOrOpenNamespace(ctx, "b", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, a, page.TypeU32, "x", 1, nil))
	require.NoError(t, s.WriteItem(ctx, b, page.TypeU32, "y", 2, nil))

	it := s.FindEntry(a, true, page.TypeAny)
	var keys []string
	for it.Next() {
		keys = append(keys, it.Entry().Key)
	}
	assert.Equal(t, []string{"x"}, keys)
}

func TestFindEntryExcludesNamespaceIndexRecords(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "a", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "x", 1, nil))

	it := s.FindEntry(0, false, page.TypeAny)
	for it.Next() {
		assert.NotEqual(t, page.NSIndex, it.Entry().NSIndex)
	}
}

func TestFindEntrySurfacesOnlyOneChunkPerBlobGeneration(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "a", true)
	require.NoError(t, err)

	chunkMax := s.chunkMaxSize()
	data := make([]byte, chunkMax+10)
	require.NoError(t, s.WriteBlob(ctx, ns, "big", data))

	it := s.FindEntry(ns, true, page.TypeBlobData)
	count := 0
	for it.Next() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestIteratorResetRestartsFromBeginning(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 4)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "a", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "x", 1, nil))

	it := s.FindEntry(ns, true, page.TypeAny)
	require.True(t, it.Next())
	require.False(t, it.Next())

	it.Reset()
	require.True(t, it.Next())
	assert.Equal(t, "x", it.Entry().Key)
}
