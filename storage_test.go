package nvs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsflash/nvs/internal/page"
	"github.com/nvsflash/nvs/partition"
)

func newTestPartition(t *testing.T, sectorCount int) *partition.MemoryPartition {
	t.Helper()
	return partition.NewMemoryPartition(4096, sectorCount)
}

func TestOpenOnFreshPartitionYieldsOneActivePage(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)

	s, err := Open(ctx, part)
	require.NoError(t, err)
	assert.True(t, s.IsValid())

	stats, err := s.FillStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UsedEntries)

	active := 0
	for _, p := range s.mgr.Pages() {
		if p.State() == page.StateActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestOpenFailsOnTooSmallPartition(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 1)

	_, err := Open(ctx, part)
	assert.Error(t, err)
}

func TestWriteReadRoundtripScalar(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "timeout", 42, nil))
	v, err := s.ReadItem(ns, page.TypeU32, "timeout")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestWriteReadRoundtripString(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeStr, "greeting", 0, []byte("hello there")))
	v, err := s.ReadString(ctx, ns, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello there", v)
}

func TestWriteElisionSkipsIdenticalValue(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "k", 7, nil))
	before, err := s.FillStats()
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "k", 7, nil))
	after, err := s.FillStats()
	require.NoError(t, err)

	assert.Equal(t, before.UsedEntries, after.UsedEntries)
}

func TestWriteDifferentValueConsumesNewEntryAndErasesOld(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "k", 7, nil))
	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "k", 8, nil))

	v, err := s.ReadItem(ns, page.TypeU32, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), v)

	stats, err := s.FillStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ErasedEntries)
}

func TestEraseItemRemovesValue(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "k", 7, nil))
	require.NoError(t, s.EraseItem(ctx, ns, page.TypeU32, "k"))

	_, err = s.ReadItem(ns, page.TypeU32, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadMissingItemReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	_, err = s.ReadItem(ns, page.TypeU32, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteItemRejectsOverlongKey(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	longKey := "this-key-is-way-too-long"
	err = s.WriteItem(ctx, ns, page.TypeU32, longKey, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNamespacesArePersistedAcrossReopen(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s1, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s1.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)
	require.NoError(t, s1.WriteItem(ctx, ns, page.TypeU32, "k", 99, nil))

	s2, err := Open(ctx, part)
	require.NoError(t, err)

	ns2, err := s2.CreateOrOpenNamespace(ctx, "config", false)
	require.NoError(t, err)
	assert.Equal(t, ns, ns2)

	v, err := s2.ReadItem(ns2, page.TypeU32, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), v)
}

func TestOpenNamespaceWithoutCreateFailsWhenAbsent(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	_, err = s.CreateOrOpenNamespace(ctx, "nope", false)
	assert.Error(t, err)
	var nsErr *ErrNamespaceNotFound
	assert.ErrorAs(t, err, &nsErr)
}

func TestSelfCheckPassesOnFreshlyWrittenStorage(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, string(rune('a'+i)), uint64(i), nil))
	}

	assert.NoError(t, s.SelfCheck())
}

func TestOpenWithSelfCheckOnMountSucceeds(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part, WithSelfCheckOnMount())
	require.NoError(t, err)
	assert.True(t, s.IsValid())
}

func TestRepeatedOverwritesTriggerGCAndKeepLatestValue(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 2)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	// a small, repeatedly overwritten key set leaves a trail of erased
	// entries behind it, forcing several GC cycles on a 2-sector
	// partition well before 400 writes complete.
	const keyCount = 4
	for i := 0; i < 400; i++ {
		key := string(rune('a' + (i % keyCount)))
		require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, key, uint64(i), nil))
	}

	for k := 0; k < keyCount; k++ {
		v, err := s.ReadItem(ns, page.TypeU32, string(rune('a'+k)))
		require.NoError(t, err)
		assert.Equal(t, uint64(396+k), v)
	}
}

func TestDebugDumpIncludesWrittenKey(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 3)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "marker", 1, nil))

	dump := s.DebugDump()
	assert.Contains(t, dump, "marker")
}

func TestGCCyclesAreRecordedInMetrics(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 2)
	metrics := &BasicMetricsCollector{}
	s, err := Open(ctx, part, WithMetricsCollector(metrics))
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	const keyCount = 4
	for i := 0; i < 400; i++ {
		key := string(rune('a' + (i % keyCount)))
		require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, key, uint64(i), nil))
	}

	assert.Positive(t, metrics.GCCount.Load())
}

func TestInterruptedWriteLeavesNoPartialItemVisibleAfterReopen(t *testing.T) {
	ctx := context.Background()
	base := partition.NewMemoryPartition(4096, 3)

	s, err := Open(ctx, partition.NewFaulty(base, partition.Fault{}))
	require.NoError(t, err)

	ns, err := s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)
	require.NoError(t, s.WriteItem(ctx, ns, page.TypeU32, "a", 42, nil))

	// Remount over the same flash image through a Faulty wired to fail
	// partway through the next write: its MarkWriting flush (at most two
	// bytes for a single-span entry) fits comfortably under the budget,
	// but the 32-byte header write that follows does not.
	faulty := partition.NewFaulty(base, partition.Fault{FailAfterWriteBytes: 10})
	require.NoError(t, s.Reinit(ctx, faulty))
	ns, err = s.CreateOrOpenNamespace(ctx, "config", false)
	require.NoError(t, err)

	err = s.WriteItem(ctx, ns, page.TypeU32, "b", 99, nil)
	assert.ErrorIs(t, err, partition.ErrInjectedFault)

	// Reopen over the raw flash image, as a reboot onto the same media
	// would: the torn entry for "b" must read back as absent, and "a"
	// must be untouched.
	s2, err := Open(ctx, base)
	require.NoError(t, err)
	assert.NoError(t, s2.SelfCheck())

	ns2, err := s2.CreateOrOpenNamespace(ctx, "config", false)
	require.NoError(t, err)

	v, err := s2.ReadItem(ns2, page.TypeU32, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = s2.ReadItem(ns2, page.TypeU32, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReinitRefusesWhileHandlesAreOpen(t *testing.T) {
	ctx := context.Background()
	part := newTestPartition(t, 2)
	s, err := Open(ctx, part)
	require.NoError(t, err)

	_, err = s.CreateOrOpenNamespace(ctx, "config", true)
	require.NoError(t, err)

	h, err := s.OpenHandle(ctx, "config", true)
	require.NoError(t, err)

	err = s.Reinit(ctx, newTestPartition(t, 2))
	assert.ErrorIs(t, err, ErrHandlesOpen)

	require.NoError(t, h.Close())

	require.NoError(t, s.Reinit(ctx, newTestPartition(t, 2)))
	assert.True(t, s.IsValid())
}
