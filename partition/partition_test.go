package partition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPartitionStartsErased(t *testing.T) {
	p := NewMemoryPartition(64, 2)
	buf := make([]byte, 64)
	require.NoError(t, p.Read(context.Background(), 0, buf))
	for _, b := range buf {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestMemoryPartitionRejectsSettingBits(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPartition(64, 2)
	require.NoError(t, p.Write(ctx, 0, []byte{0x0F}))
	err := p.Write(ctx, 0, []byte{0xF0})
	assert.ErrorIs(t, err, ErrBitSet)
}

func TestMemoryPartitionEraseSectorResetsToFF(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPartition(64, 2)
	require.NoError(t, p.Write(ctx, 0, []byte{0x00}))
	require.NoError(t, p.EraseSector(ctx, 0))

	buf := make([]byte, 1)
	require.NoError(t, p.Read(ctx, 0, buf))
	assert.Equal(t, byte(0xFF), buf[0])
}

func TestFilePartitionPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "partition.img")

	fp1, err := OpenFile(path, 64, 2)
	require.NoError(t, err)
	require.NoError(t, fp1.Write(ctx, 0, []byte{0x0F}))
	require.NoError(t, fp1.Sync())
	require.NoError(t, fp1.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(128), fi.Size())

	fp2, err := OpenFile(path, 64, 2)
	require.NoError(t, err)
	defer fp2.Close()

	buf := make([]byte, 1)
	require.NoError(t, fp2.Read(ctx, 0, buf))
	assert.Equal(t, byte(0x0F), buf[0])
}

func TestFaultyFailsWriteAfterByteBudget(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryPartition(64, 2)
	faulty := NewFaulty(base, Fault{FailAfterWriteBytes: 4})

	require.NoError(t, faulty.Write(ctx, 0, []byte{1, 2, 3}))
	err := faulty.Write(ctx, 3, []byte{4, 5})
	assert.ErrorIs(t, err, ErrInjectedFault)
}

func TestFaultyResetRearmsBudget(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryPartition(64, 2)
	faulty := NewFaulty(base, Fault{FailAfterWriteBytes: 2})

	err := faulty.Write(ctx, 0, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInjectedFault)

	faulty.Reset()
	require.NoError(t, faulty.Write(ctx, 0, []byte{1, 2}))
}

func TestFaultyFailsEraseAfterCountBudget(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryPartition(64, 2)
	faulty := NewFaulty(base, Fault{FailAfterEraseCount: 1})

	require.NoError(t, faulty.EraseSector(ctx, 0))
	err := faulty.EraseSector(ctx, 1)
	assert.ErrorIs(t, err, ErrInjectedFault)
}

func TestThrottledStillCompletesWrites(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryPartition(64, 2)
	throttled := NewThrottled(base, 1<<20)

	require.NoError(t, throttled.Write(ctx, 0, []byte{1, 2, 3}))
	buf := make([]byte, 3)
	require.NoError(t, throttled.Read(ctx, 0, buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)
}
