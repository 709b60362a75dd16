package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsflash/nvs/partition"
)

func TestRestoreReplaysImageOntoPartition(t *testing.T) {
	ctx := context.Background()
	src := partition.NewMemoryPartition(64, 2)
	require.NoError(t, src.Write(ctx, 0, []byte{0x0F, 0x0F}))

	data, crc, err := readFullImage(ctx, src)
	require.NoError(t, err)
	assert.NotZero(t, crc)

	dst := partition.NewMemoryPartition(64, 2)
	require.NoError(t, Restore(ctx, dst, data))

	got, crc2, err := readFullImage(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, crc, crc2)
}

func TestRestoreRejectsWrongSizedImage(t *testing.T) {
	ctx := context.Background()
	dst := partition.NewMemoryPartition(64, 2)
	err := Restore(ctx, dst, make([]byte, 10))
	assert.Error(t, err)
}
