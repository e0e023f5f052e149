package diskpage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) *os.File {
	f, err := os.CreateTemp(t.TempDir(), "diskpage-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFallocateThenMapZeroesNothingItself(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())
	require.NoError(t, Fallocate(fd, 0, 4096))

	page, err := Map(fd, 0, 4096, true)
	require.NoError(t, err)
	defer page.Sync(true)

	// A fresh sparse file reads as zero even without an explicit Zero().
	require.Equal(t, byte(0), page.Data()[0])
	require.False(t, page.IsDirty())
}

func TestMarkDirtyAndSync(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())
	require.NoError(t, Fallocate(fd, 0, 4096))
	page, err := Map(fd, 0, 4096, true)
	require.NoError(t, err)

	page.Data()[10] = 0xAB
	page.MarkDirty()
	require.True(t, page.IsDirty())

	require.NoError(t, page.Sync(false))
	require.False(t, page.IsDirty())

	require.NoError(t, page.Sync(true))
}

func TestZeroClearsMappedRegion(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())
	require.NoError(t, Fallocate(fd, 0, 4096))
	page, err := Map(fd, 0, 4096, true)
	require.NoError(t, err)
	defer page.Sync(true)

	for i := range page.Data() {
		page.Data()[i] = 0xFF
	}
	page.Zero()
	for _, b := range page.Data() {
		require.Equal(t, byte(0), b)
	}
}
