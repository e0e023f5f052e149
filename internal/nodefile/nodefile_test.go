package nodefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/abbycin/bkv/internal/pointer"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *File {
	path := filepath.Join(t.TempDir(), "test.db")
	nf, err := Open(path, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { nf.Close() })
	return nf
}

func TestFreshFileStartsEmpty(t *testing.T) {
	nf := open(t)
	require.True(t, nf.Root().IsNull())
	require.Equal(t, uint64(0), nf.KVCount())
}

func TestGetAllocHitsCacheAndFree(t *testing.T) {
	nf := open(t)
	p, ok := nf.Get()
	require.True(t, ok)

	page := nf.Alloc(p)
	page.Data()[0] = 0x42
	page.MarkDirty()

	// same pointer hits the page cache and returns the same bytes
	again := nf.Alloc(p)
	require.Equal(t, byte(0x42), again.Data()[0])

	nf.Free(p)
}

func TestRootRoundTripsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	nf, err := Open(path, nil, nil)
	require.NoError(t, err)
	p, ok := nf.Get()
	require.True(t, ok)
	nf.SetRoot(p)
	nf.IncrKV()
	nf.Sync()
	require.NoError(t, nf.Close())

	nf2, err := Open(path, nil, nil)
	require.NoError(t, err)
	defer nf2.Close()
	require.Equal(t, p, nf2.Root())
	require.Equal(t, uint64(1), nf2.KVCount())
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	nf, err := Open(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, nf.Close())

	// Corrupt the magic directly on disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, nil, nil)
	require.Error(t, err)
}

func TestDistinctAllocationsGetDistinctPointers(t *testing.T) {
	nf := open(t)
	p1, ok := nf.Get()
	require.True(t, ok)
	require.False(t, p1.IsNull())

	// distinct allocations get distinct pointers
	p2, ok := nf.Get()
	require.True(t, ok)
	require.NotEqual(t, p1, p2)
	_ = pointer.Null
}
