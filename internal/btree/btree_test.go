package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/abbycin/bkv/internal/datafile"
	"github.com/abbycin/bkv/internal/nodefile"
	"github.com/stretchr/testify/require"
)

func newTree(t *testing.T) *Tree {
	dir := t.TempDir()
	nf, err := nodefile.Open(filepath.Join(dir, "t.db"), nil, nil)
	require.NoError(t, err)
	df, err := datafile.Open(filepath.Join(dir, "t.data"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		nf.Close()
		df.Close()
	})
	return New(nf, df, nil, nil)
}

func TestPutGetContains(t *testing.T) {
	tr := newTree(t)
	require.True(t, tr.Put([]byte("alpha"), []byte("alpha1")))
	require.True(t, tr.Put([]byte("beta"), []byte("beta1")))

	v, ok := tr.Get([]byte("alpha"))
	require.True(t, ok)
	require.Equal(t, "alpha1", string(v))
	require.True(t, tr.Contains([]byte("beta")))
	require.False(t, tr.Contains([]byte("gamma")))
}

func TestDuplicatePutRejected(t *testing.T) {
	tr := newTree(t)
	require.True(t, tr.Put([]byte("k"), []byte("v1")))
	require.False(t, tr.Put([]byte("k"), []byte("v2")))
	v, _ := tr.Get([]byte("k"))
	require.Equal(t, "v1", string(v))
}

func TestDeleteRemovesKey(t *testing.T) {
	tr := newTree(t)
	tr.Put([]byte("k"), []byte("v"))
	tr.Del([]byte("k"))
	require.False(t, tr.Contains([]byte("k")))
	require.Equal(t, 0, tr.Count())
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	tr := newTree(t)
	tr.Put([]byte("k"), []byte("v"))
	tr.Del([]byte("nope"))
	require.True(t, tr.Contains([]byte("k")))
}

func TestRangeScenarioS1(t *testing.T) {
	tr := newTree(t)
	tr.Put([]byte("alpha"), []byte("alpha1"))
	tr.Put([]byte("beta"), []byte("beta1"))
	tr.Put([]byte("gamma"), []byte("gamma1"))
	tr.Put([]byte("delta"), []byte("delta1"))

	it := tr.Range([]byte("gamma"), []byte("zeta"))
	require.True(t, it.Valid())
	require.Equal(t, "gamma", string(it.Key()))
	require.Equal(t, "gamma1", string(it.Val()))
	it.Next()
	require.False(t, it.Valid())
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("k%06d", i))
}

func TestBulkInsertGetAndOrderedRange(t *testing.T) {
	tr := newTree(t)
	const n = 600 // enough to force at least one leaf split (order M=253)
	for i := 0; i < n; i++ {
		require.True(t, tr.Put(key(i), key(i)), "put %d", i)
	}
	require.Equal(t, n, tr.Count())

	for i := 0; i < n; i++ {
		v, ok := tr.Get(key(i))
		require.True(t, ok, "get %d", i)
		require.Equal(t, key(i), v)
	}

	it := tr.Range(key(0), key(n-1))
	got := 0
	var prev []byte
	for it.Valid() {
		if prev != nil {
			require.True(t, string(prev) < string(it.Key()))
		}
		prev = append([]byte{}, it.Key()...)
		got++
		it.Next()
	}
	require.Equal(t, n, got)
}

func TestBulkInsertThenDeleteAll(t *testing.T) {
	tr := newTree(t)
	const n = 600
	for i := 0; i < n; i++ {
		require.True(t, tr.Put(key(i), key(i)))
	}
	for i := 0; i < n; i++ {
		tr.Del(key(i))
	}
	require.Equal(t, 0, tr.Count())
	require.True(t, tr.nf.Root().IsNull())
	for i := 0; i < n; i++ {
		require.False(t, tr.Contains(key(i)))
	}
}

func TestDeleteSomeKeepsRemainingReadable(t *testing.T) {
	tr := newTree(t)
	const n = 400
	for i := 0; i < n; i++ {
		require.True(t, tr.Put(key(i), key(i)))
	}
	for i := 0; i < n; i += 2 {
		tr.Del(key(i))
	}
	require.Equal(t, n/2, tr.Count())
	for i := 0; i < n; i++ {
		ok := tr.Contains(key(i))
		if i%2 == 0 {
			require.False(t, ok, "key %d should be gone", i)
		} else {
			require.True(t, ok, "key %d should remain", i)
		}
	}
}
