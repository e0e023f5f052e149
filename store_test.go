package bkv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(i int) []byte {
	return []byte(fmt.Sprintf("k%06d", i))
}

func TestScenarioS1(t *testing.T) {
	s, err := Open(t.TempDir(), "s1")
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Put([]byte("alpha"), []byte("alpha1")))
	require.True(t, s.Put([]byte("beta"), []byte("beta1")))
	require.True(t, s.Put([]byte("gamma"), []byte("gamma1")))
	require.True(t, s.Put([]byte("delta"), []byte("delta1")))

	it := s.Range([]byte("gamma"), []byte("zeta"))
	require.True(t, it.Valid())
	require.Equal(t, "gamma", string(it.Key()))
	require.Equal(t, "gamma1", string(it.Val()))
	it.Next()
	require.False(t, it.Valid())
}

func TestScenarioS2AndS3ScaledDown(t *testing.T) {
	const n = 2000
	dir := t.TempDir()
	s, err := Open(dir, "s2")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.True(t, s.Put(key(i), key(i)))
	}
	require.Equal(t, uint64(n), s.Items())
	require.Equal(t, n, s.Count())
	for i := 0; i < n; i++ {
		require.Equal(t, key(i), s.Get(key(i)))
	}

	for i := 0; i < n; i++ {
		s.Del(key(i))
		if i%1000 == 999 {
			s.Flush()
		}
	}
	require.Equal(t, uint64(0), s.Items())
	for i := 0; i < n; i++ {
		require.False(t, s.Contains(key(i)))
	}
	require.NoError(t, s.Close())
}

func TestScenarioS4CloseReopenSurvivesInteriorSplit(t *testing.T) {
	dir := t.TempDir()
	// Ascending inserts leave split-off leaves with 126 keys; the root
	// interior node overflows its M=253 children after about 32,000 keys.
	const n = 33000

	s, err := Open(dir, "s4")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.True(t, s.Put(key(i), key(i)))
	}
	require.NoError(t, s.Close())

	s2, err := Open(dir, "s4")
	require.NoError(t, err)
	defer s2.Close()

	it := s2.Range(key(0), key(n-1))
	got := 0
	var prev []byte
	for it.Valid() {
		if prev != nil {
			require.True(t, string(prev) < string(it.Key()))
		}
		prev = append([]byte{}, it.Key()...)
		require.Equal(t, it.Key(), it.Val())
		got++
		it.Next()
	}
	require.Equal(t, n, got)
	for i := 0; i < n; i++ {
		require.Equal(t, key(i), s2.Get(key(i)))
	}
}

func TestScenarioS6DuplicateKeyRejected(t *testing.T) {
	s, err := Open(t.TempDir(), "s6")
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Put([]byte("k"), []byte("v1")))
	require.False(t, s.Put([]byte("k"), []byte("v2")))
	require.Equal(t, "v1", string(s.Get([]byte("k"))))
}

func TestGetAbsentReturnsEmptyNotNil(t *testing.T) {
	s, err := Open(t.TempDir(), "absent")
	require.NoError(t, err)
	defer s.Close()

	v := s.Get([]byte("nope"))
	require.NotNil(t, v)
	require.Empty(t, v)
}

func TestDelAbsentIsNoop(t *testing.T) {
	s, err := Open(t.TempDir(), "delabsent")
	require.NoError(t, err)
	defer s.Close()

	s.Put([]byte("k"), []byte("v"))
	s.Del([]byte("nope"))
	require.True(t, s.Contains([]byte("k")))
}

func TestTooLargeKeyPanics(t *testing.T) {
	s, err := Open(t.TempDir(), "toolarge")
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, maxBlobLen+1)
	require.Panics(t, func() { s.Put(big, []byte("v")) })
}

func TestEmptyValuePanics(t *testing.T) {
	s, err := Open(t.TempDir(), "emptyval")
	require.NoError(t, err)
	defer s.Close()

	require.Panics(t, func() { s.Put([]byte("k"), []byte{}) })
}

func TestOpenEmptyNamePanics(t *testing.T) {
	require.Panics(t, func() { Open(t.TempDir(), "") })
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "corrupt")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, "corrupt.db"), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, "corrupt")
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir(), "idempotent")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMetricsRegistryIsScrapable(t *testing.T) {
	s, err := Open(t.TempDir(), "metrics")
	require.NoError(t, err)
	defer s.Close()

	s.Put([]byte("k"), []byte("v"))
	mfs, err := s.Metrics().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
