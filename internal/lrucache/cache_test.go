package lrucache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	id     uint64
	synced int
	unmapped bool
}

func (f *fakeItem) ID() uint64 { return f.id }
func (f *fakeItem) Sync(unmap bool) error {
	f.synced++
	if unmap {
		f.unmapped = true
	}
	return nil
}

func TestPutGetMovesToFront(t *testing.T) {
	c := New[*fakeItem](2, nil, Hooks{})
	a := &fakeItem{id: 1}
	b := &fakeItem{id: 2}
	c.Put(a)
	c.Put(b)

	got, ok := c.Get(1)
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, 2, c.Len())

	// a was touched last, so b is now the eviction candidate.
	c.Put(&fakeItem{id: 3})
	require.True(t, b.unmapped)
	require.False(t, a.unmapped)
}

func TestPutEvictsLRUWhenOverLimit(t *testing.T) {
	var evicted int
	c := New[*fakeItem](2, nil, Hooks{OnEvict: func() { evicted++ }})
	a := &fakeItem{id: 1}
	b := &fakeItem{id: 2}
	d := &fakeItem{id: 3}
	c.Put(a)
	c.Put(b)
	// touch a so b becomes LRU
	c.Get(1)
	c.Put(d)

	require.Equal(t, 1, evicted)
	require.True(t, b.unmapped)
	_, ok := c.Get(2)
	require.False(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestEvictIsNoOpWhenAbsent(t *testing.T) {
	c := New[*fakeItem](2, nil, Hooks{})
	c.Evict(99) // must not panic
	require.Equal(t, 0, c.Len())
}

func TestDuplicateInsertAborts(t *testing.T) {
	c := New[*fakeItem](2, nil, Hooks{})
	a := &fakeItem{id: 1}
	c.Put(a)
	require.Panics(t, func() {
		c.Put(&fakeItem{id: 1})
	})
}

func TestClearEvictsEverything(t *testing.T) {
	c := New[*fakeItem](4, nil, Hooks{})
	c.Put(&fakeItem{id: 1})
	c.Put(&fakeItem{id: 2})
	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestSyncFlushesWithoutRemoving(t *testing.T) {
	c := New[*fakeItem](4, nil, Hooks{})
	a := &fakeItem{id: 1}
	c.Put(a)
	c.Sync()
	require.Equal(t, 1, a.synced)
	require.False(t, a.unmapped)
	require.Equal(t, 1, c.Len())
}
