// Package lrucache implements the bounded id->item cache of spec.md §4.4:
// a doubly-linked recency list (container/list) plus a map, evicting
// least-recently-used by calling the evicted item's sync-and-release.
//
// The teacher repo sketches the same shape inline inside a commented-out
// BufferPoolManager (pageTable map[PageID]int + lruList *list.List +
// lruMap map[int]*list.Element) — this factors that shape out into a
// reusable generic cache shared by the node file's page/chunk caches and
// the data file's chunk/system-page caches, the way gojodb's own
// PageID->frame table would be factored if it were promoted to a
// standalone package.
package lrucache

import (
	"container/list"

	"github.com/abbycin/bkv/internal/bkverrors"
	"github.com/abbycin/bkv/internal/bkvlog"
	"go.uber.org/zap"
)

// Item is anything a Cache can own: something addressable by a stable id
// that knows how to flush and optionally release itself.
type Item interface {
	ID() uint64
	Sync(unmap bool) error
}

// Hooks are optional observability callbacks a caller wires to
// internal/metrics counters; the cache itself stays free of any metrics
// dependency (see SPEC_FULL.md §4.8).
type Hooks struct {
	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

// Cache is a bounded, LRU-evicting map from id to owned item T.
type Cache[T Item] struct {
	limit  int
	items  map[uint64]*list.Element
	order  *list.List
	logger *zap.Logger
	hooks  Hooks
}

// New creates a cache that holds at most limit items.
func New[T Item](limit int, logger *zap.Logger, hooks Hooks) *Cache[T] {
	if logger == nil {
		logger = bkvlog.Nop()
	}
	return &Cache[T]{
		limit:  limit,
		items:  make(map[uint64]*list.Element),
		order:  list.New(),
		logger: logger,
		hooks:  hooks,
	}
}

// Put inserts item at the head (most recently used). Inserting an id that
// is already present is a programming error and aborts, per spec.md §4.4.
// If the cache is now over its limit, the tail (least recently used) is
// evicted. Returns the inserted item.
func (c *Cache[T]) Put(item T) T {
	id := item.ID()
	if _, ok := c.items[id]; ok {
		bkvlog.Fatal(c.logger, "duplicate cache insert", zap.Uint64("id", id), zap.Error(bkverrors.ErrDuplicateInsert))
	}
	c.items[id] = c.order.PushFront(item)
	if c.order.Len() > c.limit {
		c.evictTail()
	}
	return item
}

// Get returns the item for id, moving it to the head on a hit.
func (c *Cache[T]) Get(id uint64) (T, bool) {
	el, ok := c.items[id]
	if !ok {
		if c.hooks.OnMiss != nil {
			c.hooks.OnMiss()
		}
		var zero T
		return zero, false
	}
	c.order.MoveToFront(el)
	if c.hooks.OnHit != nil {
		c.hooks.OnHit()
	}
	return el.Value.(T), true
}

// Evict removes id if present, syncing and releasing it. It is a no-op if
// id is not cached.
func (c *Cache[T]) Evict(id uint64) {
	el, ok := c.items[id]
	if !ok {
		return
	}
	item := el.Value.(T)
	delete(c.items, id)
	c.order.Remove(el)
	if err := item.Sync(true); err != nil {
		bkvlog.Fatal(c.logger, "cache evict sync failed", zap.Uint64("id", id), zap.Error(err))
	}
}

// Sync flushes (without releasing) every cached item, dirty or not; Item's
// own Sync skips the msync when it isn't dirty.
func (c *Cache[T]) Sync() {
	for e := c.order.Front(); e != nil; e = e.Next() {
		item := e.Value.(T)
		if err := item.Sync(false); err != nil {
			bkvlog.Fatal(c.logger, "cache sync failed", zap.Uint64("id", item.ID()), zap.Error(err))
		}
	}
}

// Clear evicts every entry.
func (c *Cache[T]) Clear() {
	for {
		el := c.order.Front()
		if el == nil {
			return
		}
		item := el.Value.(T)
		delete(c.items, item.ID())
		c.order.Remove(el)
		if err := item.Sync(true); err != nil {
			bkvlog.Fatal(c.logger, "cache clear sync failed", zap.Uint64("id", item.ID()), zap.Error(err))
		}
	}
}

// Len returns the number of cached items.
func (c *Cache[T]) Len() int {
	return c.order.Len()
}

func (c *Cache[T]) evictTail() {
	el := c.order.Back()
	if el == nil {
		return
	}
	item := el.Value.(T)
	delete(c.items, item.ID())
	c.order.Remove(el)
	if err := item.Sync(true); err != nil {
		bkvlog.Fatal(c.logger, "cache eviction sync failed", zap.Uint64("id", item.ID()), zap.Error(err))
	}
	if c.hooks.OnEvict != nil {
		c.hooks.OnEvict()
	}
}
