// Package bkv implements an embedded, single-process, on-disk ordered
// key-value store: a disk-resident B+tree index (the node file) over
// variable-length blobs (the data file), both accessed through mmap'd,
// chunk-bitmap-backed pages.
//
// Store is the public facade; internal/nodefile, internal/datafile and
// internal/btree do the actual work. There is no internal locking — a
// Store must not be used from more than one goroutine at a time.
package bkv

import (
	"fmt"
	"path/filepath"

	"github.com/abbycin/bkv/internal/bkverrors"
	"github.com/abbycin/bkv/internal/bkvlog"
	"github.com/abbycin/bkv/internal/btree"
	"github.com/abbycin/bkv/internal/datafile"
	"github.com/abbycin/bkv/internal/metrics"
	"github.com/abbycin/bkv/internal/nodefile"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxBlobLen is the largest key or value the pointer codec's 24-bit length
// field can address, per spec.md §6.3.
const maxBlobLen = 1<<24 - 1

// Store is an open key-value store backed by a <name>.db node file and a
// <name>.data data file under dir.
type Store struct {
	dir, name string
	nf        *nodefile.File
	df        *datafile.File
	tree      *btree.Tree
	id        string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	closed    bool
}

// Open formats a fresh store or loads an existing one at dir/name.{db,data}.
// An empty name is a precondition violation and aborts; a missing directory
// or a corrupt file surfaces as an error, since Open sits at a library
// boundary a caller may want to handle without crashing its process.
func Open(dir, name string, opts ...Option) (*Store, error) {
	if name == "" {
		bkvlog.Fatal(bkvlog.Nop(), "bkv: empty store name")
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = bkvlog.Nop()
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("store_id", id))
	m := metrics.New(cfg.registry, id)

	nf, err := nodefile.Open(filepath.Join(dir, name+".db"), logger, m)
	if err != nil {
		return nil, fmt.Errorf("bkv: open %s: %w", name, err)
	}
	df, err := datafile.Open(filepath.Join(dir, name+".data"), logger, m)
	if err != nil {
		nf.Close()
		return nil, fmt.Errorf("bkv: open %s: %w", name, err)
	}

	tree := btree.New(nf, df, cfg.cmp, logger)
	return &Store{
		dir: dir, name: name,
		nf: nf, df: df, tree: tree,
		id: id, logger: logger, metrics: m,
	}, nil
}

func (s *Store) validateKey(key []byte) {
	if len(key) == 0 {
		bkvlog.Fatal(s.logger, "bkv: empty key", zap.Error(bkverrors.ErrEmptyKeyOrValue))
	}
	if len(key) > maxBlobLen {
		bkvlog.Fatal(s.logger, "bkv: key exceeds max length", zap.Int("len", len(key)), zap.Error(bkverrors.ErrKeyTooLarge))
	}
}

func (s *Store) validateKV(key, val []byte) {
	s.validateKey(key)
	if len(val) == 0 {
		bkvlog.Fatal(s.logger, "bkv: empty value", zap.Error(bkverrors.ErrEmptyKeyOrValue))
	}
	if len(val) > maxBlobLen {
		bkvlog.Fatal(s.logger, "bkv: value exceeds max length", zap.Int("len", len(val)), zap.Error(bkverrors.ErrValueTooLarge))
	}
}

// requireOpen aborts with ErrStoreClosed if the store has already been
// closed; every public method but Close, ID and Metrics calls this first.
func (s *Store) requireOpen() {
	if s.closed {
		bkvlog.Fatal(s.logger, "bkv: operation on closed store", zap.Error(bkverrors.ErrStoreClosed))
	}
}

// Put stores key->val. It returns false if key is already present (not an
// overwrite) or if either blob could not be allocated; it never overwrites.
func (s *Store) Put(key, val []byte) bool {
	s.requireOpen()
	s.validateKV(key, val)
	return s.tree.Put(key, val)
}

// Get returns key's value, or an empty slice if key is absent.
func (s *Store) Get(key []byte) []byte {
	s.requireOpen()
	s.validateKey(key)
	v, ok := s.tree.Get(key)
	if !ok {
		return []byte{}
	}
	return v
}

// Contains reports whether key is present.
func (s *Store) Contains(key []byte) bool {
	s.requireOpen()
	s.validateKey(key)
	return s.tree.Contains(key)
}

// Del removes key; a no-op if absent.
func (s *Store) Del(key []byte) {
	s.requireOpen()
	s.validateKey(key)
	s.tree.Del(key)
}

// Iterator is a bounded cursor returned by Range.
type Iterator struct {
	inner *btree.RangeIter
}

// Valid reports whether the cursor is on an element.
func (it *Iterator) Valid() bool { return it.inner.Valid() }

// Key returns the current element's key.
func (it *Iterator) Key() []byte { return it.inner.Key() }

// Val returns the current element's value.
func (it *Iterator) Val() []byte { return it.inner.Val() }

// Next advances the cursor.
func (it *Iterator) Next() { it.inner.Next() }

// Prev retreats the cursor.
func (it *Iterator) Prev() { it.inner.Prev() }

// Range returns an iterator over keys in [from, to] inclusive (per the
// store's comparator), swapping the bounds first if from > to.
func (s *Store) Range(from, to []byte) *Iterator {
	s.requireOpen()
	s.validateKey(from)
	s.validateKey(to)
	return &Iterator{inner: s.tree.Range(from, to)}
}

// Flush syncs both files to disk.
func (s *Store) Flush() {
	s.requireOpen()
	s.nf.Sync()
	s.df.Sync()
}

// Count walks the leaf chain and sums kv counts: O(leaves).
func (s *Store) Count() int {
	s.requireOpen()
	return s.tree.Count()
}

// Items returns the header's live-key counter: O(1).
func (s *Store) Items() uint64 {
	s.requireOpen()
	return s.nf.KVCount()
}

// ID returns the store's instance uuid, for correlating logs and metrics.
func (s *Store) ID() string { return s.id }

// Metrics returns the Prometheus registry the store's counters/gauges are
// registered into, for a caller to scrape.
func (s *Store) Metrics() *prometheus.Registry { return s.metrics.Registry() }

// Close flushes and unmaps everything, per spec.md §5's resource
// discipline. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.nf.Sync()
	s.df.Sync()
	if err := s.nf.Close(); err != nil {
		return err
	}
	return s.df.Close()
}
