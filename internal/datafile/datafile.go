// Package datafile implements the blob allocator and streaming I/O layer of
// spec.md §4.6/§4.6.1: it dispenses runs of 64-byte data pages out of the
// <name>.data file's chunked bitmaps, and reads them back through an
// iterator that walks system-page boundaries without copying the whole
// value up front.
//
// Unlike the node file, a data page's natural allocation unit (64 B) is
// smaller than the mmap granule (4096 B), so several unrelated allocations
// can share one mapped system page ("frame"). Freeing an allocation evicts
// every frame it overlaps before the bitmap is cleared, so a later
// allocation landing on the same chunk offset never observes stale cached
// bytes under a reused frame key.
package datafile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/abbycin/bkv/internal/bitmap"
	"github.com/abbycin/bkv/internal/bkverrors"
	"github.com/abbycin/bkv/internal/bkvlog"
	"github.com/abbycin/bkv/internal/diskpage"
	"github.com/abbycin/bkv/internal/layout"
	"github.com/abbycin/bkv/internal/lrucache"
	"github.com/abbycin/bkv/internal/metrics"
	"github.com/abbycin/bkv/internal/pointer"
	"go.uber.org/zap"
)

const (
	chunkCacheLimit = 32
	frameCacheLimit = 16384

	offMagic     = 0
	offFileSize  = 8
	offLastChunk = 16
	offChunkUsed = 24
)

type chunkItem struct {
	id  uint64
	bmp *bitmap.Chunk
}

func (c *chunkItem) ID() uint64            { return c.id }
func (c *chunkItem) Sync(unmap bool) error { return c.bmp.Sync(unmap) }

// frameItem is one cached mapped system page; several data-page allocations
// may share a frame.
type frameItem struct {
	id   uint64
	page *diskpage.Page
}

func (f *frameItem) ID() uint64            { return f.id }
func (f *frameItem) Sync(unmap bool) error { return f.page.Sync(unmap) }

// File is the data file: header, chunk cache and frame cache.
type File struct {
	path    string
	file    *os.File
	fd      int
	header  *diskpage.Page
	chunks  *lrucache.Cache[*chunkItem]
	frames  *lrucache.Cache[*frameItem]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Open formats a fresh data file if path does not exist, or loads and
// validates an existing one.
func Open(path string, logger *zap.Logger, m *metrics.Metrics) (*File, error) {
	if logger == nil {
		logger = bkvlog.Nop()
	}
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	flags := os.O_RDWR
	if fresh {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", path, err)
	}

	fd := int(f.Fd())
	df := &File{path: path, file: f, fd: fd, logger: logger, metrics: m}
	var hooks lrucache.Hooks
	if m != nil {
		hit, miss, evict := m.DataCacheHooks()
		hooks = lrucache.Hooks{OnHit: hit, OnMiss: miss, OnEvict: evict}
	}
	df.chunks = lrucache.New[*chunkItem](chunkCacheLimit, logger, hooks)
	df.frames = lrucache.New[*frameItem](frameCacheLimit, logger, hooks)

	if fresh {
		if err := diskpage.Fallocate(fd, 0, int64(layout.DataHeaderSize)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("datafile: fallocate header: %w", err)
		}
		hdr, err := diskpage.Map(fd, 0, layout.DataHeaderSize, true)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("datafile: map header: %w", err)
		}
		hdr.Zero()
		df.header = hdr
		df.setMagic(layout.DataFileMagic)
		df.setFileSize(int64(layout.DataHeaderSize))
		df.setLastChunk(layout.DataFileChunks - 1)
		return df, nil
	}

	hdr, err := diskpage.Map(fd, 0, layout.DataHeaderSize, true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("datafile: map header: %w", err)
	}
	df.header = hdr
	if df.magic() != layout.DataFileMagic {
		f.Close()
		return nil, fmt.Errorf("datafile: %w: got %#x want %#x", bkverrors.ErrBadMagic, df.magic(), layout.DataFileMagic)
	}
	if df.fileSize() < int64(layout.DataHeaderSize) {
		f.Close()
		return nil, fmt.Errorf("datafile: %w: file_size %d smaller than header", bkverrors.ErrFileCorrupt, df.fileSize())
	}
	return df, nil
}

// --- header accessors ---

func (df *File) magic() uint64 { return binary.LittleEndian.Uint64(df.header.Data()[offMagic:]) }
func (df *File) setMagic(v uint64) {
	binary.LittleEndian.PutUint64(df.header.Data()[offMagic:], v)
	df.header.MarkDirty()
}

func (df *File) fileSize() int64 { return int64(binary.LittleEndian.Uint64(df.header.Data()[offFileSize:])) }
func (df *File) setFileSize(v int64) {
	binary.LittleEndian.PutUint64(df.header.Data()[offFileSize:], uint64(v))
	df.header.MarkDirty()
}

func (df *File) lastChunk() uint32 {
	return uint32(binary.LittleEndian.Uint64(df.header.Data()[offLastChunk:]))
}
func (df *File) setLastChunk(v uint32) {
	binary.LittleEndian.PutUint64(df.header.Data()[offLastChunk:], uint64(v))
	df.header.MarkDirty()
}

func (df *File) chunkUsed(i uint32) uint32 {
	return binary.LittleEndian.Uint32(df.header.Data()[offChunkUsed+int(i)*4:])
}
func (df *File) setChunkUsed(i uint32, v uint32) {
	binary.LittleEndian.PutUint32(df.header.Data()[offChunkUsed+int(i)*4:], v)
	df.header.MarkDirty()
}

// --- allocation ---

// Store writes data into a freshly allocated run of data pages and returns
// its pointer, or (Null, false) if no chunk has a contiguous run big enough.
func (df *File) Store(data []byte) (pointer.Ptr, bool) {
	need := (len(data) + layout.DataPageSize - 1) / layout.DataPageSize
	if need == 0 {
		need = 1
	}
	start := (df.lastChunk() + 1) % layout.DataFileChunks
	for i := uint32(0); i < layout.DataFileChunks; i++ {
		c := (start + i) % layout.DataFileChunks
		used := df.chunkUsed(c)
		// Conservative pre-check: skip chunks that cannot possibly fit need
		// pages even before consulting the bitmap, mirroring the node
		// file's cheaper used-counter gate.
		if used+uint32(need) >= layout.DataPagePerChunk {
			continue
		}
		bmp := df.chunkBitmap(c)
		off, ok := bmp.Get(need)
		if !ok {
			df.logger.Debug("datafile: chunk has no free run long enough", zap.Uint32("chunk", c), zap.Int("need", need), zap.Error(bkverrors.ErrChunkExhausted))
			if df.metrics != nil {
				df.metrics.ChunkAllocFailures.Inc()
			}
			continue
		}
		bmp.Mask(off, need)
		df.setChunkUsed(c, used+uint32(need))
		df.setLastChunk(c)
		ptr := pointer.Encode(uint32(len(data)), c, uint32(off))
		df.writeAt(fileOff(ptr), data)
		if df.metrics != nil {
			df.metrics.UsedDataPages.Add(float64(need))
		}
		return ptr, true
	}
	df.logger.Debug("datafile: no chunk has a free run long enough", zap.Int("need", need), zap.Error(bkverrors.ErrFileExhausted))
	if df.metrics != nil {
		df.metrics.FileAllocFailures.Inc()
	}
	return pointer.Null, false
}

// Free releases the pages backing ptr. Per spec.md §4.6, every system-page
// frame the blob overlaps is evicted from the frame cache before the
// bitmap bits are cleared, so a later allocation that lands on the same
// chunk offset never serves stale cached bytes under a reused frame key.
func (df *File) Free(ptr pointer.Ptr) {
	n := pagesFor(ptr.Length())
	c := ptr.Chunk()
	df.evictFrames(fileOff(ptr), int(ptr.Length()))
	bmp := df.chunkBitmap(c)
	bmp.Unmask(int(ptr.Offset()), n)
	df.setChunkUsed(c, df.chunkUsed(c)-uint32(n))
	if df.metrics != nil {
		df.metrics.UsedDataPages.Add(-float64(n))
	}
}

// evictFrames evicts every system-page frame covering [fileOffset,
// fileOffset+length) from the frame cache. Mirrors forEachSysPage's
// boundary walk but drops the frame instead of handing it to a callback.
func (df *File) evictFrames(fileOffset int64, length int) {
	remaining := length
	pos := fileOffset
	for remaining > 0 {
		sysOff := pos &^ (layout.SysPageSize - 1)
		relOff := int(pos - sysOff)
		n := layout.SysPageSize - relOff
		if n > remaining {
			n = remaining
		}
		df.frames.Evict(uint64(sysOff))
		remaining -= n
		pos += int64(n)
	}
}

func pagesFor(length uint32) int {
	return (int(length) + layout.DataPageSize - 1) / layout.DataPageSize
}

func (df *File) chunkBitmap(i uint32) *bitmap.Chunk {
	key := uint64(i)
	if item, ok := df.chunks.Get(key); ok {
		return item.bmp
	}
	page := df.mapRegion(layout.DataChunkOffset(i), layout.DataChunkHeaderSize)
	bmp := bitmap.New(page, layout.DataPagePerChunk, layout.DataReservedUnits)
	df.chunks.Put(&chunkItem{id: key, bmp: bmp})
	return bmp
}

// fileOff computes the data file byte offset for pointer p.
func fileOff(p pointer.Ptr) int64 {
	return int64(layout.DataHeaderSize) + int64(p.Chunk())*layout.ChunkSize + int64(p.Offset())*layout.DataPageSize
}

func (df *File) frame(sysOff int64) *diskpage.Page {
	key := uint64(sysOff)
	if item, ok := df.frames.Get(key); ok {
		return item.page
	}
	page := df.mapRegion(sysOff, layout.SysPageSize)
	df.frames.Put(&frameItem{id: key, page: page})
	return page
}

// forEachSysPage walks the system-page-aligned frames overlapping
// [fileOffset, fileOffset+length), per spec.md §4.6.1's boundary-crossing
// rule, handing each overlapping sub-range to fn.
func (df *File) forEachSysPage(fileOffset int64, length int, fn func(frame *diskpage.Page, relOff, n int)) {
	remaining := length
	pos := fileOffset
	for remaining > 0 {
		sysOff := pos &^ (layout.SysPageSize - 1)
		relOff := int(pos - sysOff)
		n := layout.SysPageSize - relOff
		if n > remaining {
			n = remaining
		}
		fn(df.frame(sysOff), relOff, n)
		remaining -= n
		pos += int64(n)
	}
}

func (df *File) writeAt(fileOffset int64, data []byte) {
	pos := 0
	df.forEachSysPage(fileOffset, len(data), func(frame *diskpage.Page, relOff, n int) {
		copy(frame.Data()[relOff:relOff+n], data[pos:pos+n])
		frame.MarkDirty()
		pos += n
	})
}

// Iterator streams a stored blob's bytes one mapped frame at a time,
// without ever holding a copy of the whole value, per spec.md §4.6.1.
type Iterator struct {
	df        *File
	off       int64
	remaining int
	total     int
}

// Load returns an iterator over the blob ptr refers to.
func (df *File) Load(ptr pointer.Ptr) *Iterator {
	length := int(ptr.Length())
	return &Iterator{df: df, off: fileOff(ptr), remaining: length, total: length}
}

// Next returns the next contiguous slice of the blob (bounded by a system
// page boundary) and true, or (nil, false) once exhausted. The returned
// slice aliases the mapped frame and must not be retained past the next
// cache eviction.
func (it *Iterator) Next() ([]byte, bool) {
	if it.remaining <= 0 {
		return nil, false
	}
	sysOff := it.off &^ (layout.SysPageSize - 1)
	relOff := int(it.off - sysOff)
	n := layout.SysPageSize - relOff
	if n > it.remaining {
		n = it.remaining
	}
	frame := it.df.frame(sysOff)
	chunk := frame.Data()[relOff : relOff+n]
	it.off += int64(n)
	it.remaining -= n
	return chunk, true
}

// Collect drains the iterator into a single freshly allocated slice.
func (it *Iterator) Collect() []byte {
	out := make([]byte, 0, it.total)
	for {
		b, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, b...)
	}
}

// mapRegion maps size bytes at offset, growing (fallocate) and zero-filling
// the file first if needed. OS-level failure here is unrecoverable, per
// spec.md §7.
func (df *File) mapRegion(offset int64, size int) *diskpage.Page {
	needed := offset + int64(size)
	grow := needed > df.fileSize()
	if grow {
		if err := diskpage.Fallocate(df.fd, offset, int64(size)); err != nil {
			bkvlog.Fatal(df.logger, "datafile: fallocate failed", zap.Error(err))
		}
	}
	page, err := diskpage.Map(df.fd, offset, size, true)
	if err != nil {
		bkvlog.Fatal(df.logger, "datafile: mmap failed", zap.Error(err))
	}
	if grow {
		page.Zero()
		df.setFileSize(needed)
	}
	return page
}

// Sync flushes chunk bitmaps, flushes the frame cache, and fsyncs the fd.
func (df *File) Sync() {
	df.chunks.Sync()
	df.frames.Sync()
	if err := df.header.Sync(false); err != nil {
		bkvlog.Fatal(df.logger, "datafile: header msync failed", zap.Error(err))
	}
	if err := df.file.Sync(); err != nil {
		bkvlog.Fatal(df.logger, "datafile: fsync failed", zap.Error(err))
	}
}

// Close clears both caches and closes the fd.
func (df *File) Close() error {
	df.chunks.Clear()
	df.frames.Clear()
	if err := df.header.Sync(true); err != nil {
		bkvlog.Fatal(df.logger, "datafile: header close sync failed", zap.Error(err))
	}
	return df.file.Close()
}
