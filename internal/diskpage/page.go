// Package diskpage implements the page handle of spec.md §4.3: a region of
// a file mapped into memory with MAP_SHARED, a dirty flag, and sync/unmap
// primitives. It also carries the OS-level primitive the allocators need to
// grow a file (posix_fallocate); the checks that validate a file on open
// live in the callers, not here.
//
// Real mmap/msync/munmap/fallocate are not available from anything in the
// example pack (see DESIGN.md); golang.org/x/sys/unix is the standard
// ecosystem binding for them, the same one go.etcd.io/bbolt uses.
package diskpage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Page owns one mapped region of a file.
type Page struct {
	data []byte
	dirty bool
	// sync selects MS_SYNC over MS_ASYNC for msync; the tree always maps
	// its pages with sync=true, per spec.md §4.3.
	sync bool
}

// Map mmaps length bytes of fd at offset (which must already be a multiple
// of the OS page size) as MAP_SHARED, read/write.
func Map(fd int, offset int64, length int, sync bool) (*Page, error) {
	data, err := unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd=%d offset=%d length=%d: %w", fd, offset, length, err)
	}
	return &Page{data: data, sync: sync}, nil
}

// Data returns the mapped region. Callers reinterpret it with
// encoding/binary or direct byte slicing; Go has no equivalent to a
// reinterpret-cast "into<T>(off)" helper that stays safe under GC, so each
// consumer reads/writes its own fixed layout directly.
func (p *Page) Data() []byte {
	return p.data
}

// MarkDirty flags the page as modified since the last sync.
func (p *Page) MarkDirty() {
	p.dirty = true
}

// IsDirty reports whether the page has unflushed writes.
func (p *Page) IsDirty() bool {
	return p.dirty
}

// Zero clears the mapped region, used when a freshly fallocated range is
// mapped for the first time (spec.md §5 memory-growth policy).
func (p *Page) Zero() {
	for i := range p.data {
		p.data[i] = 0
	}
}

// Sync flushes the page. With unmap=true it always msyncs then munmaps,
// unconditionally. With unmap=false it msyncs only if dirty, then clears
// the dirty flag. This matches spec.md §4.3 exactly.
func (p *Page) Sync(unmap bool) error {
	if unmap {
		err := p.msync()
		if uerr := unix.Munmap(p.data); uerr != nil && err == nil {
			err = fmt.Errorf("munmap: %w", uerr)
		}
		p.data = nil
		return err
	}
	if !p.dirty {
		return nil
	}
	if err := p.msync(); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

func (p *Page) msync() error {
	if len(p.data) == 0 {
		return nil
	}
	flag := unix.MS_ASYNC
	if p.sync {
		flag = unix.MS_SYNC
	}
	if err := unix.Msync(p.data, flag); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Fallocate extends fd to cover [offset, offset+length) without requiring a
// mapping, per the memory-growth policy in spec.md §5.
func Fallocate(fd int, offset, length int64) error {
	if err := unix.Fallocate(fd, 0, offset, length); err != nil {
		return fmt.Errorf("fallocate offset=%d length=%d: %w", offset, length, err)
	}
	return nil
}
