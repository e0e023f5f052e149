// Package bitmap implements the per-chunk allocation bitmap of spec.md
// §4.2: a fixed-size bit vector backed by one mapped region, with a
// rotating allocation cursor biased toward sequential ids for locality.
package bitmap

import "github.com/abbycin/bkv/internal/diskpage"

// Chunk is the allocation bitmap for one chunk of a node file or data
// file. The bits in [0, reservedOff) belong to the chunk's own header
// region and are never scanned, masked or counted — they are implicitly
// "already allocated" by construction, per spec.md §3.2.
type Chunk struct {
	page        *diskpage.Page
	bits        []byte
	totalBits   int
	reservedOff int
	last        int
}

// New wraps page (already mapped over exactly the chunk's header region)
// as a bitmap with totalBits allocation units, the first reservedOff of
// which are reserved for the header itself.
func New(page *diskpage.Page, totalBits, reservedOff int) *Chunk {
	byteLen := (totalBits + 7) / 8
	data := page.Data()
	if len(data) < byteLen {
		byteLen = len(data)
	}
	return &Chunk{
		page:        page,
		bits:        data[:byteLen],
		totalBits:   totalBits,
		reservedOff: reservedOff,
		last:        reservedOff,
	}
}

func testBit(bits []byte, i int) bool {
	return bits[i>>3]&(1<<uint(i&7)) != 0
}

func setBit(bits []byte, i int) {
	bits[i>>3] |= 1 << uint(i&7)
}

func clearBit(bits []byte, i int) {
	bits[i>>3] &^= 1 << uint(i&7)
}

// Get finds a run of n consecutive free bits, scanning circularly from the
// rotating cursor over [reservedOff, totalBits). Runs never wrap: a
// candidate run that would cross from the end of the bitmap back to the
// start is rejected rather than stitched together. On success it records
// the new cursor and returns the run's start index; on failure it returns
// (0, false).
func (c *Chunk) Get(n int) (int, bool) {
	if n <= 0 || n > c.totalBits-c.reservedOff {
		return 0, false
	}
	if start, ok := c.scan(c.last, c.totalBits, n); ok {
		c.last = start + n
		return start, true
	}
	// The second pass may run up to n-1 bits past the cursor so that a free
	// run straddling the cursor is still found.
	hi := c.last + n - 1
	if hi > c.totalBits {
		hi = c.totalBits
	}
	if start, ok := c.scan(c.reservedOff, hi, n); ok {
		c.last = start + n
		return start, true
	}
	return 0, false
}

func (c *Chunk) scan(lo, hi, n int) (int, bool) {
	runStart := -1
	runLen := 0
	for i := lo; i < hi; i++ {
		if !testBit(c.bits, i) {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			if runLen == n {
				return runStart, true
			}
		} else {
			runLen = 0
		}
	}
	return 0, false
}

// Mask marks n bits starting at p as allocated.
func (c *Chunk) Mask(p, n int) {
	for i := p; i < p+n; i++ {
		setBit(c.bits, i)
	}
	c.MarkDirty()
}

// Unmask marks n bits starting at p as free.
func (c *Chunk) Unmask(p, n int) {
	for i := p; i < p+n; i++ {
		clearBit(c.bits, i)
	}
	c.MarkDirty()
}

// PopCount returns the number of allocated bits outside the reserved
// header range, the quantity spec.md §8 property 6 checks against the
// file header's used_pages counter.
func (c *Chunk) PopCount() int {
	n := 0
	for i := c.reservedOff; i < c.totalBits; i++ {
		if testBit(c.bits, i) {
			n++
		}
	}
	return n
}

// MarkDirty flags the underlying page as modified.
func (c *Chunk) MarkDirty() {
	if c.page != nil {
		c.page.MarkDirty()
	}
}

// Sync flushes (and optionally unmaps) the bitmap's backing page.
func (c *Chunk) Sync(unmap bool) error {
	if c.page == nil {
		return nil
	}
	return c.page.Sync(unmap)
}
