// Package pointer implements the 64-bit logical address codec described in
// spec.md §3.1 and §4.1: pure functions packing and unpacking
// length[24] | chunk[11] | offset[29]. It knows nothing about files, pages
// or chunk sizes — those live in internal/layout and the two allocator
// packages that consume this type.
package pointer

const (
	lengthBits = 24
	chunkBits  = 11
	offsetBits = 29

	maxLength = (1 << lengthBits) - 1
	maxChunk  = (1 << chunkBits) - 1
	maxOffset = (1 << offsetBits) - 1

	chunkShift  = offsetBits
	lengthShift = offsetBits + chunkBits
)

// Ptr is a logical pointer: either a fixed-size index page address or a
// variable-length data blob address, depending on which file it came from.
type Ptr uint64

// Null is the reserved all-ones value meaning "no pointer".
const Null Ptr = Ptr(^uint64(0))

// Encode packs length, chunk and offset into a Ptr. Callers are expected to
// have already validated their ranges; Encode itself does not check them on
// the hot path, matching the "pure functions" framing of spec.md §4.1.
func Encode(length, chunk, offset uint32) Ptr {
	return Ptr(uint64(length)<<lengthShift | uint64(chunk)<<chunkShift | uint64(offset))
}

// Valid reports whether length, chunk and offset each fit in their field.
func Valid(length, chunk, offset uint32) bool {
	return length <= maxLength && chunk <= maxChunk && offset <= maxOffset
}

// Length returns the byte-length field: a value's actual byte length for
// data pointers, or the fixed index page size for index pointers (spec.md
// §9 keeps this field populated even though it is constant in that case).
func (p Ptr) Length() uint32 {
	return uint32(uint64(p) >> lengthShift)
}

// Chunk returns the chunk index (0..2047).
func (p Ptr) Chunk() uint32 {
	return uint32((uint64(p) >> chunkShift) & maxChunk)
}

// Offset returns the page offset within the chunk, in allocation units.
func (p Ptr) Offset() uint32 {
	return uint32(uint64(p) & maxOffset)
}

// IsNull reports whether p is the reserved ptr_null sentinel.
func (p Ptr) IsNull() bool {
	return p == Null
}
