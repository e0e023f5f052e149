// Package btree implements the disk-resident B+tree of spec.md §4.7: fixed
// 4 KiB index pages holding either a leaf's (key, value) pointer pairs or an
// interior node's separator keys and child pointers, linked into a sibling
// chain at each level for range scans.
//
// The teacher's Node[K, V] (_teacher_ref/btree/node.go) serializes variable-
// length keys/values into a byte buffer with a CRC32 trailer on every page.
// Here keys and values never live in the index page at all — only their
// pointer.Ptr into the data file does — so there is nothing to (de)serialize:
// a node's fields are read and written directly against the mapped page,
// the same direct-binary-offset style internal/nodefile and internal/
// datafile use for their headers. Checksums are out of scope (see
// SPEC_FULL.md's format-magic-only validation), so that trailer is dropped.
package btree

import (
	"encoding/binary"

	"github.com/abbycin/bkv/internal/diskpage"
	"github.com/abbycin/bkv/internal/layout"
	"github.com/abbycin/bkv/internal/pointer"
)

type tag uint32

const (
	tagLeaf     tag = 3
	tagInterior tag = 11
)

const (
	hdrSize = 32 // tag(4) + count(4) + parent(8) + prev(8) + next(8)

	offTag    = 0
	offCount  = 4
	offParent = 8
	offPrev   = 16
	offNext   = 24

	// Leaf layout: an array of (keyPtr, valPtr) 16-byte slots starting right
	// after the header.
	leafSlotSize = 16
	leafBase     = hdrSize

	// Interior layout: a children array of 8-byte pointers, followed by a
	// keys array of 8-byte pointers. children[i] is valid for i in
	// [0,count); keys[i] (the separator bounding children[i] from the
	// right) is valid for i in [0,count-1) — the last child has no upper
	// separator. Kept as two parallel arrays, not interleaved slots,
	// because insert/delete shift keys and children by different amounts
	// (spec.md §4.7.2's intl_put shifts "keys from pos" and "children from
	// pos+1" independently).
	intlChildCap = 254
	intlKeyCap   = 253
	intlChildBase = hdrSize
	intlKeyBase   = hdrSize + intlChildCap*8
)

// M is the B+tree's order: the maximum steady-state child count of an
// interior node. A leaf's maximum steady-state kv count is M-1. Both
// figures leave spare room in their respective arrays (one slot for an
// interior node, two for a leaf) so an insert can momentarily overflow
// before a split brings the node back under the limit.
const M = intlChildCap - 1

func init() {
	// Sanity-check the hand-derived capacities against the fixed page size;
	// any mismatch here is a layout bug, not a runtime condition.
	if intlKeyBase+intlKeyCap*8 > layout.IndexPageSize {
		panic("btree: interior layout overflows index page")
	}
	if leafBase+254*leafSlotSize > layout.IndexPageSize {
		panic("btree: leaf layout overflows index page")
	}
}

// Node wraps a mapped index page with typed accessors. self is the page's
// own pointer, needed when an operation must refer back to "this node"
// (e.g. linking it into a sibling chain).
type Node struct {
	self pointer.Ptr
	page *diskpage.Page
}

func wrap(self pointer.Ptr, page *diskpage.Page) *Node {
	return &Node{self: self, page: page}
}

func ptrAt(data []byte, off int) pointer.Ptr {
	return pointer.Ptr(binary.LittleEndian.Uint64(data[off:]))
}

func putPtrAt(data []byte, off int, p pointer.Ptr) {
	binary.LittleEndian.PutUint64(data[off:], uint64(p))
}

// Self returns the node's own pointer.
func (n *Node) Self() pointer.Ptr { return n.self }

// Init resets a freshly allocated page into an empty node of the given tag.
func (n *Node) Init(t tag) {
	n.setTag(t)
	n.SetCount(0)
	n.SetParent(pointer.Null)
	n.SetPrev(pointer.Null)
	n.SetNext(pointer.Null)
}

func (n *Node) data() []byte { return n.page.Data() }

func (n *Node) setTag(t tag) {
	binary.LittleEndian.PutUint32(n.data()[offTag:], uint32(t))
	n.page.MarkDirty()
}

func (n *Node) Tag() tag { return tag(binary.LittleEndian.Uint32(n.data()[offTag:])) }

// IsLeaf reports whether this node is a leaf.
func (n *Node) IsLeaf() bool { return n.Tag() == tagLeaf }

// Count is the number of kv pairs (leaf) or children (interior).
func (n *Node) Count() int { return int(binary.LittleEndian.Uint32(n.data()[offCount:])) }

// SetCount persists the count field.
func (n *Node) SetCount(c int) {
	binary.LittleEndian.PutUint32(n.data()[offCount:], uint32(c))
	n.page.MarkDirty()
}

// Parent returns the parent pointer, or pointer.Null at the root.
func (n *Node) Parent() pointer.Ptr { return ptrAt(n.data(), offParent) }

// SetParent persists the parent pointer.
func (n *Node) SetParent(p pointer.Ptr) {
	putPtrAt(n.data(), offParent, p)
	n.page.MarkDirty()
}

// Prev / Next are this node's sibling-chain links (leaves are threaded for
// range scans; interior nodes are threaded the same way for structural
// uniformity, though nothing currently walks that chain).
func (n *Node) Prev() pointer.Ptr { return ptrAt(n.data(), offPrev) }
func (n *Node) Next() pointer.Ptr { return ptrAt(n.data(), offNext) }

func (n *Node) SetPrev(p pointer.Ptr) {
	putPtrAt(n.data(), offPrev, p)
	n.page.MarkDirty()
}

func (n *Node) SetNext(p pointer.Ptr) {
	putPtrAt(n.data(), offNext, p)
	n.page.MarkDirty()
}

// --- leaf slots ---

func leafSlotOff(i int) int { return leafBase + i*leafSlotSize }

// LeafKey / LeafVal return the i'th kv pair's key/value pointers.
func (n *Node) LeafKey(i int) pointer.Ptr { return ptrAt(n.data(), leafSlotOff(i)) }
func (n *Node) LeafVal(i int) pointer.Ptr { return ptrAt(n.data(), leafSlotOff(i)+8) }

// SetLeafKV writes the i'th kv pair.
func (n *Node) SetLeafKV(i int, key, val pointer.Ptr) {
	off := leafSlotOff(i)
	putPtrAt(n.data(), off, key)
	putPtrAt(n.data(), off+8, val)
	n.page.MarkDirty()
}

// LeafShift moves kv[lo:hi) by delta slots (delta>0 shifts right, delta<0
// shifts left); both endpoints of the destination range must stay within
// the physical slot array.
func (n *Node) LeafShift(lo, hi, delta int) {
	if lo == hi {
		return
	}
	src := n.data()[leafSlotOff(lo):leafSlotOff(hi)]
	dst := n.data()[leafSlotOff(lo+delta):leafSlotOff(hi+delta)]
	copy(dst, src)
	n.page.MarkDirty()
}

// --- interior arrays ---

func intlChildOff(i int) int { return intlChildBase + i*8 }
func intlKeyOff(i int) int   { return intlKeyBase + i*8 }

// IntlChild / IntlKey return the i'th child pointer / i'th separator key
// pointer (valid only for i < Count()-1).
func (n *Node) IntlChild(i int) pointer.Ptr { return ptrAt(n.data(), intlChildOff(i)) }
func (n *Node) IntlKey(i int) pointer.Ptr   { return ptrAt(n.data(), intlKeyOff(i)) }

func (n *Node) SetIntlChild(i int, p pointer.Ptr) {
	putPtrAt(n.data(), intlChildOff(i), p)
	n.page.MarkDirty()
}

func (n *Node) SetIntlKey(i int, p pointer.Ptr) {
	putPtrAt(n.data(), intlKeyOff(i), p)
	n.page.MarkDirty()
}

// IntlShiftKeys moves keys[lo:hi) by delta slots.
func (n *Node) IntlShiftKeys(lo, hi, delta int) {
	if lo == hi {
		return
	}
	src := n.data()[intlKeyOff(lo):intlKeyOff(hi)]
	dst := n.data()[intlKeyOff(lo+delta):intlKeyOff(hi+delta)]
	copy(dst, src)
	n.page.MarkDirty()
}

// IntlShiftChildren moves children[lo:hi) by delta slots.
func (n *Node) IntlShiftChildren(lo, hi, delta int) {
	if lo == hi {
		return
	}
	src := n.data()[intlChildOff(lo):intlChildOff(hi)]
	dst := n.data()[intlChildOff(lo+delta):intlChildOff(hi+delta)]
	copy(dst, src)
	n.page.MarkDirty()
}
