package btree

import "github.com/abbycin/bkv/internal/pointer"

// RangeIter is a bounded cursor over a contiguous run of leaf slots, per
// spec.md §4.7.4. It stores (begin_leaf, end_leaf, begin_off, end_off)
// and walks the leaf sibling chain as it advances or retreats.
type RangeIter struct {
	t *Tree

	beginLeaf pointer.Ptr
	beginOff  int
	endLeaf   pointer.Ptr
	endOff    int

	curLeaf pointer.Ptr
	curOff  int
	valid   bool
}

// Range returns an iterator over keys in [from, to] (by the tree's
// comparator), swapping the bounds first if from > to. An empty result is
// represented as a RangeIter whose Valid() is false.
func (t *Tree) Range(from, to []byte) *RangeIter {
	if t.cmp(from, to) > 0 {
		from, to = to, from
	}
	if t.nf.Root().IsNull() {
		return &RangeIter{t: t}
	}

	beginLeafPtr, beginLeaf := t.search(from)
	foundFrom, beginOff := t.leafSearchPos(beginLeaf, from)
	if !foundFrom && beginOff == beginLeaf.Count() {
		next := beginLeaf.Next()
		if next.IsNull() {
			return &RangeIter{t: t}
		}
		beginLeafPtr = next
		beginLeaf = t.load(next)
		beginOff = 0
	}

	endLeafPtr, endLeaf := t.search(to)
	foundTo, endOff := t.leafSearchPos(endLeaf, to)
	if !foundTo {
		if endOff == 0 {
			prev := endLeaf.Prev()
			if prev.IsNull() {
				return &RangeIter{t: t}
			}
			endLeafPtr = prev
			endLeaf = t.load(prev)
			endOff = endLeaf.Count() - 1
		} else {
			endOff--
		}
	}

	if beginLeafPtr == endLeafPtr && beginOff > endOff {
		return &RangeIter{t: t}
	}
	// Both bounds may fall in the gap between two leaves; then the first
	// candidate key already lies past to.
	if t.cmp(t.keyBytes(beginLeaf.LeafKey(beginOff)), to) > 0 {
		return &RangeIter{t: t}
	}

	return &RangeIter{
		t:         t,
		beginLeaf: beginLeafPtr,
		beginOff:  beginOff,
		endLeaf:   endLeafPtr,
		endOff:    endOff,
		curLeaf:   beginLeafPtr,
		curOff:    beginOff,
		valid:     true,
	}
}

// Valid reports whether the cursor is on an element.
func (it *RangeIter) Valid() bool { return it.valid }

// Key returns the current element's key bytes.
func (it *RangeIter) Key() []byte {
	leaf := it.t.load(it.curLeaf)
	return it.t.keyBytes(leaf.LeafKey(it.curOff))
}

// Val materializes the current element's value bytes via the data file's
// streaming collect().
func (it *RangeIter) Val() []byte {
	leaf := it.t.load(it.curLeaf)
	return it.t.df.Load(leaf.LeafVal(it.curOff)).Collect()
}

// Next advances the cursor, crossing to the next leaf at a slot boundary.
// Advancing past end_leaf:end_off invalidates the cursor.
func (it *RangeIter) Next() {
	if !it.valid {
		return
	}
	if it.curLeaf == it.endLeaf && it.curOff == it.endOff {
		it.valid = false
		return
	}
	leaf := it.t.load(it.curLeaf)
	if it.curOff+1 < leaf.Count() {
		it.curOff++
		return
	}
	next := leaf.Next()
	if next.IsNull() {
		it.valid = false
		return
	}
	it.curLeaf = next
	it.curOff = 0
}

// Prev retreats the cursor, crossing to the previous leaf at a slot
// boundary. Retreating past begin_leaf:begin_off invalidates the cursor.
func (it *RangeIter) Prev() {
	if !it.valid {
		return
	}
	if it.curLeaf == it.beginLeaf && it.curOff == it.beginOff {
		it.valid = false
		return
	}
	if it.curOff > 0 {
		it.curOff--
		return
	}
	leaf := it.t.load(it.curLeaf)
	prev := leaf.Prev()
	if prev.IsNull() {
		it.valid = false
		return
	}
	it.curLeaf = prev
	it.curOff = it.t.load(prev).Count() - 1
}
