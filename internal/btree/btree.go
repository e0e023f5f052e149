package btree

import (
	"bytes"

	"github.com/abbycin/bkv/internal/bkvlog"
	"github.com/abbycin/bkv/internal/datafile"
	"github.com/abbycin/bkv/internal/nodefile"
	"github.com/abbycin/bkv/internal/pointer"
	"go.uber.org/zap"
)

// Comparator orders two keys the way bytes.Compare does: negative if a<b,
// zero if equal, positive if a>b.
type Comparator func(a, b []byte) int

// Tree is the disk-resident B+tree of spec.md §4.7, operating over one root
// pointer kept in the node file's header.
type Tree struct {
	nf     *nodefile.File
	df     *datafile.File
	cmp    Comparator
	logger *zap.Logger
}

// New builds a tree over an already-open node file and data file. A nil
// comparator defaults to bytes.Compare.
func New(nf *nodefile.File, df *datafile.File, cmp Comparator, logger *zap.Logger) *Tree {
	if cmp == nil {
		cmp = bytes.Compare
	}
	if logger == nil {
		logger = bkvlog.Nop()
	}
	return &Tree{nf: nf, df: df, cmp: cmp, logger: logger}
}

func (t *Tree) load(p pointer.Ptr) *Node {
	return wrap(p, t.nf.Alloc(p))
}

func (t *Tree) keyBytes(p pointer.Ptr) []byte {
	return t.df.Load(p).Collect()
}

func overHalf(n int) bool { return n > (M+1)/2 }

// --- search (spec.md §4.7.1) ---

// intlSearchPos returns the first position j in [0, count-1) with
// key[j] >= target, or count-1 if no such position exists.
func (t *Tree) intlSearchPos(n *Node, target []byte) int {
	lo, hi := 0, n.Count()-1
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(t.keyBytes(n.IntlKey(mid)), target) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (t *Tree) descend(n *Node, target []byte) pointer.Ptr {
	pos := t.intlSearchPos(n, target)
	if pos < n.Count()-1 && t.cmp(t.keyBytes(n.IntlKey(pos)), target) == 0 {
		return n.IntlChild(pos + 1)
	}
	return n.IntlChild(pos)
}

// leafSearchPos returns (found, pos): pos is the index of target if found,
// or the insertion point if not.
func (t *Tree) leafSearchPos(n *Node, target []byte) (bool, int) {
	lo, hi := 0, n.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		c := t.cmp(t.keyBytes(n.LeafKey(mid)), target)
		switch {
		case c == 0:
			return true, mid
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false, lo
}

// search walks from the root to the leaf that would hold key. Returns
// (Null, nil) on an empty tree.
func (t *Tree) search(key []byte) (pointer.Ptr, *Node) {
	root := t.nf.Root()
	if root.IsNull() {
		return pointer.Null, nil
	}
	cur := root
	node := t.load(cur)
	for !node.IsLeaf() {
		cur = t.descend(node, key)
		node = t.load(cur)
	}
	return cur, node
}

// --- reads ---

// Get returns the stored value for key, or (nil, false) if absent.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	_, leaf := t.search(key)
	if leaf == nil {
		return nil, false
	}
	found, pos := t.leafSearchPos(leaf, key)
	if !found {
		return nil, false
	}
	return t.df.Load(leaf.LeafVal(pos)).Collect(), true
}

// Contains reports whether key is present.
func (t *Tree) Contains(key []byte) bool {
	_, leaf := t.search(key)
	if leaf == nil {
		return false
	}
	found, _ := t.leafSearchPos(leaf, key)
	return found
}

// Count walks the leaf chain and sums kv counts (spec.md §6.2's O(leaves)
// count(), as opposed to the header's O(1) items() counter).
func (t *Tree) Count() int {
	root := t.nf.Root()
	if root.IsNull() {
		return 0
	}
	cur := root
	node := t.load(cur)
	for !node.IsLeaf() {
		cur = node.IntlChild(0)
		node = t.load(cur)
	}
	n := 0
	for {
		n += node.Count()
		next := node.Next()
		if next.IsNull() {
			return n
		}
		node = t.load(next)
	}
}

// --- insert (spec.md §4.7.2) ---

// Put stores key->val, returning false if key is already present or if
// either blob could not be allocated.
func (t *Tree) Put(key, val []byte) bool {
	root := t.nf.Root()
	if root.IsNull() {
		keyPtr, ok := t.df.Store(key)
		if !ok {
			return false
		}
		valPtr, ok := t.df.Store(val)
		if !ok {
			t.df.Free(keyPtr)
			return false
		}
		leafPtr, ok := t.nf.Get()
		if !ok {
			t.df.Free(keyPtr)
			t.df.Free(valPtr)
			return false
		}
		leaf := t.load(leafPtr)
		leaf.Init(tagLeaf)
		leaf.SetCount(1)
		leaf.SetLeafKV(0, keyPtr, valPtr)
		t.nf.SetRoot(leafPtr)
		t.nf.IncrKV()
		return true
	}

	leafPtr, leaf := t.search(key)
	found, pos := t.leafSearchPos(leaf, key)
	if found {
		return false
	}

	keyPtr, ok := t.df.Store(key)
	if !ok {
		return false
	}
	valPtr, ok := t.df.Store(val)
	if !ok {
		t.df.Free(keyPtr)
		return false
	}

	if leaf.Count() < M-1 {
		leaf.LeafShift(pos, leaf.Count(), 1)
		leaf.SetLeafKV(pos, keyPtr, valPtr)
		leaf.SetCount(leaf.Count() + 1)
		t.nf.IncrKV()
		return true
	}

	t.splitLeaf(leafPtr, leaf, pos, keyPtr, valPtr)
	t.nf.IncrKV()
	return true
}

// splitLeaf inserts (keyPtr, valPtr) at pos into a full leaf (count == M-1),
// then splits it in two, per spec.md §4.7.2.
func (t *Tree) splitLeaf(leafPtr pointer.Ptr, leaf *Node, pos int, keyPtr, valPtr pointer.Ptr) {
	preCount := leaf.Count()
	mid := preCount / 2

	leaf.LeafShift(pos, preCount, 1)
	leaf.SetLeafKV(pos, keyPtr, valPtr)
	newCount := preCount + 1
	leaf.SetCount(newCount)

	sibPtr, ok := t.nf.Get()
	if !ok {
		bkvlog.Fatal(t.logger, "btree: leaf split could not allocate sibling")
	}
	sib := t.load(sibPtr)
	sib.Init(tagLeaf)
	for i := mid; i < newCount; i++ {
		sib.SetLeafKV(i-mid, leaf.LeafKey(i), leaf.LeafVal(i))
	}
	sib.SetCount(newCount - mid)
	leaf.SetCount(mid)

	sib.SetNext(leaf.Next())
	sib.SetPrev(leafPtr)
	if next := leaf.Next(); !next.IsNull() {
		t.load(next).SetPrev(sibPtr)
	}
	leaf.SetNext(sibPtr)

	sepKey := sib.LeafKey(0)
	t.fixupAfterSplit(leafPtr, leaf, sibPtr, sib, sepKey)
}

// fixupAfterSplit attaches a newly split-off right sibling into the parent,
// or makes a brand new interior root if left had none.
func (t *Tree) fixupAfterSplit(leftPtr pointer.Ptr, left *Node, rightPtr pointer.Ptr, right *Node, sepKey pointer.Ptr) {
	parentPtr := left.Parent()
	if parentPtr.IsNull() {
		newRootPtr, ok := t.nf.Get()
		if !ok {
			bkvlog.Fatal(t.logger, "btree: split fixup could not allocate new root")
		}
		newRoot := t.load(newRootPtr)
		newRoot.Init(tagInterior)
		newRoot.SetCount(2)
		newRoot.SetIntlChild(0, leftPtr)
		newRoot.SetIntlKey(0, sepKey)
		newRoot.SetIntlChild(1, rightPtr)
		left.SetParent(newRootPtr)
		right.SetParent(newRootPtr)
		t.nf.SetRoot(newRootPtr)
		return
	}
	right.SetParent(parentPtr)
	parent := t.load(parentPtr)
	t.intlPut(parentPtr, parent, rightPtr, sepKey)
}

// intlPut inserts (sepKey, newChild) into parent, splitting it if full, per
// spec.md §4.7.2's intl_put.
func (t *Tree) intlPut(parentPtr pointer.Ptr, parent *Node, newChild pointer.Ptr, sepKey pointer.Ptr) {
	target := t.keyBytes(sepKey)
	pos := t.intlSearchPos(parent, target)
	count := parent.Count()

	if count < M {
		parent.IntlShiftKeys(pos, count-1, 1)
		parent.IntlShiftChildren(pos+1, count, 1)
		parent.SetIntlKey(pos, sepKey)
		parent.SetIntlChild(pos+1, newChild)
		parent.SetCount(count + 1)
		t.load(newChild).SetParent(parentPtr)
		return
	}

	t.splitInterior(parentPtr, parent, pos, newChild, sepKey)
}

// splitInterior inserts (sepKey, newChild) at pos into a full interior node
// (count == M), then splits it, per spec.md §4.7.2.
func (t *Tree) splitInterior(selfPtr pointer.Ptr, self *Node, pos int, newChild pointer.Ptr, sepKey pointer.Ptr) {
	preCount := self.Count()
	mid := (preCount + 1) / 2

	self.IntlShiftKeys(pos, preCount-1, 1)
	self.IntlShiftChildren(pos+1, preCount, 1)
	self.SetIntlKey(pos, sepKey)
	self.SetIntlChild(pos+1, newChild)
	t.load(newChild).SetParent(selfPtr)
	postCount := preCount + 1
	self.SetCount(postCount)

	promoted := self.IntlKey(mid - 1)

	sibPtr, ok := t.nf.Get()
	if !ok {
		bkvlog.Fatal(t.logger, "btree: interior split could not allocate sibling")
	}
	sib := t.load(sibPtr)
	sib.Init(tagInterior)
	for i := mid; i < postCount; i++ {
		sib.SetIntlChild(i-mid, self.IntlChild(i))
		t.load(self.IntlChild(i)).SetParent(sibPtr)
		if i < postCount-1 {
			sib.SetIntlKey(i-mid, self.IntlKey(i))
		}
	}
	sib.SetCount(postCount - mid)
	self.SetCount(mid)

	sib.SetNext(self.Next())
	sib.SetPrev(selfPtr)
	if next := self.Next(); !next.IsNull() {
		t.load(next).SetPrev(sibPtr)
	}
	self.SetNext(sibPtr)

	t.fixupAfterSplit(selfPtr, self, sibPtr, sib, promoted)
}

// --- delete (spec.md §4.7.3) ---

// Del removes key if present; a no-op if absent.
func (t *Tree) Del(key []byte) {
	root := t.nf.Root()
	if root.IsNull() {
		return
	}
	leafPtr, leaf := t.search(key)
	found, pos := t.leafSearchPos(leaf, key)
	if !found {
		return
	}

	keyPtr := leaf.LeafKey(pos)
	valPtr := leaf.LeafVal(pos)
	t.df.Free(valPtr)
	t.df.Free(keyPtr)
	leaf.LeafShift(pos+1, leaf.Count(), -1)
	leaf.SetCount(leaf.Count() - 1)
	t.nf.DecrKV()

	t.rebalanceLeaf(leafPtr, leaf)
}

func (t *Tree) childIndex(parent *Node, self pointer.Ptr) int {
	for i := 0; i < parent.Count(); i++ {
		if parent.IntlChild(i) == self {
			return i
		}
	}
	bkvlog.Fatal(t.logger, "btree: child not found in parent", zap.Uint64("self", uint64(self)))
	return -1
}

func (t *Tree) rebalanceLeaf(selfPtr pointer.Ptr, self *Node) {
	if overHalf(self.Count()) {
		return
	}
	parentPtr := self.Parent()
	if parentPtr.IsNull() {
		if self.Count() == 0 {
			t.nf.Free(selfPtr)
			t.nf.SetRoot(pointer.Null)
			if t.nf.KVCount() != 0 {
				bkvlog.Fatal(t.logger, "btree: root leaf emptied with nonzero kv count")
			}
		}
		return
	}

	parent := t.load(parentPtr)
	childPos := t.childIndex(parent, selfPtr)
	idx := childPos - 1
	useLeft := pickLeft(parent, idx, func(p pointer.Ptr) int { return t.load(p).Count() })

	if useLeft {
		leftPtr := parent.IntlChild(idx)
		left := t.load(leftPtr)
		if overHalf(left.Count()-1) || left.Count()+self.Count() > M-1 {
			t.borrowLeafLeft(self, leftPtr, left, parent, idx)
		} else {
			t.mergeLeafLeft(selfPtr, self, leftPtr, left, parentPtr, parent, idx)
		}
	} else {
		rightPtr := parent.IntlChild(idx + 2)
		right := t.load(rightPtr)
		if overHalf(right.Count()-1) || right.Count()+self.Count() > M-1 {
			t.borrowLeafRight(self, rightPtr, right, parent, idx+1)
		} else {
			t.mergeLeafRight(selfPtr, self, rightPtr, right, parentPtr, parent, idx+1)
		}
	}
}

// pickLeft implements spec.md §4.7.3's sibling-choice policy, shared by leaf
// and interior rebalancing: if idx==-1 there is no left sibling; if idx is
// the last possible separator there is no right sibling; otherwise pick
// whichever sibling currently has more entries.
func pickLeft(parent *Node, idx int, countOf func(pointer.Ptr) int) bool {
	if idx == -1 {
		return false
	}
	if idx == parent.Count()-2 {
		return true
	}
	return countOf(parent.IntlChild(idx)) >= countOf(parent.IntlChild(idx+2))
}

func (t *Tree) borrowLeafRight(self *Node, rPtr pointer.Ptr, r *Node, parent *Node, sepIdx int) {
	k, v := r.LeafKey(0), r.LeafVal(0)
	self.SetLeafKV(self.Count(), k, v)
	self.SetCount(self.Count() + 1)
	r.LeafShift(1, r.Count(), -1)
	r.SetCount(r.Count() - 1)
	parent.SetIntlKey(sepIdx, r.LeafKey(0))
}

func (t *Tree) borrowLeafLeft(self *Node, lPtr pointer.Ptr, l *Node, parent *Node, sepIdx int) {
	last := l.Count() - 1
	k, v := l.LeafKey(last), l.LeafVal(last)
	self.LeafShift(0, self.Count(), 1)
	self.SetLeafKV(0, k, v)
	self.SetCount(self.Count() + 1)
	l.SetCount(last)
	parent.SetIntlKey(sepIdx, k)
}

func (t *Tree) mergeLeafRight(selfPtr pointer.Ptr, self *Node, rPtr pointer.Ptr, r *Node, parentPtr pointer.Ptr, parent *Node, sepIdx int) {
	base := self.Count()
	for i := 0; i < r.Count(); i++ {
		self.SetLeafKV(base+i, r.LeafKey(i), r.LeafVal(i))
	}
	self.SetCount(base + r.Count())
	self.SetNext(r.Next())
	if next := r.Next(); !next.IsNull() {
		t.load(next).SetPrev(selfPtr)
	}
	t.nf.Free(rPtr)
	t.intlDelete(parentPtr, parent, sepIdx)
}

func (t *Tree) mergeLeafLeft(selfPtr pointer.Ptr, self *Node, lPtr pointer.Ptr, l *Node, parentPtr pointer.Ptr, parent *Node, sepIdx int) {
	base := l.Count()
	for i := 0; i < self.Count(); i++ {
		l.SetLeafKV(base+i, self.LeafKey(i), self.LeafVal(i))
	}
	l.SetCount(base + self.Count())
	l.SetNext(self.Next())
	if next := self.Next(); !next.IsNull() {
		t.load(next).SetPrev(lPtr)
	}
	t.nf.Free(selfPtr)
	t.intlDelete(parentPtr, parent, sepIdx)
}

// intlDelete removes separator idx (and the child just to its right) from
// node, then rebalances it, per spec.md §4.7.3's interior rebalance rule.
func (t *Tree) intlDelete(nodePtr pointer.Ptr, node *Node, idx int) {
	count := node.Count()
	node.IntlShiftKeys(idx+1, count-1, -1)
	node.IntlShiftChildren(idx+2, count, -1)
	node.SetCount(count - 1)
	t.rebalanceInterior(nodePtr, node)
}

func (t *Tree) rebalanceInterior(selfPtr pointer.Ptr, self *Node) {
	if self.Parent().IsNull() {
		if self.Count() == 1 {
			sole := self.IntlChild(0)
			t.load(sole).SetParent(pointer.Null)
			t.nf.SetRoot(sole)
			t.nf.Free(selfPtr)
		}
		return
	}
	if overHalf(self.Count()) {
		return
	}

	parentPtr := self.Parent()
	parent := t.load(parentPtr)
	childPos := t.childIndex(parent, selfPtr)
	idx := childPos - 1
	useLeft := pickLeft(parent, idx, func(p pointer.Ptr) int { return t.load(p).Count() })

	if useLeft {
		leftPtr := parent.IntlChild(idx)
		left := t.load(leftPtr)
		if overHalf(left.Count()-1) || left.Count()+self.Count() > M {
			t.borrowInteriorLeft(self, left, parent, idx)
		} else {
			t.mergeInteriorLeft(selfPtr, self, leftPtr, left, parentPtr, parent, idx)
		}
	} else {
		rightPtr := parent.IntlChild(idx + 2)
		right := t.load(rightPtr)
		if overHalf(right.Count()-1) || right.Count()+self.Count() > M {
			t.borrowInteriorRight(self, right, parent, idx+1)
		} else {
			t.mergeInteriorRight(selfPtr, self, rightPtr, right, parentPtr, parent, idx+1)
		}
	}
}

func (t *Tree) borrowInteriorRight(self *Node, r *Node, parent *Node, sepIdx int) {
	movedChild := r.IntlChild(0)
	promoted := parent.IntlKey(sepIdx)
	oldCount := self.Count()
	self.SetIntlKey(oldCount-1, promoted)
	self.SetIntlChild(oldCount, movedChild)
	self.SetCount(oldCount + 1)
	t.load(movedChild).SetParent(self.Self())

	newSep := r.IntlKey(0)
	r.IntlShiftKeys(1, r.Count()-1, -1)
	r.IntlShiftChildren(1, r.Count(), -1)
	r.SetCount(r.Count() - 1)
	parent.SetIntlKey(sepIdx, newSep)
}

func (t *Tree) borrowInteriorLeft(self *Node, l *Node, parent *Node, sepIdx int) {
	lastChild := l.IntlChild(l.Count() - 1)
	lastKey := l.IntlKey(l.Count() - 2)

	self.IntlShiftChildren(0, self.Count(), 1)
	self.IntlShiftKeys(0, self.Count()-1, 1)
	self.SetIntlChild(0, lastChild)
	self.SetIntlKey(0, parent.IntlKey(sepIdx))
	self.SetCount(self.Count() + 1)
	t.load(lastChild).SetParent(self.Self())

	l.SetCount(l.Count() - 1)
	parent.SetIntlKey(sepIdx, lastKey)
}

func (t *Tree) mergeInteriorRight(selfPtr pointer.Ptr, self *Node, rPtr pointer.Ptr, r *Node, parentPtr pointer.Ptr, parent *Node, sepIdx int) {
	promoted := parent.IntlKey(sepIdx)
	baseChild := self.Count()
	baseKey := self.Count() - 1
	self.SetIntlKey(baseKey, promoted)
	rCount := r.Count()
	for i := 0; i < rCount; i++ {
		self.SetIntlChild(baseChild+i, r.IntlChild(i))
		t.load(r.IntlChild(i)).SetParent(selfPtr)
		if i < rCount-1 {
			self.SetIntlKey(baseKey+1+i, r.IntlKey(i))
		}
	}
	self.SetCount(baseChild + rCount)
	t.nf.Free(rPtr)
	t.intlDelete(parentPtr, parent, sepIdx)
}

func (t *Tree) mergeInteriorLeft(selfPtr pointer.Ptr, self *Node, lPtr pointer.Ptr, l *Node, parentPtr pointer.Ptr, parent *Node, sepIdx int) {
	promoted := parent.IntlKey(sepIdx)
	baseChild := l.Count()
	baseKey := l.Count() - 1
	l.SetIntlKey(baseKey, promoted)
	selfCount := self.Count()
	for i := 0; i < selfCount; i++ {
		l.SetIntlChild(baseChild+i, self.IntlChild(i))
		t.load(self.IntlChild(i)).SetParent(lPtr)
		if i < selfCount-1 {
			l.SetIntlKey(baseKey+1+i, self.IntlKey(i))
		}
	}
	l.SetCount(baseChild + selfCount)
	t.nf.Free(selfPtr)
	t.intlDelete(parentPtr, parent, sepIdx)
}
