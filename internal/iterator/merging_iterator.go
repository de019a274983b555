// Package iterator merges sorted entry streams.
//
// MergingIterator yields the union of its children in ascending key order.
// Children are ranked by position: when several children hold the same
// key, only the entry from the lowest-indexed child is produced and the
// others are skipped. Callers order children newest tier first, so the
// newest version of every key wins regardless of sequence numbers.
package iterator

import (
	"bytes"
	"container/heap"

	"github.com/aalhour/nextdb/internal/dbformat"
)

// Iterator is a forward cursor over entries in ascending key order.
type Iterator interface {
	// Valid returns true if the iterator is positioned at an entry.
	Valid() bool

	// Key returns the current key.
	Key() []byte

	// Entry returns the current entry, tombstones included.
	Entry() dbformat.Entry

	// SeekToFirst positions the iterator at the smallest key.
	SeekToFirst()

	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Error returns any error encountered during iteration.
	Error() error
}

// -----------------------------------------------------------------------------
// MergingIterator
// -----------------------------------------------------------------------------

// MergingIterator merges children with a min-heap keyed by (key, rank).
type MergingIterator struct {
	children []Iterator
	minHeap  *iterHeap
	current  int // index of the winning child, -1 if invalid
	err      error
}

// NewMergingIterator creates a merging iterator; children[0] has the
// highest precedence.
func NewMergingIterator(children []Iterator) *MergingIterator {
	mi := &MergingIterator{
		children: children,
		current:  -1,
	}
	mi.minHeap = &iterHeap{
		items:    make([]int, 0, len(children)),
		children: children,
	}
	return mi
}

// Valid returns true if the iterator is positioned at an entry.
func (mi *MergingIterator) Valid() bool {
	return mi.err == nil && mi.current >= 0
}

// Key returns the current key.
func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

// Entry returns the winning entry for the current key.
func (mi *MergingIterator) Entry() dbformat.Entry {
	if !mi.Valid() {
		return dbformat.Entry{}
	}
	return mi.children[mi.current].Entry()
}

// SeekToFirst positions the iterator at the smallest key across all children.
func (mi *MergingIterator) SeekToFirst() {
	mi.reset(func(it Iterator) { it.SeekToFirst() })
}

// Seek positions the iterator at the first key >= target.
func (mi *MergingIterator) Seek(target []byte) {
	mi.reset(func(it Iterator) { it.Seek(target) })
}

func (mi *MergingIterator) reset(position func(Iterator)) {
	mi.err = nil
	mi.minHeap.items = mi.minHeap.items[:0]
	for i, child := range mi.children {
		position(child)
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if child.Valid() {
			mi.minHeap.items = append(mi.minHeap.items, i)
		}
	}
	heap.Init(mi.minHeap)
	mi.findSmallest()
}

// Next advances past the current key in every child that holds it.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	key := append([]byte(nil), mi.Key()...)
	for mi.minHeap.Len() > 0 {
		top := mi.minHeap.items[0]
		child := mi.children[top]
		if !bytes.Equal(child.Key(), key) {
			break
		}
		child.Next()
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if child.Valid() {
			heap.Fix(mi.minHeap, 0)
		} else {
			heap.Pop(mi.minHeap)
		}
	}
	mi.findSmallest()
}

// Error returns any error encountered during iteration.
func (mi *MergingIterator) Error() error {
	return mi.err
}

func (mi *MergingIterator) findSmallest() {
	if mi.minHeap.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.minHeap.items[0]
}

// -----------------------------------------------------------------------------
// Min-heap of child indexes
// -----------------------------------------------------------------------------

type iterHeap struct {
	items    []int
	children []Iterator
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := bytes.Compare(h.children[a].Key(), h.children[b].Key()); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	h.items = append(h.items, x.(int))
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
