// Package memtable implements the in-memory write buffer.
//
// The SkipList underneath has lock-free reads: concurrent readers never take
// a lock, while writers must be externally synchronized. Nodes are never
// removed. Each node holds one user key; overwriting a key swaps the node's
// version pointer atomically, so a reader sees either the old or the new
// version, never a mix.
package memtable

import (
	"bytes"
	"math/rand"
	"sync/atomic"

	"github.com/aalhour/nextdb/internal/dbformat"
)

const (
	// DefaultMaxHeight is the default maximum height for skip list nodes.
	DefaultMaxHeight = 12

	// DefaultBranchingFactor is the default branching factor.
	// On average, 1/branchingFactor nodes will be promoted to next level.
	DefaultBranchingFactor = 4
)

// version is one immutable state of a key.
type version struct {
	value []byte
	typ   dbformat.ValueType
	seq   dbformat.SequenceNumber
}

type skipNode struct {
	key     []byte
	current atomic.Pointer[version]
	next    []atomic.Pointer[skipNode]
}

func newSkipNode(key []byte, height int) *skipNode {
	return &skipNode{
		key:  key,
		next: make([]atomic.Pointer[skipNode], height),
	}
}

func (n *skipNode) getNext(level int) *skipNode {
	return n.next[level].Load()
}

func (n *skipNode) setNext(level int, node *skipNode) {
	n.next[level].Store(node)
}

// SkipList is an ordered map from user key to its latest version.
type SkipList struct {
	head      *skipNode
	maxHeight atomic.Int32
	rng       *rand.Rand
	count     atomic.Int64

	kMaxHeight  int
	kScaledInvB uint32
}

// NewSkipList creates an empty skip list.
func NewSkipList() *SkipList {
	sl := &SkipList{
		head:        newSkipNode(nil, DefaultMaxHeight),
		rng:         rand.New(rand.NewSource(0xDEADBEEF)),
		kMaxHeight:  DefaultMaxHeight,
		kScaledInvB: uint32(0xFFFFFFFF) / uint32(DefaultBranchingFactor),
	}
	sl.maxHeight.Store(1)
	return sl
}

// Upsert sets the version of key, inserting a node if key is new. It
// returns the version it replaced, or nil.
// REQUIRES: external synchronization against other writers.
func (sl *SkipList) Upsert(key []byte, v *version) *version {
	var prev [DefaultMaxHeight]*skipNode
	x := sl.findGreaterOrEqual(key, prev[:])
	if x != nil && bytes.Equal(key, x.key) {
		return x.current.Swap(v)
	}

	height := sl.randomHeight()
	maxH := int(sl.maxHeight.Load())
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		sl.maxHeight.Store(int32(height))
	}

	node := newSkipNode(key, height)
	node.current.Store(v)
	// Link bottom-up so a reader that finds the node at level i can always
	// follow it at every level below i.
	for i := 0; i < height; i++ {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	sl.count.Add(1)
	return nil
}

// Get returns the current version of key, or nil.
func (sl *SkipList) Get(key []byte) *version {
	x := sl.findGreaterOrEqual(key, nil)
	if x != nil && bytes.Equal(key, x.key) {
		return x.current.Load()
	}
	return nil
}

// Count returns the number of distinct keys.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

// findGreaterOrEqual finds the first node with key >= the given key.
// If prev is not nil, fills in prev[level] with the predecessor at each level.
func (sl *SkipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(sl.maxHeight.Load()) - 1

	for {
		next := x.getNext(level)
		if next != nil && bytes.Compare(key, next.key) > 0 {
			x = next
		} else {
			if prev != nil {
				prev[level] = x
			}
			if level == 0 {
				return next
			}
			level--
		}
	}
}

func (sl *SkipList) randomHeight() int {
	height := 1
	for height < sl.kMaxHeight && sl.rng.Uint32() < sl.kScaledInvB {
		height++
	}
	return height
}
