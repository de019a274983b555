package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/nextdb/internal/dbformat"
)

// EntryOverhead is the fixed per-entry charge added to key and value bytes
// when estimating a memtable's footprint.
const EntryOverhead = 16

// MemTable buffers recent writes in key order.
//
// Put and Delete upsert: the last call for a key wins regardless of the
// sequence numbers involved, so callers must insert in increasing sequence
// order. Mutations are serialized internally; Get and iteration never block.
type MemTable struct {
	mu       sync.Mutex
	skiplist *SkipList

	size     atomic.Int64
	firstSeq atomic.Uint64
	lastSeq  atomic.Uint64

	// walSegment is the newest WAL segment holding writes for this memtable.
	// Once the memtable is flushed, segments up to it can be released.
	walSegment atomic.Uint64
}

// New creates an empty MemTable.
func New() *MemTable {
	return &MemTable{skiplist: NewSkipList()}
}

// Put sets key to value. key and value are copied.
func (mt *MemTable) Put(key, value []byte, seq dbformat.SequenceNumber) {
	mt.add(key, append([]byte{}, value...), dbformat.TypeValue, seq)
}

// Delete records a tombstone for key. key is copied.
func (mt *MemTable) Delete(key []byte, seq dbformat.SequenceNumber) {
	mt.add(key, nil, dbformat.TypeDeletion, seq)
}

// Apply upserts a decoded record, as replayed from the WAL.
func (mt *MemTable) Apply(kv *dbformat.KVPair) {
	if kv.Type == dbformat.TypeDeletion {
		mt.Delete(kv.Key, kv.Sequence)
		return
	}
	mt.Put(kv.Key, kv.Value, kv.Sequence)
}

func (mt *MemTable) add(key, value []byte, typ dbformat.ValueType, seq dbformat.SequenceNumber) {
	v := &version{value: value, typ: typ, seq: seq}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	old := mt.skiplist.Upsert(append([]byte(nil), key...), v)
	if old == nil {
		mt.size.Add(int64(len(key) + len(value) + EntryOverhead))
	} else {
		mt.size.Add(int64(len(value) - len(old.value)))
	}

	if mt.firstSeq.Load() == 0 {
		mt.firstSeq.Store(uint64(seq))
	}
	if uint64(seq) > mt.lastSeq.Load() {
		mt.lastSeq.Store(uint64(seq))
	}
}

// Get looks up key. found reports whether the memtable holds any entry for
// key; deleted reports that the entry is a tombstone. The returned value
// must not be modified.
func (mt *MemTable) Get(key []byte) (value []byte, found bool, deleted bool) {
	v := mt.skiplist.Get(key)
	if v == nil {
		return nil, false, false
	}
	if v.typ == dbformat.TypeDeletion {
		return nil, true, true
	}
	return v.value, true, false
}

// Size returns the approximate footprint in bytes.
func (mt *MemTable) Size() int64 {
	return mt.size.Load()
}

// Count returns the number of distinct keys.
func (mt *MemTable) Count() int64 {
	return mt.skiplist.Count()
}

// Empty reports whether nothing has been written.
func (mt *MemTable) Empty() bool {
	return mt.skiplist.Count() == 0
}

// FirstSequence returns the sequence of the first write, or 0 if empty.
func (mt *MemTable) FirstSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(mt.firstSeq.Load())
}

// LastSequence returns the highest sequence written, or 0 if empty.
func (mt *MemTable) LastSequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(mt.lastSeq.Load())
}

// SetWALSegment records the newest WAL segment holding this memtable's writes.
func (mt *MemTable) SetWALSegment(n uint64) {
	mt.walSegment.Store(n)
}

// WALSegment returns the value set by SetWALSegment.
func (mt *MemTable) WALSegment() uint64 {
	return mt.walSegment.Load()
}

// Iterator walks a MemTable in ascending key order. It is safe to use
// while writers are active; it observes each key's version at the moment
// it reaches it.
type Iterator struct {
	list *SkipList
	node *skipNode
	cur  *version
}

// NewIterator creates an iterator. It is not valid until a Seek method is called.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{list: mt.skiplist}
}

func (it *Iterator) load() {
	if it.node != nil {
		it.cur = it.node.current.Load()
	} else {
		it.cur = nil
	}
}

// Valid returns true if the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.getNext(0)
	it.load()
}

// Seek positions the iterator at the first key >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
	it.load()
}

// Next advances to the next key.
// REQUIRES: Valid()
func (it *Iterator) Next() {
	it.node = it.node.getNext(0)
	it.load()
}

// Key returns the current key.
// REQUIRES: Valid()
func (it *Iterator) Key() []byte {
	return it.node.key
}

// Entry returns the current entry. Slices alias memtable memory.
// REQUIRES: Valid()
func (it *Iterator) Entry() dbformat.Entry {
	return dbformat.Entry{
		Key:      it.node.key,
		Value:    it.cur.value,
		Type:     it.cur.typ,
		Sequence: it.cur.seq,
	}
}

// Error always returns nil; memtable iteration cannot fail.
func (it *Iterator) Error() error { return nil }
