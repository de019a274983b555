package nextdb

import (
	"bytes"

	"github.com/aalhour/nextdb/internal/iterator"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/table"
	"github.com/aalhour/nextdb/internal/version"
)

// Iterator walks the live keys of a DB in ascending order. It sees the
// state of the DB when it was created plus any later writes to the
// memtables it covers; it never sees deleted keys.
//
// Key and Value are valid until the next call to Next.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Error() error

	// Close releases the files pinned by the iterator.
	Close() error
}

type pinnedReader struct {
	num    uint64
	reader *table.Reader
}

type dbIterator struct {
	db      *dbImpl
	v       *version.Version
	readers []pinnedReader
	merged  *iterator.MergingIterator

	upper []byte
	done  bool
	err   error
}

// NewIterator implements DB.
func (db *dbImpl) NewIterator(lower, upper []byte) Iterator {
	it := &dbIterator{db: db}
	if upper != nil {
		it.upper = append([]byte(nil), upper...)
	}
	if db.closed.Load() {
		it.err = ErrDBClosed
		return it
	}

	rs := db.acquireReadState()
	it.v = rs.v

	// Highest precedence first: newer tiers win for duplicate keys.
	children := []iterator.Iterator{rs.mem.NewIterator()}
	for _, m := range rs.imm {
		children = append(children, m.NewIterator())
	}
	for level := range rs.v.NumLevels() {
		files := rs.v.Files(level)
		for i := range files {
			f := files[i]
			if level == 0 {
				f = files[len(files)-1-i]
			}
			if !overlapsRange(f, lower, upper) {
				continue
			}
			r, err := db.tableCache.Get(f.Number, db.tablePath(f.Number))
			if err != nil {
				it.err = wrapCorruption(err)
				it.release()
				return it
			}
			it.readers = append(it.readers, pinnedReader{num: f.Number, reader: r})
			children = append(children, r.NewIterator())
		}
	}

	it.merged = iterator.NewMergingIterator(children)
	if lower != nil {
		it.merged.Seek(lower)
	} else {
		it.merged.SeekToFirst()
	}
	it.skipTombstones()
	return it
}

func overlapsRange(f *manifest.FileMetaData, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(f.Largest, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(f.Smallest, upper) >= 0 {
		return false
	}
	return true
}

// skipTombstones advances past deleted keys and stops at the upper bound.
func (it *dbIterator) skipTombstones() {
	for it.merged.Valid() {
		if it.upper != nil && bytes.Compare(it.merged.Key(), it.upper) >= 0 {
			it.done = true
			return
		}
		if e := it.merged.Entry(); !e.IsTombstone() {
			return
		}
		it.merged.Next()
	}
}

func (it *dbIterator) Valid() bool {
	return it.err == nil && it.merged != nil && !it.done && it.merged.Valid()
}

func (it *dbIterator) Next() {
	if !it.Valid() {
		return
	}
	it.merged.Next()
	it.skipTombstones()
}

func (it *dbIterator) Key() []byte {
	return it.merged.Key()
}

func (it *dbIterator) Value() []byte {
	e := it.merged.Entry()
	return e.Value
}

func (it *dbIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.merged != nil {
		return wrapCorruption(it.merged.Error())
	}
	return nil
}

func (it *dbIterator) Close() error {
	err := it.Error()
	it.release()
	it.merged = nil
	return err
}

func (it *dbIterator) release() {
	for _, p := range it.readers {
		it.db.tableCache.Release(p.num, p.reader)
	}
	it.readers = nil
	if it.v != nil {
		it.v.Unref()
		it.v = nil
	}
}
