/*
Package nextdb provides an embedded, durable key/value store built on a
log-structured merge tree.

Writes are appended to a write-ahead log and synced before they return,
then applied to an in-memory memtable. Full memtables are frozen and
flushed to immutable SST files in level 0 by a background goroutine, and a
leveled compaction moves data down the tree to bound read amplification.
Reads consult the active memtable, the frozen memtables newest first, and
then the levels, returning the first version found. A tombstone hides every
older version of its key.

# Usage

	opts := nextdb.DefaultOptions()
	opts.DataDir = "/var/lib/app/db"

	db, err := nextdb.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		return err
	}
	v, found, err := db.Get([]byte("k"))

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Iterators are not;
each goroutine should use its own.

# Files

DataDir holds the SST files (NNNNNN.sst), the MANIFEST that records which
files make up each level, the IDENTITY file and the LOCK file. WALDir holds
the numbered WAL segments (NNNNNN.log).
*/
package nextdb
