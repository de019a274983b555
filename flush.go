package nextdb

import (
	"fmt"

	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/memtable"
	"github.com/aalhour/nextdb/internal/table"
)

// rotateMemTable freezes the active memtable, queues it for the flusher and
// installs a fresh one. An empty memtable is left in place. Rotation waits
// while MaxImmutableMemTables memtables are already queued.
// REQUIRES: db.writeMu held.
func (db *dbImpl) rotateMemTable() error {
	db.memMu.RLock()
	mem := db.mem
	db.memMu.RUnlock()
	if mem.Empty() {
		return nil
	}

	db.immMu.Lock()
	stalled := false
	for len(db.imm) >= db.opts.MaxImmutableMemTables && db.BackgroundError() == nil && !db.closed.Load() {
		if !stalled {
			stalled = true
			db.logger.Infof("%sstalling writes: %d memtables waiting for flush", logging.NSDB, len(db.imm))
		}
		db.immCond.Wait()
	}
	db.immMu.Unlock()
	if err := db.checkWritable(); err != nil {
		return err
	}

	seg, err := db.wal.Rotate()
	if err != nil {
		return err
	}
	mem.SetWALSegment(seg)

	db.immMu.Lock()
	db.memMu.Lock()
	db.imm = append(db.imm, mem)
	db.mem = memtable.New()
	db.memMu.Unlock()
	db.immMu.Unlock()

	db.bg.maybeScheduleFlush()
	return nil
}

// oldestImmutable returns the next memtable to flush, or nil.
func (db *dbImpl) oldestImmutable() *memtable.MemTable {
	db.immMu.Lock()
	defer db.immMu.Unlock()
	if len(db.imm) == 0 {
		return nil
	}
	return db.imm[0]
}

// flushImmutables writes queued memtables to level 0, oldest first, until
// the queue is empty or shutdown begins.
func (db *dbImpl) flushImmutables() error {
	for !db.bg.stopping() {
		mem := db.oldestImmutable()
		if mem == nil {
			return nil
		}
		if err := db.flushMemTable(mem); err != nil {
			return err
		}
	}
	return nil
}

// flushMemTable writes mem to a new level-0 SST, installs it, removes mem
// from the queue and releases the WAL segments it covered.
func (db *dbImpl) flushMemTable(mem *memtable.MemTable) error {
	num := db.versions.NewFileNumber()
	path := db.tablePath(num)
	db.logger.Infof("%sflushing memtable: %d entries, %d bytes, sequences %d-%d to %s",
		logging.NSFlush, mem.Count(), mem.Size(), mem.FirstSequence(), mem.LastSequence(), table.TableFileName(num))

	b, err := table.NewBuilder(db.fs, path, db.builderOptions())
	if err != nil {
		return fmt.Errorf("nextdb: flush: %w", err)
	}
	it := mem.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		e := it.Entry()
		if err := b.Add(&e); err != nil {
			b.Abandon()
			return fmt.Errorf("nextdb: flush %s: %w", b.Path(), err)
		}
	}
	meta := &manifest.FileMetaData{
		Number:     num,
		Smallest:   append([]byte(nil), b.SmallestKey()...),
		Largest:    append([]byte(nil), b.LargestKey()...),
		NumEntries: b.NumEntries(),
	}
	r, err := b.Finish()
	if err != nil {
		return fmt.Errorf("nextdb: flush: %w", err)
	}
	meta.Size = r.FileSize()
	db.tableCache.Add(num, r)

	edit := &manifest.VersionEdit{}
	edit.AddFile(0, meta)
	edit.SetLastSequence(mem.LastSequence())
	if err := db.versions.LogAndApply(edit); err != nil {
		db.tableCache.Evict(num)
		_ = db.fs.Remove(path)
		db.logger.Fatalf("%sMANIFEST write failed: %v", logging.NSFlush, err)
		return fmt.Errorf("nextdb: flush: install %s: %w", table.TableFileName(num), err)
	}

	if err := db.wal.Release(mem.WALSegment()); err != nil {
		db.logger.Warnf("%s%v", logging.NSFlush, err)
	}

	db.immMu.Lock()
	if len(db.imm) > 0 && db.imm[0] == mem {
		db.imm = db.imm[1:]
	}
	db.immCond.Broadcast()
	db.immMu.Unlock()

	db.logger.Infof("%sflushed %s: %d entries, %d bytes", logging.NSFlush,
		table.TableFileName(num), meta.NumEntries, meta.Size)
	return nil
}

// Flush implements DB.
func (db *dbImpl) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}

	db.writeMu.Lock()
	err := db.rotateMemTable()
	db.writeMu.Unlock()
	if err != nil {
		return err
	}
	if err := db.WaitForFlush(); err != nil {
		return err
	}

	// Checkpoint: once every write is in an SST the WAL need not be
	// replayed again.
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closed.Load() {
		return ErrDBClosed
	}
	db.immMu.Lock()
	drained := len(db.imm) == 0
	db.immMu.Unlock()
	if drained && db.mem.Empty() {
		if err := db.wal.Truncate(); err != nil {
			return fmt.Errorf("nextdb: truncate WAL: %w", err)
		}
	}
	return nil
}

// WaitForFlush implements DB.
func (db *dbImpl) WaitForFlush() error {
	db.immMu.Lock()
	defer db.immMu.Unlock()
	for len(db.imm) > 0 && db.BackgroundError() == nil && !db.closed.Load() {
		db.immCond.Wait()
	}
	if len(db.imm) == 0 {
		return nil
	}
	if db.closed.Load() {
		return ErrDBClosed
	}
	return fmt.Errorf("%w: %w", ErrBackgroundError, db.BackgroundError())
}
