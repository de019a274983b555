package nextdb

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/nextdb/internal/cache"
	"github.com/aalhour/nextdb/internal/compaction"
	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/memtable"
	"github.com/aalhour/nextdb/internal/table"
	"github.com/aalhour/nextdb/internal/version"
	"github.com/aalhour/nextdb/internal/wal"
	"github.com/aalhour/nextdb/vfs"
)

const (
	lockFileName     = "LOCK"
	identityFileName = "IDENTITY"
)

// DB is an open database. All methods are safe for concurrent use.
type DB interface {
	// Put sets key to value. On success the write is durable.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Get returns the value of key. A missing key is reported with
	// found == false and a nil error.
	Get(key []byte) (value []byte, found bool, err error)

	// NewIterator returns an iterator over the live keys in [lower, upper).
	// A nil bound is unbounded.
	NewIterator(lower, upper []byte) Iterator

	// Flush freezes the active memtable and waits until every frozen
	// memtable is written to level 0.
	Flush() error

	// WaitForFlush waits until every frozen memtable is written, without
	// freezing the active one.
	WaitForFlush() error

	// CompactRange flushes and then compacts every level into the next,
	// top to bottom.
	CompactRange() error

	// SetAppliedIndex durably records an external log position.
	SetAppliedIndex(idx uint64) error

	// AppliedIndex returns the last position passed to SetAppliedIndex.
	AppliedIndex() uint64

	// GetProperty returns the value of a nextdb.* property.
	GetProperty(name string) (string, bool)

	// NumFilesAtLevel returns the number of SST files at level.
	NumFilesAtLevel(level int) int

	// L0CompactionPending reports whether level 0 has reached the
	// compaction trigger.
	L0CompactionPending() bool

	// LastSequence returns the sequence number of the last write.
	LastSequence() uint64

	// Identity returns the database's unique identifier.
	Identity() string

	// BackgroundError returns the sticky background error, if any.
	BackgroundError() error

	// Close releases all resources. Data not yet flushed stays in the WAL
	// and is recovered by the next Open.
	Close() error
}

// dbImpl is the DB implementation.
//
// Lock order: writeMu, immMu, memMu. errMu and the internal locks of the
// VersionSet, WAL and caches are leaves.
type dbImpl struct {
	opts   *Options
	fs     vfs.FS
	logger logging.Logger

	lock     io.Closer
	identity string

	// writeMu serializes sequence assignment, WAL appends, memtable
	// inserts and rotation.
	writeMu sync.Mutex
	seq     atomic.Uint64

	// memMu guards the mem pointer. The memtable itself allows concurrent
	// reads while a writer inserts.
	memMu sync.RWMutex
	mem   *memtable.MemTable

	// immMu guards imm, the frozen memtables oldest first. immCond is
	// broadcast when imm shrinks, on background errors and on close.
	immMu   sync.Mutex
	immCond *sync.Cond
	imm     []*memtable.MemTable

	wal        *wal.Log
	versions   *version.VersionSet
	tableCache *table.TableCache
	blockCache *cache.BlockCache
	picker     *compaction.Picker

	// compactionMu serializes background and manual compactions.
	compactionMu sync.Mutex

	bg *backgroundWork

	errMu sync.Mutex
	bgErr error

	closed atomic.Bool

	// recovered is the number of WAL records replayed by Open.
	recovered int
}

// Open opens the database in opts.DataDir, creating it if needed, and
// recovers the state left by the previous process.
func Open(opts *Options) (DB, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.sanitize()

	if err := o.FS.MkdirAll(o.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("nextdb: create data dir %s: %w", o.DataDir, err)
	}
	lock, err := o.FS.Lock(filepath.Join(o.DataDir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocked, err)
	}

	db := &dbImpl{
		opts:   o,
		fs:     o.FS,
		logger: o.Logger,
		lock:   lock,
		mem:    memtable.New(),
		picker: &compaction.Picker{
			NumLevels:           o.MaxLevels,
			L0CompactionTrigger: o.L0CompactionTrigger,
			TargetFileSize:      o.targetFileSize(),
			LevelSizeMultiplier: o.LevelSizeMultiplier,
		},
	}
	db.immCond = sync.NewCond(&db.immMu)
	if o.CacheSizeMB > 0 {
		db.blockCache = cache.NewBlockCache(o.cacheSize())
	}
	db.tableCache = table.NewTableCache(o.FS, table.TableCacheOptions{
		MaxOpenFiles:  o.MaxOpenFiles,
		ReaderOptions: table.ReaderOptions{Cache: db.blockCache},
	})
	db.versions = version.New(version.Options{
		Dir:        o.DataDir,
		FS:         o.FS,
		NumLevels:  o.MaxLevels,
		Logger:     o.Logger,
		OnObsolete: db.deleteObsoleteFiles,
	})

	if err := db.recover(); err != nil {
		db.releaseResources()
		return nil, err
	}

	if n, ok := db.logger.(logging.FatalNotifier); ok {
		n.SetFatalHandler(func(msg string) {
			db.setBackgroundError(errors.New(msg))
		})
	}

	db.bg = newBackgroundWork(db)
	db.bg.start()

	if db.mem.Size() >= o.memTableSize() && !db.mem.Empty() {
		db.writeMu.Lock()
		err := db.rotateMemTable()
		db.writeMu.Unlock()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	db.maybeScheduleCompaction()

	db.logger.Infof("%sopened %s, identity %s, last sequence %d",
		logging.NSDB, o.DataDir, db.identity, db.seq.Load())
	return db, nil
}

func (db *dbImpl) tablePath(num uint64) string {
	return filepath.Join(db.opts.DataDir, table.TableFileName(num))
}

func (db *dbImpl) builderOptions() table.BuilderOptions {
	return table.BuilderOptions{
		BlockSize:       db.opts.BlockSize,
		Compression:     db.opts.Compression,
		BloomBitsPerKey: db.opts.BloomFilterBitsPerKey,
		Cache:           db.blockCache,
	}
}

// Put implements DB.
func (db *dbImpl) Put(key, value []byte) error {
	return db.write(key, value, dbformat.TypeValue)
}

// Delete implements DB.
func (db *dbImpl) Delete(key []byte) error {
	return db.write(key, nil, dbformat.TypeDeletion)
}

func (db *dbImpl) write(key, value []byte, typ dbformat.ValueType) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if err := db.checkWritable(); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.checkWritable(); err != nil {
		return err
	}

	seq := dbformat.SequenceNumber(db.seq.Load() + 1)
	kv := dbformat.KVPair{
		Key:         key,
		Value:       value,
		Type:        typ,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Sequence:    seq,
	}
	if err := db.wal.Append(&kv); err != nil {
		return err
	}
	db.seq.Store(uint64(seq))

	db.memMu.RLock()
	mem := db.mem
	db.memMu.RUnlock()
	mem.Apply(&kv)

	// The write is durable at this point, so a failed rotation stops later
	// writes instead of failing this one.
	if mem.Size() >= db.opts.memTableSize() {
		if err := db.rotateMemTable(); err != nil && !errors.Is(err, ErrDBClosed) && !errors.Is(err, ErrBackgroundError) {
			db.setBackgroundError(err)
		}
	}
	return nil
}

func (db *dbImpl) checkWritable() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := db.BackgroundError(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackgroundError, err)
	}
	return nil
}

// readState is a consistent view of every tier: the active memtable, the
// frozen memtables newest first and a pinned Version.
type readState struct {
	mem *memtable.MemTable
	imm []*memtable.MemTable
	v   *version.Version
}

// acquireReadState pins the current tiers. A flush installs its Version
// before removing its memtable from imm, so holding immMu while taking both
// never misses a memtable's data. The caller must Unref rs.v.
func (db *dbImpl) acquireReadState() readState {
	db.immMu.Lock()
	defer db.immMu.Unlock()

	db.memMu.RLock()
	mem := db.mem
	db.memMu.RUnlock()

	imm := make([]*memtable.MemTable, len(db.imm))
	for i, m := range db.imm {
		imm[len(imm)-1-i] = m
	}
	return readState{mem: mem, imm: imm, v: db.versions.Current()}
}

// Get implements DB.
func (db *dbImpl) Get(key []byte) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrDBClosed
	}

	rs := db.acquireReadState()
	defer rs.v.Unref()

	for _, mem := range append([]*memtable.MemTable{rs.mem}, rs.imm...) {
		if value, found, deleted := mem.Get(key); found {
			if deleted {
				return nil, false, nil
			}
			return append([]byte(nil), value...), true, nil
		}
	}

	for level := range rs.v.NumLevels() {
		for _, f := range rs.v.FilesForKey(level, key) {
			value, found, deleted, err := db.getFromTable(f, key)
			if err != nil {
				return nil, false, err
			}
			if found {
				if deleted {
					return nil, false, nil
				}
				return value, true, nil
			}
		}
	}
	return nil, false, nil
}

func (db *dbImpl) getFromTable(f *manifest.FileMetaData, key []byte) ([]byte, bool, bool, error) {
	r, err := db.tableCache.Get(f.Number, db.tablePath(f.Number))
	if err != nil {
		return nil, false, false, wrapCorruption(err)
	}
	defer db.tableCache.Release(f.Number, r)

	value, found, deleted, err := r.Get(key)
	if err != nil {
		return nil, false, false, wrapCorruption(err)
	}
	return value, found, deleted, nil
}

// wrapCorruption marks table and MANIFEST corruption with ErrCorruption.
func wrapCorruption(err error) error {
	if errors.Is(err, table.ErrCorruption) || errors.Is(err, manifest.ErrCorruption) {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	return err
}

// SetAppliedIndex implements DB.
func (db *dbImpl) SetAppliedIndex(idx uint64) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	edit := &manifest.VersionEdit{}
	edit.SetAppliedIndex(idx)
	if err := db.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("nextdb: record applied index: %w", err)
	}
	return nil
}

// AppliedIndex implements DB.
func (db *dbImpl) AppliedIndex() uint64 {
	return db.versions.AppliedIndex()
}

// LastSequence implements DB.
func (db *dbImpl) LastSequence() uint64 {
	return db.seq.Load()
}

// Identity implements DB.
func (db *dbImpl) Identity() string {
	return db.identity
}

// setBackgroundError records err as the sticky background error. The first
// error wins.
func (db *dbImpl) setBackgroundError(err error) {
	if err == nil {
		return
	}
	db.errMu.Lock()
	first := db.bgErr == nil
	if first {
		db.bgErr = err
	}
	db.errMu.Unlock()

	if first {
		db.logger.Errorf("%sbackground error, writes are stopped: %v", logging.NSDB, err)
	}
	db.immMu.Lock()
	db.immCond.Broadcast()
	db.immMu.Unlock()
}

// BackgroundError implements DB.
func (db *dbImpl) BackgroundError() error {
	db.errMu.Lock()
	defer db.errMu.Unlock()
	return db.bgErr
}

// Close implements DB.
func (db *dbImpl) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.immMu.Lock()
	db.immCond.Broadcast()
	db.immMu.Unlock()

	db.bg.stop()

	// Wait for in-flight writes.
	db.writeMu.Lock()
	err := db.wal.Close()
	db.writeMu.Unlock()

	db.releaseResources()
	db.logger.Infof("%sclosed %s", logging.NSDB, db.opts.DataDir)
	return err
}

// releaseResources closes everything Open acquired except the WAL.
func (db *dbImpl) releaseResources() {
	if db.wal != nil && !db.closed.Load() {
		_ = db.wal.Close()
	}
	_ = db.tableCache.Close()
	_ = db.versions.Close()
	_ = db.lock.Close()
}

// deleteObsoleteFiles removes SST files no live Version references.
func (db *dbImpl) deleteObsoleteFiles(nums []uint64) {
	for _, n := range nums {
		path := db.tablePath(n)
		db.tableCache.Evict(n)
		if db.blockCache != nil {
			prefix := path + ":"
			db.blockCache.EraseIf(func(key string) bool {
				return strings.HasPrefix(key, prefix)
			})
		}
		if err := db.fs.Remove(path); err != nil && db.fs.Exists(path) {
			db.logger.Warnf("%sremove obsolete file %d: %v", logging.NSCompact, n, err)
			continue
		}
		db.logger.Debugf("%sdeleted obsolete file %d", logging.NSCompact, n)
	}
}
