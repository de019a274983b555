package nextdb

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/wal"
)

// recover restores the level array from the MANIFEST, the identity, and
// the unflushed writes from the WAL, then deletes orphaned SST files.
// It runs before the DB is shared.
func (db *dbImpl) recover() error {
	found, err := db.versions.Recover()
	if err != nil {
		return wrapCorruption(fmt.Errorf("nextdb: recover MANIFEST: %w", err))
	}
	if !found {
		db.logger.Infof("%screating new database in %s", logging.NSRecovery, db.opts.DataDir)
	}

	if err := db.recoverIdentity(); err != nil {
		return err
	}

	db.wal, err = wal.Open(wal.Options{Dir: db.opts.WALDir, FS: db.fs, Logger: db.logger})
	if err != nil {
		return err
	}
	if err := db.recoverWAL(); err != nil {
		return err
	}

	db.deleteOrphans()
	return nil
}

// recoverWAL replays every WAL segment into the active memtable and
// restores the sequence counter past everything seen in the WAL and the
// MANIFEST.
func (db *dbImpl) recoverWAL() error {
	records, stats, err := db.wal.Recover()
	if err != nil {
		return fmt.Errorf("nextdb: recover WAL: %w", err)
	}

	// Memtables flush in sequence order, so records at or below the
	// MANIFEST's last sequence are already in SSTs, possibly shadowed there.
	persisted := db.versions.LastSequence()
	last := persisted
	skipped := 0
	for i := range records {
		kv := &records[i]
		if kv.Sequence <= persisted {
			skipped++
			continue
		}
		db.mem.Apply(kv)
		last = maxSequence(last, kv.Sequence)
	}
	db.seq.Store(uint64(last))
	db.recovered = len(records) - skipped

	if stats.Segments > 0 {
		db.logger.Infof("%srecovered %d records from %d WAL segments, %d bytes (%d already flushed, %d corrupted, %d bytes of torn tail), last sequence %d",
			logging.NSRecovery, db.recovered, stats.Segments, stats.Bytes, skipped, stats.Corrupted, stats.TruncatedBytes, last)
	}
	return nil
}

// recoverIdentity loads the database identity, creating one on first open.
// The MANIFEST copy is authoritative; the IDENTITY file mirrors it for
// tools that do not parse the MANIFEST.
func (db *dbImpl) recoverIdentity() error {
	path := filepath.Join(db.opts.DataDir, identityFileName)
	onDisk, err := db.readIdentityFile(path)
	if err != nil {
		return err
	}

	id := db.versions.DBID()
	if id == "" {
		id = onDisk
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		edit := &manifest.VersionEdit{}
		edit.SetDBID(id)
		if err := db.versions.LogAndApply(edit); err != nil {
			return fmt.Errorf("nextdb: record identity: %w", err)
		}
	}
	if onDisk != id {
		if err := db.writeIdentityFile(path, id); err != nil {
			return err
		}
	}
	db.identity = id
	return nil
}

func (db *dbImpl) readIdentityFile(path string) (string, error) {
	if !db.fs.Exists(path) {
		return "", nil
	}
	f, err := db.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("nextdb: open identity: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("nextdb: read identity: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (db *dbImpl) writeIdentityFile(path, id string) error {
	tmp := path + ".tmp"
	f, err := db.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("nextdb: create identity: %w", err)
	}
	if _, err := io.WriteString(f, id+"\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("nextdb: write identity: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("nextdb: sync identity: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("nextdb: close identity: %w", err)
	}
	if err := db.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("nextdb: install identity: %w", err)
	}
	return db.fs.SyncDir(db.opts.DataDir)
}

// parseTableFileName returns the number of an SST file name.
func parseTableFileName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".sst")
	if !ok || base == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// deleteOrphans removes SST files the MANIFEST does not reference, left
// behind by a flush or compaction that crashed before installing them.
func (db *dbImpl) deleteOrphans() {
	names, err := db.fs.ListDir(db.opts.DataDir)
	if err != nil {
		db.logger.Warnf("%slist %s: %v", logging.NSRecovery, db.opts.DataDir, err)
		return
	}
	live := db.versions.LiveFiles()
	for _, name := range names {
		n, ok := parseTableFileName(name)
		if !ok {
			continue
		}
		if _, ok := live[n]; ok {
			continue
		}
		db.versions.MarkFileNumberUsed(n)
		if err := db.fs.Remove(filepath.Join(db.opts.DataDir, name)); err != nil {
			db.logger.Warnf("%sremove orphan %s: %v", logging.NSRecovery, name, err)
			continue
		}
		db.logger.Infof("%sremoved orphan %s", logging.NSRecovery, name)
	}
}

// maxSequence returns the larger of two sequence numbers.
func maxSequence(a, b dbformat.SequenceNumber) dbformat.SequenceNumber {
	if a > b {
		return a
	}
	return b
}
