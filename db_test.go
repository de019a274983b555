package nextdb

// db_test.go covers the read/write path, recovery and the on-open
// housekeeping of a DB.

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/wal"
	"github.com/aalhour/nextdb/vfs"
)

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.DataDir = t.TempDir()
	opts.Logger = logging.Discard
	return opts
}

func openDB(t *testing.T, opts *Options) *dbImpl {
	t.Helper()
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.(*dbImpl)
}

func mustPut(t *testing.T, db DB, key, value string) {
	t.Helper()
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func mustDelete(t *testing.T, db DB, key string) {
	t.Helper()
	if err := db.Delete([]byte(key)); err != nil {
		t.Fatalf("Delete(%q) failed: %v", key, err)
	}
}

func mustFlush(t *testing.T, db DB) {
	t.Helper()
	if err := db.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

// expectGet checks the value of key; want == "" means not found.
func expectGet(t *testing.T, db DB, key, want string) {
	t.Helper()
	value, found, err := db.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if want == "" {
		if found {
			t.Errorf("Get(%q) = %q, want not found", key, value)
		}
		return
	}
	if !found || string(value) != want {
		t.Errorf("Get(%q) = (%q, %v), want %q", key, value, found, want)
	}
}

// =============================================================================
// Read/write path
// =============================================================================

func TestPutGet(t *testing.T) {
	db := openDB(t, testOptions(t))

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	mustPut(t, db, "a", "3")

	expectGet(t, db, "a", "3")
	expectGet(t, db, "b", "2")
	expectGet(t, db, "missing", "")
}

func TestPutGetAcrossFlush(t *testing.T) {
	db := openDB(t, testOptions(t))

	for i := range 100 {
		mustPut(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%d", i))
	}
	mustFlush(t, db)
	if n := db.NumFilesAtLevel(0); n != 1 {
		t.Fatalf("NumFilesAtLevel(0) = %d, want 1", n)
	}
	for i := range 100 {
		expectGet(t, db, fmt.Sprintf("key%03d", i), fmt.Sprintf("value%d", i))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	db := openDB(t, testOptions(t))
	mustPut(t, db, "k", "value")

	v, _, _ := db.Get([]byte("k"))
	v[0] = 'X'
	expectGet(t, db, "k", "value")
}

func TestEmptyKeyRejected(t *testing.T) {
	db := openDB(t, testOptions(t))
	if err := db.Put(nil, []byte("v")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Put(nil) error = %v, want ErrEmptyKey", err)
	}
	if err := db.Delete([]byte{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Delete(empty) error = %v, want ErrEmptyKey", err)
	}
}

func TestEmptyValue(t *testing.T) {
	db := openDB(t, testOptions(t))
	mustPut(t, db, "k", "")

	v, found, err := db.Get([]byte("k"))
	if err != nil || !found || len(v) != 0 {
		t.Fatalf("Get = (%q, %v, %v), want empty value found", v, found, err)
	}
	mustFlush(t, db)
	if _, found, _ := db.Get([]byte("k")); !found {
		t.Error("empty value lost by flush")
	}
}

func TestDeleteInMemTable(t *testing.T) {
	db := openDB(t, testOptions(t))
	mustPut(t, db, "k", "v")
	mustDelete(t, db, "k")
	expectGet(t, db, "k", "")

	mustDelete(t, db, "never-written")
	expectGet(t, db, "never-written", "")
}

func TestTombstoneShadowsOlderTable(t *testing.T) {
	opts := testOptions(t)
	opts.DisableAutoCompactions = true
	db := openDB(t, opts)

	mustPut(t, db, "k", "old")
	mustPut(t, db, "other", "x")
	mustFlush(t, db)
	mustDelete(t, db, "k")
	mustFlush(t, db)

	if n := db.NumFilesAtLevel(0); n != 2 {
		t.Fatalf("NumFilesAtLevel(0) = %d, want 2", n)
	}
	expectGet(t, db, "k", "")
	expectGet(t, db, "other", "x")

	// A newer value in the memtable wins over the tombstone.
	mustPut(t, db, "k", "new")
	expectGet(t, db, "k", "new")
}

func TestZeroMemTableSizeFlushesEveryWrite(t *testing.T) {
	opts := testOptions(t)
	opts.MemTableSizeMB = 0
	opts.DisableAutoCompactions = true
	db := openDB(t, opts)

	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	if err := db.WaitForFlush(); err != nil {
		t.Fatalf("WaitForFlush failed: %v", err)
	}

	if n := db.NumFilesAtLevel(0); n < 1 {
		t.Fatalf("NumFilesAtLevel(0) = %d, want at least 1", n)
	}
	db.memMu.RLock()
	empty := db.mem.Empty()
	db.memMu.RUnlock()
	if !empty {
		t.Error("active memtable should be empty after every write rotated")
	}
	expectGet(t, db, "a", "1")
	expectGet(t, db, "b", "2")
}

func TestConcurrentWriters(t *testing.T) {
	opts := testOptions(t)
	opts.MemTableSizeMB = 0
	opts.MaxImmutableMemTables = 2
	opts.L0CompactionTrigger = 4
	db := openDB(t, opts)

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := fmt.Appendf(nil, "w%d-%03d", w, i)
				if err := db.Put(key, key); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put failed: %v", err)
	}

	if err := db.WaitForFlush(); err != nil {
		t.Fatalf("WaitForFlush failed: %v", err)
	}
	if got := db.LastSequence(); got != writers*perWriter {
		t.Errorf("LastSequence = %d, want %d", got, writers*perWriter)
	}
	for w := range writers {
		for i := range perWriter {
			key := fmt.Sprintf("w%d-%03d", w, i)
			expectGet(t, db, key, key)
		}
	}
}

func TestClosedDB(t *testing.T) {
	db := openDB(t, testOptions(t))
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Put after Close = %v, want ErrDBClosed", err)
	}
	if _, _, err := db.Get([]byte("k")); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Get after Close = %v, want ErrDBClosed", err)
	}
	if err := db.Flush(); !errors.Is(err, ErrDBClosed) {
		t.Errorf("Flush after Close = %v, want ErrDBClosed", err)
	}
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	if _, err := Open(opts); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Open without DataDir = %v, want ErrInvalidOptions", err)
	}
	if _, err := Open(nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Open(nil) = %v, want ErrInvalidOptions", err)
	}
}

func TestOpenTwiceIsLocked(t *testing.T) {
	opts := testOptions(t)
	openDB(t, opts)
	if _, err := Open(opts); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open = %v, want ErrLocked", err)
	}
}

// =============================================================================
// Recovery
// =============================================================================

func TestRecoverUnflushedWrites(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 50 {
		mustPut(t, db, fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i))
	}
	mustDelete(t, db, "k07")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openDB(t, opts)
	if db.recovered != 51 {
		t.Errorf("recovered %d records, want 51", db.recovered)
	}
	for i := range 50 {
		want := fmt.Sprintf("v%d", i)
		if i == 7 {
			want = ""
		}
		expectGet(t, db, fmt.Sprintf("k%02d", i), want)
	}
	if got := db.LastSequence(); got != 51 {
		t.Errorf("LastSequence = %d, want 51", got)
	}
}

func TestRecoverSkipsCorruptedRecord(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	for i := range 5 {
		mustPut(t, db, fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i))
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// All records have the same size; damage the payload of the third.
	kv := dbformat.KVPair{Key: []byte("key0"), Value: []byte("val0"), Type: dbformat.TypeValue}
	recordSize := int64(wal.HeaderSize + len(dbformat.EncodeKVPair(&kv)))
	segment := filepath.Join(opts.DataDir, "wal", wal.SegmentFileName(1))
	f, err := os.OpenFile(segment, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	off := 2*recordSize + wal.HeaderSize + 1
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, off); err != nil {
		t.Fatalf("read segment: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, off); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	_ = f.Close()

	db = openDB(t, opts)
	for i, want := range []string{"val0", "val1", "", "val3", "val4"} {
		expectGet(t, db, fmt.Sprintf("key%d", i), want)
	}
}

func TestReopenAfterFlushSkipsWAL(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	mustPut(t, db, "k", "v")
	mustFlush(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openDB(t, opts)
	if db.recovered != 0 {
		t.Errorf("recovered %d WAL records, want 0", db.recovered)
	}
	expectGet(t, db, "k", "v")
}

func TestStaleSegmentDoesNotResurrectDeletedKey(t *testing.T) {
	opts := testOptions(t)
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts.FS = fs
	db := openDB(t, opts)

	// Segment 1 outlives the flush that covered it.
	segment := filepath.Join(opts.DataDir, "wal", wal.SegmentFileName(1))
	fs.InjectRemoveError(segment)
	mustPut(t, db, "k", "old")
	if err := db.Flush(); !errors.Is(err, vfs.ErrInjectedRemoveError) {
		t.Fatalf("Flush = %v, want ErrInjectedRemoveError", err)
	}
	mustDelete(t, db, "k")
	if err := db.Flush(); err != nil && !errors.Is(err, vfs.ErrInjectedRemoveError) {
		t.Fatalf("Flush failed: %v", err)
	}
	expectGet(t, db, "k", "")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	fs.ClearErrors()
	if !fs.Exists(segment) {
		t.Fatal("segment 1 was removed despite the injected failure")
	}

	db = openDB(t, opts)
	if db.recovered != 0 {
		t.Errorf("recovered %d WAL records, want 0", db.recovered)
	}
	expectGet(t, db, "k", "")
	if got := db.LastSequence(); got != 2 {
		t.Errorf("LastSequence = %d, want 2", got)
	}
}

func TestSequenceSurvivesWALTruncation(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")
	mustPut(t, db, "c", "3")
	mustFlush(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openDB(t, opts)
	if got := db.LastSequence(); got != 3 {
		t.Fatalf("LastSequence after reopen = %d, want 3", got)
	}
	mustPut(t, db, "d", "4")
	if got := db.LastSequence(); got != 4 {
		t.Errorf("LastSequence after put = %d, want 4", got)
	}
}

func TestIdentityPersists(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	id := db.Identity()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("Identity %q is not a UUID: %v", id, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(opts.DataDir, identityFileName))
	if err != nil {
		t.Fatalf("read IDENTITY: %v", err)
	}
	if strings.TrimSpace(string(data)) != id {
		t.Errorf("IDENTITY file = %q, want %q", data, id)
	}

	db = openDB(t, opts)
	if db.Identity() != id {
		t.Errorf("Identity after reopen = %q, want %q", db.Identity(), id)
	}
}

func TestOrphanTablesRemoved(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	mustPut(t, db, "k", "v")
	mustFlush(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	orphan := filepath.Join(opts.DataDir, "000099.sst")
	if err := os.WriteFile(orphan, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	db = openDB(t, opts)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan still present: %v", err)
	}
	expectGet(t, db, "k", "v")

	// New files must not reuse the orphan's number.
	mustPut(t, db, "k2", "v2")
	mustFlush(t, db)
	if n := db.versions.NewFileNumber(); n <= 99 {
		t.Errorf("NewFileNumber = %d, want > 99", n)
	}
}

func TestCorruptTableSurfacesError(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	mustPut(t, db, "k", "v")
	mustFlush(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(opts.DataDir, "000001.sst")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	data[len(data)-8] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	db = openDB(t, opts)
	if _, _, err := db.Get([]byte("k")); !errors.Is(err, ErrCorruption) {
		t.Errorf("Get on corrupt table = %v, want ErrCorruption", err)
	}
}

func TestSyncFailureLeavesNoTrace(t *testing.T) {
	opts := testOptions(t)
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts.FS = fs
	db := openDB(t, opts)

	mustPut(t, db, "before", "1")
	fs.InjectSyncError()
	if err := db.Put([]byte("k"), []byte("v")); err == nil {
		t.Fatal("Put with failing sync succeeded")
	}
	fs.ClearErrors()

	expectGet(t, db, "k", "")
	mustPut(t, db, "after", "2")
	expectGet(t, db, "before", "1")
	expectGet(t, db, "after", "2")

	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	db = openDB(t, opts)
	expectGet(t, db, "k", "")
	expectGet(t, db, "before", "1")
	expectGet(t, db, "after", "2")
}

func TestAppliedIndexPersists(t *testing.T) {
	opts := testOptions(t)
	db := openDB(t, opts)
	if got := db.AppliedIndex(); got != 0 {
		t.Errorf("AppliedIndex on new DB = %d, want 0", got)
	}
	if err := db.SetAppliedIndex(42); err != nil {
		t.Fatalf("SetAppliedIndex failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db = openDB(t, opts)
	if got := db.AppliedIndex(); got != 42 {
		t.Errorf("AppliedIndex after reopen = %d, want 42", got)
	}
}

func TestSeparateWALDir(t *testing.T) {
	opts := testOptions(t)
	opts.WALDir = t.TempDir()
	db := openDB(t, opts)
	mustPut(t, db, "k", "v")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(opts.WALDir, wal.SegmentFileName(1))); err != nil {
		t.Fatalf("segment not in WALDir: %v", err)
	}
	db = openDB(t, opts)
	expectGet(t, db, "k", "v")
}

// =============================================================================
// Benchmarks
// =============================================================================

func benchmarkDB(b *testing.B) DB {
	b.Helper()
	opts := DefaultOptions()
	opts.DataDir = b.TempDir()
	opts.Logger = logging.Discard
	db, err := Open(opts)
	if err != nil {
		b.Fatalf("Open() error = %v", err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db
}

func BenchmarkPut(b *testing.B) {
	db := benchmarkDB(b)
	value := make([]byte, 100)
	for i := range value {
		value[i] = byte(i % 256)
	}

	b.ResetTimer()
	for i := range b.N {
		key := fmt.Appendf(nil, "key%016d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put error: %v", err)
		}
	}
	b.StopTimer()

	b.ReportMetric(float64(b.N), "ops")
}

func BenchmarkGet(b *testing.B) {
	for _, flushed := range []bool{false, true} {
		name := "memtable"
		if flushed {
			name = "sstable"
		}
		b.Run(name, func(b *testing.B) {
			db := benchmarkDB(b)
			value := make([]byte, 100)
			for i := range 10000 {
				key := fmt.Appendf(nil, "key%016d", i)
				if err := db.Put(key, value); err != nil {
					b.Fatalf("Put error: %v", err)
				}
			}
			if flushed {
				if err := db.Flush(); err != nil {
					b.Fatalf("Flush error: %v", err)
				}
			}

			rng := rand.New(rand.NewSource(42))
			for b.Loop() {
				key := fmt.Appendf(nil, "key%016d", rng.Intn(10000))
				if _, found, err := db.Get(key); err != nil || !found {
					b.Fatalf("Get(%s) = (found=%v, %v)", key, found, err)
				}
			}
		})
	}
}
