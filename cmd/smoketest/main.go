// End-to-end smoke test for nextdb.
//
// Use `smoketest` to run a fast end-to-end check across core features.
// `smoketest` creates a database, writes data, reopens the database, and verifies results.
// `smoketest` exercises flush, compaction, recovery, iteration and every compression kind.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest -keys=10000 -value-size=1000
// ```
package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/nextdb"
	"github.com/aalhour/nextdb/internal/logging"
)

var (
	numKeys   = flag.Int("keys", 10000, "Number of keys to write")
	valueSize = flag.Int("value-size", 1000, "Size of each value in bytes")
	dbPath    = flag.String("db", "", "Database path (default: temp directory)")
	keepDB    = flag.Bool("keep", false, "Keep database after test")
	verbose   = flag.Bool("v", false, "Verbose output")
	cleanup   = flag.Bool("cleanup", false, "Clean up old test directories before running")
)

const testDirPrefix = "nextdb-smoke-"

type smokeTest struct {
	name string
	fn   func(string, [][]byte, [][]byte) error
}

var smokeTests = []smokeTest{
	// Core operations
	{"Basic Write/Read", testBasicWriteRead},
	{"Persistence (Close/Reopen)", testPersistence},
	{"Flush to SST", testFlush},
	{"Overwrite Values", testOverwrite},
	{"Delete Keys", testDelete},
	{"WAL Recovery", testWALRecovery},

	// Compaction
	{"Compaction Data Integrity", testCompactionIntegrity},
	{"Manual Compaction", testCompactRange},

	// Iterators
	{"Iterator Ordering", testIteratorOrdering},

	// Compression
	{"Snappy Compression", compressionTest(nextdb.SnappyCompression)},
	{"LZ4 Compression", compressionTest(nextdb.LZ4Compression)},
	{"ZSTD Compression", compressionTest(nextdb.ZstdCompression)},
	{"No Compression", compressionTest(nextdb.NoCompression)},

	// Metadata
	{"Applied Index Persistence", testAppliedIndex},
	{"GetProperty", testGetProperty},
}

func main() {
	flag.Parse()

	// Clean up old test directories from previous crashed runs
	if *cleanup {
		cleanupOldTestDirs()
	}

	fmt.Println("==============================================================")
	fmt.Println("  nextdb Smoke Test")
	fmt.Printf("  Keys: %d, Value Size: %d bytes\n", *numKeys, *valueSize)
	fmt.Println("==============================================================")
	fmt.Println()

	var testDir string
	var err error
	if *dbPath == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
	} else {
		testDir = *dbPath
	}
	fmt.Printf("Database path: %s\n\n", testDir)

	fmt.Print("Generating test data... ")
	start := time.Now()
	keys, values := generateTestData(*numKeys, *valueSize)
	fmt.Printf("done (%v)\n", time.Since(start))

	failed := runSmokeTests(testDir, keys, values)

	if *dbPath == "" && !*keepDB {
		os.RemoveAll(testDir)
	}
	if failed > 0 {
		fmt.Println("SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("SMOKE TEST PASSED")
	if *keepDB {
		fmt.Printf("\nDatabase kept at: %s\n", testDir)
	}
}

// runSmokeTests runs every smoke test in its own subdirectory of testDir
// and returns the number of failures.
func runSmokeTests(testDir string, keys, values [][]byte) int {
	passed, failed := 0, 0
	for _, t := range smokeTests {
		fmt.Printf("\nTest: %s\n", t.name)
		testPath := filepath.Join(testDir, sanitizeName(t.name))
		os.RemoveAll(testPath) // Clean up from previous runs

		start := time.Now()
		err := t.fn(testPath, keys, values)
		elapsed := time.Since(start)

		if err != nil {
			fmt.Printf("   FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("   PASSED (%v)\n", elapsed)
			passed++
		}
	}

	fmt.Println()
	fmt.Println("==============================================================")
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	return failed
}

func generateTestData(n int, valueSize int) ([][]byte, [][]byte) {
	keys := make([][]byte, n)
	values := make([][]byte, n)

	for i := range n {
		keys[i] = fmt.Appendf(nil, "key%08d", i)
		values[i] = make([]byte, max(valueSize, 16))
		rand.Read(values[i])
		// Embed key index in value for verification
		copy(values[i], fmt.Sprintf("idx=%08d|", i))
	}

	return keys, values
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

func options(path string) *nextdb.Options {
	opts := nextdb.DefaultOptions()
	opts.DataDir = path
	opts.Logger = logging.Discard
	if *verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return opts
}

// session opens the database, runs fn and closes it.
func session(opts *nextdb.Options, fn func(nextdb.DB) error) error {
	database, err := nextdb.Open(opts)
	if err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	if err := fn(database); err != nil {
		database.Close()
		return err
	}
	return database.Close()
}

func putRange(database nextdb.DB, keys, values [][]byte, from, to int) error {
	for i := from; i < to; i++ {
		if err := database.Put(keys[i], values[i]); err != nil {
			return fmt.Errorf("put %d failed: %w", i, err)
		}
	}
	return nil
}

func verifyRange(database nextdb.DB, keys, values [][]byte, from, to int) error {
	for i := from; i < to; i++ {
		val, found, err := database.Get(keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !found {
			return fmt.Errorf("key %d not found", i)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	return nil
}

func log(format string, args ...any) {
	if *verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// Test 1: Basic write and read
func testBasicWriteRead(path string, keys, values [][]byte) error {
	return session(options(path), func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		log("  Wrote %d keys", len(keys))
		if err := verifyRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		log("  Verified %d keys", len(keys))
		return nil
	})
}

// Test 2: Persistence across close/reopen
func testPersistence(path string, keys, values [][]byte) error {
	opts := options(path)
	half := len(keys) / 2

	err := session(opts, func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, half); err != nil {
			return err
		}
		log("  Session 1: Wrote and flushed %d keys", half)
		return database.Flush()
	})
	if err != nil {
		return fmt.Errorf("session 1: %w", err)
	}

	err = session(opts, func(database nextdb.DB) error {
		if err := verifyRange(database, keys, values, 0, half); err != nil {
			return err
		}
		log("  Session 2: Verified %d keys from session 1", half)
		if err := putRange(database, keys, values, half, len(keys)); err != nil {
			return err
		}
		return database.Flush()
	})
	if err != nil {
		return fmt.Errorf("session 2: %w", err)
	}

	return session(opts, func(database nextdb.DB) error {
		if err := verifyRange(database, keys, values, 0, len(keys)); err != nil {
			return fmt.Errorf("session 3: %w", err)
		}
		log("  Session 3: Verified all %d keys", len(keys))
		return nil
	})
}

// Test 3: Flush to SST
func testFlush(path string, keys, values [][]byte) error {
	opts := options(path)
	opts.DisableAutoCompactions = true
	return session(opts, func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		if err := database.Flush(); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		if n := database.NumFilesAtLevel(0); n == 0 {
			return errors.New("no L0 files after flush")
		}
		log("  L0 files: %d", database.NumFilesAtLevel(0))
		return verifyRange(database, keys, values, 0, len(keys))
	})
}

// Test 4: Overwrite values, newest write wins across tiers
func testOverwrite(path string, keys, values [][]byte) error {
	return session(options(path), func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		if err := database.Flush(); err != nil {
			return err
		}
		for i := 0; i < len(keys); i += 2 {
			if err := database.Put(keys[i], []byte("overwritten")); err != nil {
				return err
			}
		}
		for i := range keys {
			val, _, err := database.Get(keys[i])
			if err != nil {
				return err
			}
			want := values[i]
			if i%2 == 0 {
				want = []byte("overwritten")
			}
			if !bytes.Equal(val, want) {
				return fmt.Errorf("value mismatch at key %d", i)
			}
		}
		return nil
	})
}

// Test 5: Deletes shadow flushed values
func testDelete(path string, keys, values [][]byte) error {
	opts := options(path)
	err := session(opts, func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		if err := database.Flush(); err != nil {
			return err
		}
		for i := 0; i < len(keys); i += 3 {
			if err := database.Delete(keys[i]); err != nil {
				return fmt.Errorf("delete %d failed: %w", i, err)
			}
		}
		return database.Flush()
	})
	if err != nil {
		return err
	}

	return session(opts, func(database nextdb.DB) error {
		for i := range keys {
			_, found, err := database.Get(keys[i])
			if err != nil {
				return err
			}
			if found != (i%3 != 0) {
				return fmt.Errorf("key %d: found=%v after delete", i, found)
			}
		}
		return nil
	})
}

// Test 6: Unflushed writes survive a reopen through WAL replay
func testWALRecovery(path string, keys, values [][]byte) error {
	opts := options(path)
	err := session(opts, func(database nextdb.DB) error {
		return putRange(database, keys, values, 0, len(keys))
	})
	if err != nil {
		return err
	}
	return session(opts, func(database nextdb.DB) error {
		log("  Recovered %d keys from WAL", len(keys))
		return verifyRange(database, keys, values, 0, len(keys))
	})
}

// Test 7: Background compaction keeps every key readable
func testCompactionIntegrity(path string, keys, values [][]byte) error {
	opts := options(path)
	opts.MemTableSizeMB = 1
	opts.L0CompactionTrigger = 2
	opts.TargetFileSizeMB = 1

	return session(opts, func(database nextdb.DB) error {
		chunk := max(len(keys)/8, 1)
		for from := 0; from < len(keys); from += chunk {
			to := min(from+chunk, len(keys))
			if err := putRange(database, keys, values, from, to); err != nil {
				return err
			}
			if err := database.Flush(); err != nil {
				return err
			}
		}
		deadline := time.Now().Add(30 * time.Second)
		for database.L0CompactionPending() {
			if time.Now().After(deadline) {
				return errors.New("compaction did not drain L0")
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err := database.BackgroundError(); err != nil {
			return err
		}
		log("  L0=%d L1=%d", database.NumFilesAtLevel(0), database.NumFilesAtLevel(1))
		return verifyRange(database, keys, values, 0, len(keys))
	})
}

// Test 8: CompactRange moves everything to the bottom level
func testCompactRange(path string, keys, values [][]byte) error {
	opts := options(path)
	opts.DisableAutoCompactions = true
	return session(opts, func(database nextdb.DB) error {
		half := len(keys) / 2
		if err := putRange(database, keys, values, 0, half); err != nil {
			return err
		}
		if err := database.Flush(); err != nil {
			return err
		}
		if err := putRange(database, keys, values, half, len(keys)); err != nil {
			return err
		}
		if err := database.CompactRange(); err != nil {
			return fmt.Errorf("compact range failed: %w", err)
		}
		for level := range opts.MaxLevels - 1 {
			if n := database.NumFilesAtLevel(level); n != 0 {
				return fmt.Errorf("level %d still has %d files", level, n)
			}
		}
		return verifyRange(database, keys, values, 0, len(keys))
	})
}

// Test 9: Iterator returns keys in order across tiers
func testIteratorOrdering(path string, keys, values [][]byte) error {
	return session(options(path), func(database nextdb.DB) error {
		half := len(keys) / 2
		// Write the second half first so the tiers interleave.
		if err := putRange(database, keys, values, half, len(keys)); err != nil {
			return err
		}
		if err := database.Flush(); err != nil {
			return err
		}
		if err := putRange(database, keys, values, 0, half); err != nil {
			return err
		}

		it := database.NewIterator(nil, nil)
		i := 0
		for ; it.Valid(); it.Next() {
			if i >= len(keys) {
				it.Close()
				return errors.New("iterator returned too many keys")
			}
			if !bytes.Equal(it.Key(), keys[i]) || !bytes.Equal(it.Value(), values[i]) {
				it.Close()
				return fmt.Errorf("entry %d out of order: %q", i, it.Key())
			}
			i++
		}
		if err := it.Close(); err != nil {
			return err
		}
		if i != len(keys) {
			return fmt.Errorf("iterator returned %d keys, want %d", i, len(keys))
		}
		return nil
	})
}

func compressionTest(kind nextdb.CompressionType) func(string, [][]byte, [][]byte) error {
	return func(path string, keys, values [][]byte) error {
		opts := options(path)
		opts.Compression = kind
		err := session(opts, func(database nextdb.DB) error {
			if err := putRange(database, keys, values, 0, len(keys)); err != nil {
				return err
			}
			return database.Flush()
		})
		if err != nil {
			return err
		}
		return session(opts, func(database nextdb.DB) error {
			return verifyRange(database, keys, values, 0, len(keys))
		})
	}
}

// Test: applied index survives reopen
func testAppliedIndex(path string, keys, values [][]byte) error {
	opts := options(path)
	err := session(opts, func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, min(len(keys), 10)); err != nil {
			return err
		}
		return database.SetAppliedIndex(42)
	})
	if err != nil {
		return err
	}
	return session(opts, func(database nextdb.DB) error {
		if idx := database.AppliedIndex(); idx != 42 {
			return fmt.Errorf("applied index = %d, want 42", idx)
		}
		return nil
	})
}

// Test: properties reflect the written data
func testGetProperty(path string, keys, values [][]byte) error {
	return session(options(path), func(database nextdb.DB) error {
		if err := putRange(database, keys, values, 0, len(keys)); err != nil {
			return err
		}
		seq, ok := database.GetProperty(nextdb.PropertyLastSequence)
		if !ok || seq != strconv.Itoa(len(keys)) {
			return fmt.Errorf("%s = %q, want %d", nextdb.PropertyLastSequence, seq, len(keys))
		}
		stats, ok := database.GetProperty(nextdb.PropertyLevelStats)
		if !ok || !strings.HasPrefix(stats, "Level") {
			return fmt.Errorf("%s = %q", nextdb.PropertyLevelStats, stats)
		}
		log("%s", stats)
		return nil
	})
}

// cleanupOldTestDirs removes old test directories from previous runs.
// This handles cleanup from crashed test processes where defer didn't run.
func cleanupOldTestDirs() {
	tempDir := os.TempDir()
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		fmt.Printf("Warning: could not read temp dir for cleanup: %v\n", err)
		return
	}

	var cleaned int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), testDirPrefix) {
			continue
		}
		fullPath := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(fullPath); err != nil {
			fmt.Printf("Warning: could not remove %s: %v\n", fullPath, err)
		} else {
			cleaned++
		}
	}

	if cleaned > 0 {
		fmt.Printf("Cleaned up %d old test directories\n", cleaned)
	}
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
