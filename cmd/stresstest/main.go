// Stress test for nextdb.
//
// This tool runs concurrent random puts, gets, deletes and scans against one
// database while an expected-state oracle records what every key must hold.
//
// Design:
//   - Per-key locking: each write holds its key's stripe lock across the DB
//     call and the oracle update, so point reads under the same lock are
//     checked exactly.
//   - Background churn: a flusher forces memtable rotation and a reopener
//     closes and reopens the database, exercising WAL replay and MANIFEST
//     recovery while workers are paused.
//   - Final verification: every key is checked against the oracle, then the
//     database is reopened and checked again.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/nextdb"
	"github.com/aalhour/nextdb/internal/logging"
)

// stressConfig holds one run's parameters.
type stressConfig struct {
	duration        time.Duration
	numKeys         int64
	valueSize       int
	numThreads      int
	reopenPeriod    time.Duration
	flushPeriod     time.Duration
	seed            int64
	verbose         bool
	log2KeysPerLock uint

	// Operation weights
	putWeight     int
	getWeight     int
	deleteWeight  int
	iterWeight    int
	compactWeight int

	// Database options
	compression    nextdb.CompressionType
	memTableSizeMB int
	l0Trigger      int
	maxLevels      int
	cacheSizeMB    int
}

var (
	duration        = flag.Duration("duration", 60*time.Second, "Test duration")
	numKeys         = flag.Int64("keys", 10000, "Number of keys in the key space")
	valueSize       = flag.Int("value-size", 100, "Size of each value in bytes")
	numThreads      = flag.Int("threads", 16, "Number of concurrent threads")
	reopenPeriod    = flag.Duration("reopen", 10*time.Second, "Period between database reopens (0 to disable)")
	flushPeriod     = flag.Duration("flush", 5*time.Second, "Period between flushes (0 to disable)")
	dbPath          = flag.String("db", "", "Database path (default: temp directory)")
	keepDB          = flag.Bool("keep", false, "Keep database after test")
	verbose         = flag.Bool("v", false, "Verbose output")
	seed            = flag.Int64("seed", 0, "Random seed (0 for time-based)")
	log2KeysPerLock = flag.Uint("log2-keys-per-lock", 2, "Log2 of number of keys per lock (default: 4 keys per lock)")

	putWeight     = flag.Int("put", 40, "Put operation weight")
	getWeight     = flag.Int("get", 35, "Get operation weight")
	deleteWeight  = flag.Int("delete", 15, "Delete operation weight")
	iterWeight    = flag.Int("iter", 8, "Iterator scan weight")
	compactWeight = flag.Int("compact", 2, "Manual compaction weight")

	compressionName = flag.String("compression", "lz4", "Compression type: none, snappy, lz4, zstd")
	memTableSizeMB  = flag.Int("memtable-size-mb", 1, "Memtable flush threshold in MB")
	l0Trigger       = flag.Int("l0-trigger", 4, "L0 compaction trigger")
	maxLevels       = flag.Int("max-levels", 4, "Number of levels")
	cacheSizeMB     = flag.Int("cache-size-mb", 8, "Block cache size in MB")
)

// errStopped is returned when an operation is cancelled due to stop signal.
var errStopped = errors.New("stopped")

// Stats tracks operation counts
type Stats struct {
	puts        atomic.Uint64
	gets        atomic.Uint64
	deletes     atomic.Uint64
	iterScans   atomic.Uint64
	compactions atomic.Uint64
	errors      atomic.Uint64
	verifyFail  atomic.Uint64
	reopens     atomic.Uint64
	flushes     atomic.Uint64
}

func (s *Stats) ops() uint64 {
	return s.puts.Load() + s.gets.Load() + s.deletes.Load() + s.iterScans.Load() + s.compactions.Load()
}

func main() {
	flag.Parse()

	compression, err := nextdb.ParseCompression(*compressionName)
	if err != nil {
		fatal("%v", err)
	}
	cfg := &stressConfig{
		duration:        *duration,
		numKeys:         *numKeys,
		valueSize:       *valueSize,
		numThreads:      *numThreads,
		reopenPeriod:    *reopenPeriod,
		flushPeriod:     *flushPeriod,
		seed:            *seed,
		verbose:         *verbose,
		log2KeysPerLock: *log2KeysPerLock,
		putWeight:       *putWeight,
		getWeight:       *getWeight,
		deleteWeight:    *deleteWeight,
		iterWeight:      *iterWeight,
		compactWeight:   *compactWeight,
		compression:     compression,
		memTableSizeMB:  *memTableSizeMB,
		l0Trigger:       *l0Trigger,
		maxLevels:       *maxLevels,
		cacheSizeMB:     *cacheSizeMB,
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}

	path := *dbPath
	if path == "" {
		path, err = os.MkdirTemp("", "nextdb-stress-*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(path)
		}
	}

	printBanner(cfg, path)
	stats := &Stats{}
	start := time.Now()
	err = runStressTest(cfg, path, stats)
	printStats(stats, time.Since(start))
	if err != nil {
		fmt.Printf("STRESS TEST FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("STRESS TEST PASSED")
}

func printBanner(cfg *stressConfig, path string) {
	fmt.Println("==============================================================")
	fmt.Println("  nextdb Stress Test")
	fmt.Printf("  Duration: %v, Threads: %d, Keys: %d\n", cfg.duration, cfg.numThreads, cfg.numKeys)
	fmt.Printf("  Compression: %s, Memtable: %d MB, Seed: %d\n", cfg.compression, cfg.memTableSizeMB, cfg.seed)
	fmt.Printf("  Path: %s\n", path)
	fmt.Println("==============================================================")
}

func printStats(stats *Stats, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("Statistics:")
	fmt.Printf("  Puts:        %d\n", stats.puts.Load())
	fmt.Printf("  Gets:        %d\n", stats.gets.Load())
	fmt.Printf("  Deletes:     %d\n", stats.deletes.Load())
	fmt.Printf("  Iter scans:  %d\n", stats.iterScans.Load())
	fmt.Printf("  Compactions: %d\n", stats.compactions.Load())
	fmt.Printf("  Flushes:     %d\n", stats.flushes.Load())
	fmt.Printf("  Reopens:     %d\n", stats.reopens.Load())
	fmt.Printf("  Errors:      %d\n", stats.errors.Load())
	fmt.Printf("  Verify fail: %d\n", stats.verifyFail.Load())
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("  Throughput:  %.0f ops/sec\n", float64(stats.ops())/secs)
	}
}

// dbHolder lets the reopener swap the database while workers are paused.
type dbHolder struct {
	mu   sync.RWMutex
	db   nextdb.DB
	path string
	cfg  *stressConfig
}

func (cfg *stressConfig) options(path string) *nextdb.Options {
	opts := nextdb.DefaultOptions()
	opts.DataDir = filepath.Join(path, "db")
	opts.Compression = cfg.compression
	opts.MemTableSizeMB = cfg.memTableSizeMB
	opts.L0CompactionTrigger = cfg.l0Trigger
	opts.MaxLevels = cfg.maxLevels
	opts.CacheSizeMB = cfg.cacheSizeMB
	opts.TargetFileSizeMB = 1
	opts.Logger = logging.Discard
	if cfg.verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	return opts
}

func runStressTest(cfg *stressConfig, path string, stats *Stats) error {
	database, err := nextdb.Open(cfg.options(path))
	if err != nil {
		return fmt.Errorf("initial open failed: %w", err)
	}

	expected := newExpectedState(cfg.numKeys, cfg.log2KeysPerLock)
	holder := &dbHolder{db: database, path: path, cfg: cfg}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := range cfg.numThreads {
		wg.Go(func() {
			runWorker(i, holder, expected, stats, stop)
		})
	}
	if cfg.reopenPeriod > 0 {
		wg.Go(func() {
			runReopener(holder, stats, stop)
		})
	}
	if cfg.flushPeriod > 0 {
		wg.Go(func() {
			runFlusher(holder, stats, stop)
		})
	}

	time.Sleep(cfg.duration)
	close(stop)
	wg.Wait()

	if holder.db == nil {
		return errors.New("database not open after the run")
	}
	if err := holder.db.BackgroundError(); err != nil {
		holder.db.Close()
		return fmt.Errorf("background error: %w", err)
	}

	fmt.Println("\nRunning final verification...")
	if err := verifyAll(holder.db, cfg, expected, stats); err != nil {
		holder.db.Close()
		return fmt.Errorf("final verification failed: %w", err)
	}
	if err := holder.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	fmt.Println("Reopening for persistence verification...")
	database, err = nextdb.Open(cfg.options(path))
	if err != nil {
		return fmt.Errorf("reopen failed: %w", err)
	}
	defer database.Close()
	if err := verifyAll(database, cfg, expected, stats); err != nil {
		return fmt.Errorf("verification after reopen failed: %w", err)
	}
	if n := stats.errors.Load(); n > 0 {
		return fmt.Errorf("%d operation errors", n)
	}
	return nil
}

func runWorker(threadID int, holder *dbHolder, expected *expectedState, stats *Stats, stop chan struct{}) {
	cfg := holder.cfg
	// Per-thread seed derived from the global seed for reproducibility.
	rng := rand.New(rand.NewSource(cfg.seed + int64(threadID*1000)))
	totalWeight := cfg.putWeight + cfg.getWeight + cfg.deleteWeight + cfg.iterWeight + cfg.compactWeight
	if totalWeight <= 0 {
		return
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		r := rng.Intn(totalWeight)
		holder.mu.RLock()
		database := holder.db
		if database == nil {
			holder.mu.RUnlock()
			time.Sleep(time.Millisecond)
			continue
		}

		var err error
		switch {
		case r < cfg.putWeight:
			err = doPut(database, cfg, expected, stats, rng, stop)
		case r < cfg.putWeight+cfg.getWeight:
			err = doGet(database, cfg, expected, stats, rng, stop)
		case r < cfg.putWeight+cfg.getWeight+cfg.deleteWeight:
			err = doDelete(database, cfg, expected, stats, rng, stop)
		case r < cfg.putWeight+cfg.getWeight+cfg.deleteWeight+cfg.iterWeight:
			err = doIterScan(database, cfg, stats, rng)
		default:
			err = doCompact(database, stats)
		}
		holder.mu.RUnlock()

		if err != nil && !errors.Is(err, errStopped) {
			stats.errors.Add(1)
			if cfg.verbose {
				fmt.Printf("Thread %d error: %v\n", threadID, err)
			}
		}
	}
}

// lockKey acquires key's stripe lock, giving up when stop closes.
func lockKey(expected *expectedState, key int64, stop chan struct{}) (*sync.Mutex, error) {
	mu := expected.mutexForKey(key)
	for {
		select {
		case <-stop:
			return nil, errStopped
		default:
		}
		if mu.TryLock() {
			return mu, nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func doPut(database nextdb.DB, cfg *stressConfig, expected *expectedState, stats *Stats, rng *rand.Rand, stop chan struct{}) error {
	key := rng.Int63n(cfg.numKeys)
	mu, err := lockKey(expected, key, stop)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	valueBase := expected.nextValueBase(key)
	if err := database.Put(makeKey(key), makeValue(key, valueBase, cfg.valueSize)); err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	expected.commitPut(key, valueBase)
	stats.puts.Add(1)
	return nil
}

func doDelete(database nextdb.DB, cfg *stressConfig, expected *expectedState, stats *Stats, rng *rand.Rand, stop chan struct{}) error {
	key := rng.Int63n(cfg.numKeys)
	mu, err := lockKey(expected, key, stop)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	if err := database.Delete(makeKey(key)); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	expected.commitDelete(key)
	stats.deletes.Add(1)
	return nil
}

func doGet(database nextdb.DB, cfg *stressConfig, expected *expectedState, stats *Stats, rng *rand.Rand, stop chan struct{}) error {
	key := rng.Int63n(cfg.numKeys)
	mu, err := lockKey(expected, key, stop)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	value, found, err := database.Get(makeKey(key))
	stats.gets.Add(1)
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	if err := checkValue(key, expected.get(key), value, found); err != nil {
		stats.verifyFail.Add(1)
		return err
	}
	return nil
}

// doIterScan scans a random range and checks that keys ascend and every
// value belongs to its key. Values are not compared to the oracle because
// writers run concurrently with the scan.
func doIterScan(database nextdb.DB, cfg *stressConfig, stats *Stats, rng *rand.Rand) error {
	start := rng.Int63n(cfg.numKeys)
	end := min(start+1+rng.Int63n(100), cfg.numKeys)

	it := database.NewIterator(makeKey(start), makeKey(end))
	var prev []byte
	for ; it.Valid(); it.Next() {
		k := it.Key()
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			it.Close()
			stats.verifyFail.Add(1)
			return fmt.Errorf("iterator keys out of order: %q after %q", k, prev)
		}
		if !valueMatchesKey(k, it.Value()) {
			it.Close()
			stats.verifyFail.Add(1)
			return fmt.Errorf("iterator value does not belong to key %q", k)
		}
		prev = append(prev[:0], k...)
	}
	stats.iterScans.Add(1)
	if err := it.Close(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}
	return nil
}

func doCompact(database nextdb.DB, stats *Stats) error {
	if err := database.CompactRange(); err != nil {
		return fmt.Errorf("compact failed: %w", err)
	}
	stats.compactions.Add(1)
	return nil
}

func runReopener(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(holder.cfg.reopenPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			holder.mu.Lock()
			if holder.db != nil {
				holder.db.Close()
				holder.db = nil
			}
			newDB, err := nextdb.Open(holder.cfg.options(holder.path))
			if err != nil {
				fmt.Printf("Reopen failed: %v\n", err)
				stats.errors.Add(1)
				holder.mu.Unlock()
				continue
			}
			holder.db = newDB
			stats.reopens.Add(1)
			holder.mu.Unlock()
			if holder.cfg.verbose {
				fmt.Println("Database reopened")
			}
		}
	}
}

func runFlusher(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(holder.cfg.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			holder.mu.RLock()
			if holder.db != nil {
				if err := holder.db.Flush(); err != nil {
					stats.errors.Add(1)
					if holder.cfg.verbose {
						fmt.Printf("Flush error: %v\n", err)
					}
				} else {
					stats.flushes.Add(1)
				}
			}
			holder.mu.RUnlock()
		}
	}
}

// verifyAll checks every key against the oracle.
// REQUIRES: no workers are running.
func verifyAll(database nextdb.DB, cfg *stressConfig, expected *expectedState, stats *Stats) error {
	fmt.Printf("  Expected keys that should exist: %d\n", expected.numExisting())
	failures := 0
	for key := range cfg.numKeys {
		value, found, err := database.Get(makeKey(key))
		if err != nil {
			return fmt.Errorf("get key %d: %w", key, err)
		}
		if err := checkValue(key, expected.get(key), value, found); err != nil {
			failures++
			if cfg.verbose {
				fmt.Printf("Verify: %v\n", err)
			}
		}
	}
	fmt.Printf("  Verified %d keys, %d failures\n", cfg.numKeys, failures)
	stats.verifyFail.Add(uint64(failures))
	if failures > 0 {
		return fmt.Errorf("%d verification failures", failures)
	}
	return nil
}

// checkValue compares a read result with the oracle.
func checkValue(key int64, ev expectedValue, value []byte, found bool) error {
	switch {
	case ev.exists && !found:
		return fmt.Errorf("key %d expected to exist but not found", key)
	case !ev.exists && found:
		return fmt.Errorf("key %d expected absent (deleted=%v) but found", key, ev.deleted)
	case found && getValueBase(value) != ev.valueBase:
		return fmt.Errorf("key %d value base mismatch: got %d, want %d", key, getValueBase(value), ev.valueBase)
	case found && !valueMatchesKey(makeKey(key), value):
		return fmt.Errorf("key %d holds a value written for another key", key)
	}
	return nil
}

func makeKey(key int64) []byte {
	return fmt.Appendf(nil, "key%016d", key)
}

// makeValue creates a value that encodes the key and value base for verification.
// Format: [key:8 bytes][valueBase:4 bytes][padding...]
func makeValue(key int64, valueBase uint32, size int) []byte {
	value := make([]byte, max(size, 12))
	binary.LittleEndian.PutUint64(value[0:8], uint64(key))
	binary.LittleEndian.PutUint32(value[8:12], valueBase)
	for i := 12; i < len(value); i++ {
		value[i] = byte((int(key) + int(valueBase) + i) % 256)
	}
	return value
}

// getValueBase extracts the value base from a value.
func getValueBase(value []byte) uint32 {
	if len(value) < 12 {
		return 0
	}
	return binary.LittleEndian.Uint32(value[8:12])
}

// valueMatchesKey reports whether value was made for the formatted key k.
func valueMatchesKey(k, value []byte) bool {
	if len(value) < 12 {
		return false
	}
	var key int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(string(k), "key"), "%d", &key); err != nil {
		return false
	}
	return binary.LittleEndian.Uint64(value[0:8]) == uint64(key)
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
