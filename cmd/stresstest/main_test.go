package main

import (
	"testing"
	"time"

	"github.com/aalhour/nextdb"
)

func testConfig() *stressConfig {
	return &stressConfig{
		duration:        500 * time.Millisecond,
		numKeys:         200,
		valueSize:       32,
		numThreads:      4,
		reopenPeriod:    150 * time.Millisecond,
		flushPeriod:     50 * time.Millisecond,
		seed:            42,
		log2KeysPerLock: 2,
		putWeight:       40,
		getWeight:       35,
		deleteWeight:    15,
		iterWeight:      8,
		compactWeight:   2,
		compression:     nextdb.SnappyCompression,
		memTableSizeMB:  0,
		l0Trigger:       2,
		maxLevels:       3,
		cacheSizeMB:     1,
	}
}

func TestRunStressTest(t *testing.T) {
	stats := &Stats{}
	if err := runStressTest(testConfig(), t.TempDir(), stats); err != nil {
		t.Fatalf("runStressTest: %v", err)
	}
	if stats.puts.Load() == 0 || stats.gets.Load() == 0 {
		t.Errorf("no work done: puts=%d gets=%d", stats.puts.Load(), stats.gets.Load())
	}
	if stats.verifyFail.Load() != 0 {
		t.Errorf("verify failures = %d", stats.verifyFail.Load())
	}
}

func TestExpectedState(t *testing.T) {
	s := newExpectedState(16, 2)
	if s.mutexForKey(0) != s.mutexForKey(3) {
		t.Error("keys 0 and 3 should share a stripe")
	}
	if s.mutexForKey(3) == s.mutexForKey(4) {
		t.Error("keys 3 and 4 should use different stripes")
	}

	base := s.nextValueBase(5)
	s.commitPut(5, base)
	if ev := s.get(5); !ev.exists || ev.valueBase != 1 {
		t.Errorf("after put: %+v", ev)
	}
	s.commitDelete(5)
	if ev := s.get(5); ev.exists || !ev.deleted {
		t.Errorf("after delete: %+v", ev)
	}
	if s.nextValueBase(5) != 2 {
		t.Errorf("value base did not advance past the deleted write")
	}
	if n := s.numExisting(); n != 0 {
		t.Errorf("numExisting = %d, want 0", n)
	}
}

func TestCheckValue(t *testing.T) {
	v := makeValue(7, 3, 32)
	if err := checkValue(7, expectedValue{valueBase: 3, exists: true}, v, true); err != nil {
		t.Errorf("matching value: %v", err)
	}
	if err := checkValue(7, expectedValue{valueBase: 4, exists: true}, v, true); err == nil {
		t.Error("stale value base accepted")
	}
	if err := checkValue(8, expectedValue{valueBase: 3, exists: true}, v, true); err == nil {
		t.Error("value of another key accepted")
	}
	if err := checkValue(7, expectedValue{deleted: true}, v, true); err == nil {
		t.Error("deleted key found but accepted")
	}
	if err := checkValue(7, expectedValue{valueBase: 3, exists: true}, nil, false); err == nil {
		t.Error("missing key accepted")
	}
}
