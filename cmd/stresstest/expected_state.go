package main

import (
	"sync"
)

// expectedValue is the oracle's view of one key.
type expectedValue struct {
	valueBase uint32
	exists    bool
	deleted   bool
}

// expectedState tracks what the database must contain. Writers take the
// key's stripe lock around both the database call and the oracle update so
// the two never disagree for longer than one operation.
type expectedState struct {
	values []expectedValue
	locks  []sync.Mutex
	shift  uint
}

func newExpectedState(numKeys int64, log2KeysPerLock uint) *expectedState {
	nlocks := (numKeys >> log2KeysPerLock) + 1
	return &expectedState{
		values: make([]expectedValue, numKeys),
		locks:  make([]sync.Mutex, nlocks),
		shift:  log2KeysPerLock,
	}
}

// mutexForKey returns the stripe lock guarding key.
func (s *expectedState) mutexForKey(key int64) *sync.Mutex {
	return &s.locks[key>>s.shift]
}

// get returns a copy of the expected value.
// REQUIRES: the key's lock is held, or no writers are running.
func (s *expectedState) get(key int64) expectedValue {
	return s.values[key]
}

// nextValueBase returns the value base the next put of key will write.
func (s *expectedState) nextValueBase(key int64) uint32 {
	return s.values[key].valueBase + 1
}

// commitPut records a successful put of valueBase.
func (s *expectedState) commitPut(key int64, valueBase uint32) {
	s.values[key] = expectedValue{valueBase: valueBase, exists: true}
}

// commitDelete records a successful delete.
func (s *expectedState) commitDelete(key int64) {
	v := &s.values[key]
	v.exists = false
	v.deleted = true
}

// numExisting counts keys that must be present.
func (s *expectedState) numExisting() int {
	n := 0
	for _, v := range s.values {
		if v.exists {
			n++
		}
	}
	return n
}
