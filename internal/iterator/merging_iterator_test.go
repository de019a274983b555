package iterator

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/aalhour/nextdb/internal/dbformat"
)

// sliceIterator iterates over a sorted slice of entries.
type sliceIterator struct {
	entries []dbformat.Entry
	pos     int
	err     error
	failAt  int // Next fails when reaching this position; 0 disables
}

func newSliceIterator(tier string, keys ...string) *sliceIterator {
	it := &sliceIterator{pos: -1}
	for i, k := range keys {
		it.entries = append(it.entries, dbformat.Entry{
			Key:      []byte(k),
			Value:    []byte(tier + ":" + k),
			Type:     dbformat.TypeValue,
			Sequence: dbformat.SequenceNumber(i + 1),
		})
	}
	return it
}

func (it *sliceIterator) Valid() bool {
	return it.err == nil && it.pos >= 0 && it.pos < len(it.entries)
}
func (it *sliceIterator) Key() []byte           { return it.entries[it.pos].Key }
func (it *sliceIterator) Entry() dbformat.Entry { return it.entries[it.pos] }
func (it *sliceIterator) SeekToFirst()          { it.pos = 0 }
func (it *sliceIterator) Error() error          { return it.err }

func (it *sliceIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].Key, target) >= 0
	})
}

func (it *sliceIterator) Next() {
	it.pos++
	if it.failAt > 0 && it.pos == it.failAt {
		it.err = errors.New("injected")
	}
}

func collect(mi *MergingIterator) []string {
	var out []string
	for ; mi.Valid(); mi.Next() {
		out = append(out, string(mi.Entry().Value))
	}
	return out
}

func TestMergingIteratorOrder(t *testing.T) {
	mi := NewMergingIterator([]Iterator{
		newSliceIterator("a", "b", "e"),
		newSliceIterator("b", "a", "c", "f"),
		newSliceIterator("c", "d"),
	})
	mi.SeekToFirst()
	got := collect(mi)
	want := []string{"b:a", "a:b", "b:c", "c:d", "a:e", "b:f"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMergingIteratorNewestTierWins(t *testing.T) {
	newest := newSliceIterator("new", "k", "m")
	// Older tier with a higher sequence number for the same key still loses.
	older := newSliceIterator("old", "a", "k", "m", "z")
	older.entries[1].Sequence = 1000

	mi := NewMergingIterator([]Iterator{newest, older})
	mi.SeekToFirst()
	got := collect(mi)
	want := []string{"old:a", "new:k", "new:m", "old:z"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMergingIteratorSeek(t *testing.T) {
	mi := NewMergingIterator([]Iterator{
		newSliceIterator("a", "b", "d"),
		newSliceIterator("b", "c", "d", "e"),
	})
	mi.Seek([]byte("c"))
	if got := collect(mi); len(got) != 3 || got[0] != "b:c" || got[1] != "a:d" || got[2] != "b:e" {
		t.Errorf("Seek(c) scan = %v", got)
	}
	mi.Seek([]byte("zz"))
	if mi.Valid() {
		t.Error("Seek past end is valid")
	}
}

func TestMergingIteratorEmpty(t *testing.T) {
	mi := NewMergingIterator(nil)
	mi.SeekToFirst()
	if mi.Valid() || mi.Key() != nil {
		t.Error("empty merging iterator is valid")
	}
	mi.Next()
	if mi.Error() != nil {
		t.Errorf("Error() = %v", mi.Error())
	}
}

func TestMergingIteratorPropagatesError(t *testing.T) {
	bad := newSliceIterator("bad", "a", "b", "c")
	bad.failAt = 2
	mi := NewMergingIterator([]Iterator{bad, newSliceIterator("ok", "x")})
	mi.SeekToFirst()
	n := len(collect(mi))
	if mi.Error() == nil {
		t.Fatal("Error() = nil after child failure")
	}
	if n != 2 {
		t.Errorf("yielded %d entries before failure, want 2", n)
	}
}
