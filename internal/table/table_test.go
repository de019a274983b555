package table

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aalhour/nextdb/internal/cache"
	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/vfs"
)

func testKey(i int) []byte { return fmt.Appendf(nil, "key%05d", i) }
func testValue(i int) []byte {
	return fmt.Appendf(nil, "value-%d-%s", i, bytes.Repeat([]byte("x"), i%17))
}

// buildTable writes n sequential keys; every seventh key is a tombstone.
func buildTable(t *testing.T, path string, n int, opts BuilderOptions) *Reader {
	t.Helper()
	b, err := NewBuilder(vfs.Default(), path, opts)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	for i := 0; i < n; i++ {
		e := dbformat.Entry{Key: testKey(i), Value: testValue(i), Type: dbformat.TypeValue, Sequence: dbformat.SequenceNumber(i + 1)}
		if i%7 == 3 {
			e.Value, e.Type = nil, dbformat.TypeDeletion
		}
		if err := b.Add(&e); err != nil {
			t.Fatalf("Add(%s) error = %v", e.Key, err)
		}
	}
	r, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRoundTripAllCompressions(t *testing.T) {
	for _, ct := range []compression.Type{
		compression.NoCompression,
		compression.SnappyCompression,
		compression.LZ4Compression,
		compression.ZstdCompression,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			opts := DefaultBuilderOptions()
			opts.BlockSize = 256
			opts.Compression = ct
			r := buildTable(t, filepath.Join(t.TempDir(), TableFileName(1)), 500, opts)

			if r.NumEntries() != 500 {
				t.Errorf("NumEntries() = %d, want 500", r.NumEntries())
			}
			if r.Compression() != ct {
				t.Errorf("Compression() = %s, want %s", r.Compression(), ct)
			}
			for i := 0; i < 500; i++ {
				v, found, deleted, err := r.Get(testKey(i))
				if err != nil {
					t.Fatalf("Get(%s) error = %v", testKey(i), err)
				}
				if !found {
					t.Fatalf("Get(%s) not found", testKey(i))
				}
				if i%7 == 3 {
					if !deleted || v != nil {
						t.Errorf("Get(%s) = (%q, deleted=%v), want tombstone", testKey(i), v, deleted)
					}
					continue
				}
				if deleted || !bytes.Equal(v, testValue(i)) {
					t.Errorf("Get(%s) = (%q, deleted=%v), want %q", testKey(i), v, deleted, testValue(i))
				}
			}
			if _, found, _, err := r.Get([]byte("zzz")); err != nil || found {
				t.Errorf("Get(zzz) = (found=%v, %v), want not found", found, err)
			}
			if err := r.VerifyChecksums(); err != nil {
				t.Errorf("VerifyChecksums() error = %v", err)
			}
		})
	}
}

func TestGetKeyPastBlockEnd(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.BlockSize = 1
	opts.BloomBitsPerKey = 0
	path := filepath.Join(t.TempDir(), TableFileName(2))
	b, err := NewBuilder(vfs.Default(), path, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range []string{"a", "c", "e"} {
		e := dbformat.Entry{Key: []byte(k), Value: []byte("v" + k), Type: dbformat.TypeValue, Sequence: dbformat.SequenceNumber(i + 1)}
		if err := b.Add(&e); err != nil {
			t.Fatal(err)
		}
	}
	r, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for _, k := range []string{"0", "b", "d", "f"} {
		if _, found, _, err := r.Get([]byte(k)); err != nil || found {
			t.Errorf("Get(%s) = (found=%v, %v), want not found", k, found, err)
		}
	}
	if v, found, _, err := r.Get([]byte("e")); err != nil || !found || string(v) != "ve" {
		t.Errorf("Get(e) = (%q, %v, %v)", v, found, err)
	}
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	b, err := NewBuilder(vfs.Default(), filepath.Join(t.TempDir(), "x.sst"), DefaultBuilderOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Abandon()

	if err := b.Add(&dbformat.Entry{Key: []byte("b"), Type: dbformat.TypeValue}); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(&dbformat.Entry{Key: []byte("a"), Type: dbformat.TypeValue}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Add out of order error = %v, want ErrOutOfOrder", err)
	}
}

func TestAbandonRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abandoned.sst")
	b, err := NewBuilder(vfs.Default(), path, DefaultBuilderOptions())
	if err != nil {
		t.Fatal(err)
	}
	if b.Path() != path {
		t.Errorf("Path() = %q, want %q", b.Path(), path)
	}
	_ = b.Add(&dbformat.Entry{Key: []byte("k"), Value: []byte("v"), Type: dbformat.TypeValue})
	b.Abandon()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Abandon: %v", err)
	}
	if _, err := b.Finish(); !errors.Is(err, ErrNotFinished) {
		t.Errorf("Finish after Abandon error = %v, want ErrNotFinished", err)
	}
}

func TestEmptyTable(t *testing.T) {
	r := buildTable(t, filepath.Join(t.TempDir(), "empty.sst"), 0, DefaultBuilderOptions())
	if _, found, _, err := r.Get([]byte("a")); err != nil || found {
		t.Errorf("Get on empty table = (found=%v, %v)", found, err)
	}
	it := r.NewIterator()
	it.SeekToFirst()
	if it.Valid() {
		t.Error("iterator over empty table is valid")
	}
	p, err := r.Properties()
	if err != nil {
		t.Fatal(err)
	}
	if p.NumEntries != 0 || p.NumDataBlocks != 0 || p.SmallestKey != nil {
		t.Errorf("Properties() = %+v, want empty", p)
	}
}

func TestOpenShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.sst")
	if err := os.WriteFile(path, make([]byte, FooterSize-1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(vfs.Default(), path, ReaderOptions{}); !errors.Is(err, ErrCorruption) {
		t.Errorf("OpenFile(short) error = %v, want ErrCorruption", err)
	}
}

func corruptByte(t *testing.T, path string, offset int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if offset < 0 {
		offset += int64(len(data))
	}
	data[offset] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenBadFooterCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crc.sst")
	buildTable(t, path, 50, DefaultBuilderOptions())

	// num_entries lives at footer offset 36.
	corruptByte(t, path, -FooterSize+36)
	if _, err := OpenFile(vfs.Default(), path, ReaderOptions{}); !errors.Is(err, ErrCorruption) {
		t.Errorf("OpenFile(bad crc) error = %v, want ErrCorruption", err)
	}
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "magic.sst")
	buildTable(t, path, 10, DefaultBuilderOptions())

	corruptByte(t, path, -FooterSize+34)
	if _, err := OpenFile(vfs.Default(), path, ReaderOptions{}); !errors.Is(err, ErrCorruption) {
		t.Errorf("OpenFile(bad magic) error = %v, want ErrCorruption", err)
	}
}

func TestBlockChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block.sst")
	opts := DefaultBuilderOptions()
	opts.Compression = compression.NoCompression
	buildTable(t, path, 50, opts)

	corruptByte(t, path, 2)
	r, err := OpenFile(vfs.Default(), path, ReaderOptions{})
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer r.Close()

	if _, _, _, err := r.Get(testKey(0)); !errors.Is(err, ErrCorruption) {
		t.Errorf("Get on corrupted block error = %v, want ErrCorruption", err)
	}
	if err := r.VerifyChecksums(); !errors.Is(err, ErrCorruption) {
		t.Errorf("VerifyChecksums() error = %v, want ErrCorruption", err)
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	r := buildTable(t, filepath.Join(t.TempDir(), "bloom.sst"), 1000, DefaultBuilderOptions())
	for i := 0; i < 1000; i++ {
		if !r.MayContain(testKey(i)) {
			t.Fatalf("MayContain(%s) = false for present key", testKey(i))
		}
	}
	positives := 0
	for i := 0; i < 1000; i++ {
		if r.MayContain(fmt.Appendf(nil, "absent%05d", i)) {
			positives++
		}
	}
	if positives > 50 {
		t.Errorf("false positives = %d/1000, want <= 50", positives)
	}
}

func TestBlockCacheServesRepeatedReads(t *testing.T) {
	bc := cache.NewBlockCache(1 << 20)
	opts := DefaultBuilderOptions()
	opts.Cache = bc
	r := buildTable(t, filepath.Join(t.TempDir(), "cached.sst"), 100, opts)

	for range 3 {
		if _, found, _, err := r.Get(testKey(10)); err != nil || !found {
			t.Fatalf("Get() = (found=%v, %v)", found, err)
		}
	}
	if bc.Misses() != 1 || bc.Hits() != 2 {
		t.Errorf("cache hits/misses = %d/%d, want 2/1", bc.Hits(), bc.Misses())
	}
	if bc.Usage() == 0 {
		t.Error("cache usage is zero after reads")
	}
}

func TestIteratorScanAndSeek(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.BlockSize = 128
	r := buildTable(t, filepath.Join(t.TempDir(), "iter.sst"), 200, opts)

	it := r.NewIterator()
	n := 0
	var prev []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, it.Key())
		}
		prev = append(prev[:0], it.Key()...)
		n++
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if n != 200 {
		t.Errorf("scanned %d entries, want 200", n)
	}

	for _, tc := range []struct{ target, want string }{
		{"key00100", "key00100"},
		{"key00100a", "key00101"},
		{"a", "key00000"},
		{"zzz", ""},
	} {
		it.Seek([]byte(tc.target))
		got := ""
		if it.Valid() {
			got = string(it.Key())
		}
		if got != tc.want {
			t.Errorf("Seek(%s) landed on %q, want %q", tc.target, got, tc.want)
		}
	}
	it.Seek([]byte("key00003"))
	if e := it.Entry(); !e.IsTombstone() || e.Sequence != 4 {
		t.Errorf("Entry() at key00003 = %+v, want tombstone seq 4", e)
	}
}

func TestProperties(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.BlockSize = 128
	opts.Compression = compression.SnappyCompression
	r := buildTable(t, filepath.Join(t.TempDir(), "props.sst"), 64, opts)

	p, err := r.Properties()
	if err != nil {
		t.Fatal(err)
	}
	if p.NumEntries != 64 {
		t.Errorf("NumEntries = %d, want 64", p.NumEntries)
	}
	if !bytes.Equal(p.SmallestKey, testKey(0)) || !bytes.Equal(p.LargestKey, testKey(63)) {
		t.Errorf("key range = [%q, %q]", p.SmallestKey, p.LargestKey)
	}
	if p.NumDataBlocks < 2 {
		t.Errorf("NumDataBlocks = %d, want several", p.NumDataBlocks)
	}
	if p.Compression != compression.SnappyCompression || p.FormatVersion != FormatVersion {
		t.Errorf("Compression/FormatVersion = %s/%d", p.Compression, p.FormatVersion)
	}
	if p.DataSize == 0 || p.DataSize >= p.FileSize {
		t.Errorf("DataSize = %d, FileSize = %d", p.DataSize, p.FileSize)
	}
	if p.FilterSize == 0 || p.FilterBits < 64*uint64(opts.BloomBitsPerKey) {
		t.Errorf("FilterSize = %d, FilterBits = %d", p.FilterSize, p.FilterBits)
	}

	opts.BloomBitsPerKey = 0
	r = buildTable(t, filepath.Join(t.TempDir(), "nofilter.sst"), 64, opts)
	if p, err = r.Properties(); err != nil {
		t.Fatal(err)
	}
	if p.FilterSize != 0 || p.FilterBits != 0 {
		t.Errorf("table without filter: FilterSize = %d, FilterBits = %d", p.FilterSize, p.FilterBits)
	}
	if filepath.Base(r.Path()) != "nofilter.sst" {
		t.Errorf("Path() = %q, want .../nofilter.sst", r.Path())
	}
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		IndexOffset:   1000,
		IndexSize:     77,
		BloomOffset:   900,
		BloomSize:     96,
		Compression:   compression.ZstdCompression,
		FormatVersion: FormatVersion,
		NumEntries:    12345,
	}
	var buf [FooterSize]byte
	f.EncodeTo(buf[:])
	got, err := DecodeFooter(buf[:])
	if err != nil {
		t.Fatalf("DecodeFooter() error = %v", err)
	}
	if *got != f {
		t.Errorf("DecodeFooter() = %+v, want %+v", *got, f)
	}
}
