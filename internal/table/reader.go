package table

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/google/btree"

	"github.com/aalhour/nextdb/internal/cache"
	"github.com/aalhour/nextdb/internal/checksum"
	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/encoding"
	"github.com/aalhour/nextdb/internal/filter"
	"github.com/aalhour/nextdb/vfs"
)

const indexBTreeDegree = 16

// ReaderOptions configures table reading.
type ReaderOptions struct {
	// Cache holds decompressed data blocks. Nil disables caching.
	Cache *cache.BlockCache
}

// Properties summarizes a table.
type Properties struct {
	NumEntries    uint64
	NumDataBlocks int
	DataSize      uint64
	IndexSize     uint64
	FilterSize    uint64
	FilterBits    uint64 // zero when the table has no filter
	FileSize      uint64
	Compression   compression.Type
	FormatVersion uint8
	SmallestKey   []byte
	LargestKey    []byte
}

// Reader serves point lookups and scans over one table file.
// A Reader is safe for concurrent use.
type Reader struct {
	file   vfs.RandomAccessFile
	path   string
	size   uint64
	footer *Footer
	cache  *cache.BlockCache

	// index is ordered by first key for predecessor search; blocks holds
	// the same entries in file order for iteration.
	index  *btree.BTreeG[indexEntry]
	blocks []indexEntry
	bloom  *filter.BloomFilterReader
}

// OpenFile opens the table at path.
func OpenFile(fs vfs.FS, path string, opts ReaderOptions) (*Reader, error) {
	file, err := fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	r, err := Open(file, path, opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

// Open reads the footer, index and filter of an already opened file.
// path names the file in cache keys and errors.
func Open(file vfs.RandomAccessFile, path string, opts ReaderOptions) (*Reader, error) {
	size := file.Size()
	if size < FooterSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, shorter than footer", ErrCorruption, path, size)
	}

	buf := make([]byte, FooterSize)
	if _, err := file.ReadAt(buf, size-FooterSize); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: read footer of %s: %w", path, err)
	}
	footer, err := DecodeFooter(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	r := &Reader{
		file:   file,
		path:   path,
		size:   uint64(size),
		footer: footer,
		cache:  opts.Cache,
		index: btree.NewG(indexBTreeDegree, func(a, b indexEntry) bool {
			return bytes.Compare(a.firstKey, b.firstKey) < 0
		}),
	}

	indexData, err := r.readBlock(footer.IndexOffset, footer.IndexSize, footer.Compression)
	if err != nil {
		return nil, fmt.Errorf("%s: index: %w", path, err)
	}
	r.blocks, err = decodeIndex(indexData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, e := range r.blocks {
		if e.offset+uint64(e.size)+BlockTrailerSize > footer.IndexOffset {
			return nil, fmt.Errorf("%w: %s: block at %d overruns data section", ErrCorruption, path, e.offset)
		}
		r.index.ReplaceOrInsert(e)
	}

	if footer.BloomSize > 0 {
		data, err := r.readBlock(footer.BloomOffset, footer.BloomSize, compression.NoCompression)
		if err != nil {
			return nil, fmt.Errorf("%s: bloom: %w", path, err)
		}
		if r.bloom, err = filter.NewBloomFilterReader(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
		}
	}
	return r, nil
}

// readBlock reads a stored block and its trailer, verifies the checksum and
// decompresses it.
func (r *Reader) readBlock(offset, size uint64, t compression.Type) ([]byte, error) {
	end := offset + size + BlockTrailerSize
	if end < offset || end > r.size {
		return nil, fmt.Errorf("%w: block [%d, %d) beyond file size %d", ErrCorruption, offset, end, r.size)
	}
	raw := make([]byte, size+BlockTrailerSize)
	if _, err := r.file.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: read block at %d: %w", offset, err)
	}
	stored := raw[:size]
	if !checksum.VerifyBlock(stored, encoding.DecodeFixed32(raw[size:])) {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrCorruption, offset)
	}
	data, err := compression.Decompress(t, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return data, nil
}

func (r *Reader) cacheKey(offset uint64) string {
	return r.path + ":" + strconv.FormatUint(offset, 10)
}

// dataBlock returns the decoded entries of a data block, going through the
// block cache when one is configured.
func (r *Reader) dataBlock(h indexEntry) ([]dbformat.Entry, error) {
	if r.cache != nil {
		if data, ok := r.cache.Get(r.cacheKey(h.offset)); ok {
			return decodeBlock(data)
		}
	}
	data, err := r.readBlock(h.offset, uint64(h.size), r.footer.Compression)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	if r.cache != nil {
		r.cache.Put(r.cacheKey(h.offset), data)
	}
	return decodeBlock(data)
}

// findBlock returns the block whose first key is the greatest one <= key.
func (r *Reader) findBlock(key []byte) (indexEntry, bool) {
	var found indexEntry
	var ok bool
	r.index.DescendLessOrEqual(indexEntry{firstKey: key}, func(e indexEntry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// Get looks up key. deleted is true when the newest version in this table
// is a tombstone; found is false when the table holds no version of key.
func (r *Reader) Get(key []byte) (value []byte, found, deleted bool, err error) {
	if r.bloom != nil && !r.bloom.MayContain(key) {
		return nil, false, false, nil
	}
	h, ok := r.findBlock(key)
	if !ok {
		return nil, false, false, nil
	}
	entries, err := r.dataBlock(h)
	if err != nil {
		return nil, false, false, err
	}
	i := searchBlock(entries, key)
	if i == len(entries) || !bytes.Equal(entries[i].Key, key) {
		return nil, false, false, nil
	}
	e := entries[i]
	if e.IsTombstone() {
		return nil, true, true, nil
	}
	return append([]byte(nil), e.Value...), true, false, nil
}

// MayContain consults the bloom filter only.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom == nil || r.bloom.MayContain(key)
}

// NumEntries returns the entry count recorded in the footer.
func (r *Reader) NumEntries() uint64 { return r.footer.NumEntries }

// FileSize returns the size of the table file.
func (r *Reader) FileSize() uint64 { return r.size }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Compression returns the compression type recorded in the footer.
func (r *Reader) Compression() compression.Type { return r.footer.Compression }

// Properties returns summary information, reading the first and last data
// blocks for the key range.
func (r *Reader) Properties() (*Properties, error) {
	p := &Properties{
		NumEntries:    r.footer.NumEntries,
		NumDataBlocks: len(r.blocks),
		DataSize:      r.dataEnd(),
		IndexSize:     r.footer.IndexSize,
		FilterSize:    r.footer.BloomSize,
		FileSize:      r.size,
		Compression:   r.footer.Compression,
		FormatVersion: r.footer.FormatVersion,
	}
	if r.bloom != nil {
		p.FilterBits = uint64(r.bloom.Bits())
	}
	if len(r.blocks) == 0 {
		return p, nil
	}
	p.SmallestKey = append([]byte(nil), r.blocks[0].firstKey...)
	last, err := r.dataBlock(r.blocks[len(r.blocks)-1])
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		p.LargestKey = append([]byte(nil), last[len(last)-1].Key...)
	}
	return p, nil
}

func (r *Reader) dataEnd() uint64 {
	if r.footer.BloomSize > 0 {
		return r.footer.BloomOffset
	}
	return r.footer.IndexOffset
}

// VerifyChecksums reads every data block and checks its trailer.
func (r *Reader) VerifyChecksums() error {
	var n uint64
	for _, h := range r.blocks {
		data, err := r.readBlock(h.offset, uint64(h.size), r.footer.Compression)
		if err != nil {
			return fmt.Errorf("%s: %w", r.path, err)
		}
		entries, err := decodeBlock(data)
		if err != nil {
			return fmt.Errorf("%s: block at %d: %w", r.path, h.offset, err)
		}
		n += uint64(len(entries))
	}
	if n != r.footer.NumEntries {
		return fmt.Errorf("%w: %s: footer records %d entries, blocks hold %d", ErrCorruption, r.path, r.footer.NumEntries, n)
	}
	return nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks a table's entries in key order.
type Iterator struct {
	r       *Reader
	block   int
	entries []dbformat.Entry
	pos     int
	err     error
}

// NewIterator returns an unpositioned iterator.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, block: -1}
}

// Valid reports whether the iterator is at an entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.pos < len(it.entries)
}

// Error returns the first error encountered.
func (it *Iterator) Error() error { return it.err }

// SeekToFirst moves to the first entry.
func (it *Iterator) SeekToFirst() {
	it.loadBlock(0)
	it.skipEmpty()
}

// Seek moves to the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	start := 0
	if h, ok := it.r.findBlock(target); ok {
		start = it.r.blockIndex(h.offset)
	}
	it.loadBlock(start)
	if it.err != nil {
		return
	}
	it.pos = searchBlock(it.entries, target)
	it.skipEmpty()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.skipEmpty()
}

// Key returns the current key. It aliases block memory owned by the iterator.
func (it *Iterator) Key() []byte { return it.entries[it.pos].Key }

// Entry returns the current entry.
func (it *Iterator) Entry() dbformat.Entry { return it.entries[it.pos] }

// skipEmpty moves across block boundaries until positioned or exhausted.
func (it *Iterator) skipEmpty() {
	for it.err == nil && it.pos >= len(it.entries) && it.block+1 < len(it.r.blocks) {
		it.loadBlock(it.block + 1)
	}
}

func (it *Iterator) loadBlock(i int) {
	it.block = i
	it.pos = 0
	it.entries = nil
	if i >= len(it.r.blocks) {
		return
	}
	it.entries, it.err = it.r.dataBlock(it.r.blocks[i])
}

func (r *Reader) blockIndex(offset uint64) int {
	lo, hi := 0, len(r.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.blocks[mid].offset < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
