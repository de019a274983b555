package table

import (
	"bytes"
	"fmt"

	"github.com/aalhour/nextdb/internal/cache"
	"github.com/aalhour/nextdb/internal/checksum"
	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/encoding"
	"github.com/aalhour/nextdb/internal/filter"
	"github.com/aalhour/nextdb/vfs"
)

// DefaultBlockSize is the target uncompressed size of a data block.
const DefaultBlockSize = 4096

// BuilderOptions configures table construction.
type BuilderOptions struct {
	// BlockSize is the target uncompressed size of a data block.
	BlockSize int

	// Compression is applied to data and index blocks.
	Compression compression.Type

	// BloomBitsPerKey sizes the bloom filter. Zero disables the filter.
	BloomBitsPerKey int

	// Cache is handed to the Reader returned by Finish.
	Cache *cache.BlockCache
}

// DefaultBuilderOptions returns the default builder options.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:       DefaultBlockSize,
		Compression:     compression.LZ4Compression,
		BloomBitsPerKey: 10,
	}
}

// Builder writes a sorted run of entries into a new table file.
type Builder struct {
	fs   vfs.FS
	path string
	file vfs.WritableFile
	opts BuilderOptions

	offset     uint64
	block      blockBuilder
	index      []indexEntry
	bloom      *filter.BloomFilterBuilder
	numEntries uint64
	lastKey    []byte
	smallest   []byte
	finished   bool
	err        error
}

// NewBuilder creates path and returns a builder writing into it.
func NewBuilder(fs vfs.FS, path string, opts BuilderOptions) (*Builder, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if !opts.Compression.IsSupported() {
		return nil, fmt.Errorf("table: %w: %s", compression.ErrUnsupported, opts.Compression)
	}
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("table: create %s: %w", path, err)
	}
	b := &Builder{
		fs:   fs,
		path: path,
		file: file,
		opts: opts,
	}
	if opts.BloomBitsPerKey > 0 {
		b.bloom = filter.NewBloomFilterBuilder(opts.BloomBitsPerKey)
	}
	return b, nil
}

// Add appends an entry. Keys must be non-decreasing.
func (b *Builder) Add(e *dbformat.Entry) error {
	if b.finished {
		return ErrNotFinished
	}
	if b.err != nil {
		return b.err
	}
	if b.numEntries > 0 && bytes.Compare(e.Key, b.lastKey) < 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, e.Key, b.lastKey)
	}
	if b.numEntries == 0 {
		b.smallest = append([]byte(nil), e.Key...)
	}
	b.lastKey = append(b.lastKey[:0], e.Key...)

	b.block.add(e)
	if b.bloom != nil {
		b.bloom.AddKey(e.Key)
	}
	b.numEntries++

	if b.block.size() >= b.opts.BlockSize {
		b.err = b.flushBlock()
	}
	return b.err
}

// flushBlock compresses and writes the pending data block.
func (b *Builder) flushBlock() error {
	if b.block.empty() {
		return nil
	}
	offset, size, err := b.writeBlock(b.block.buf, b.opts.Compression)
	if err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{
		firstKey: append([]byte(nil), b.block.firstKey...),
		offset:   offset,
		size:     uint32(size),
	})
	b.block.reset()
	return nil
}

// writeBlock writes data compressed with t followed by its trailer.
func (b *Builder) writeBlock(data []byte, t compression.Type) (offset uint64, size int, err error) {
	stored, err := compression.Compress(t, data)
	if err != nil {
		return 0, 0, fmt.Errorf("table: compress block: %w", err)
	}
	var trailer [BlockTrailerSize]byte
	encoding.EncodeFixed32(trailer[:], checksum.Block(stored))

	offset = b.offset
	if err := b.write(stored); err != nil {
		return 0, 0, err
	}
	if err := b.write(trailer[:]); err != nil {
		return 0, 0, err
	}
	return offset, len(stored), nil
}

func (b *Builder) write(p []byte) error {
	n, err := b.file.Write(p)
	b.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("table: write %s: %w", b.path, err)
	}
	return nil
}

// Finish writes the filter, index and footer, syncs the file and reopens it
// as a Reader.
func (b *Builder) Finish() (*Reader, error) {
	if b.finished {
		return nil, ErrNotFinished
	}
	if err := b.finish(); err != nil {
		b.Abandon()
		return nil, err
	}
	return OpenFile(b.fs, b.path, ReaderOptions{Cache: b.opts.Cache})
}

func (b *Builder) finish() error {
	if b.err != nil {
		return b.err
	}
	if err := b.flushBlock(); err != nil {
		return err
	}

	footer := Footer{
		Compression:   b.opts.Compression,
		FormatVersion: FormatVersion,
		NumEntries:    b.numEntries,
	}

	if b.bloom != nil && b.numEntries > 0 {
		data, err := b.bloom.Finish()
		if err != nil {
			return fmt.Errorf("table: bloom filter: %w", err)
		}
		offset, size, err := b.writeBlock(data, compression.NoCompression)
		if err != nil {
			return err
		}
		footer.BloomOffset, footer.BloomSize = offset, uint64(size)
	}

	var index []byte
	for i := range b.index {
		index = appendIndexEntry(index, &b.index[i])
	}
	offset, size, err := b.writeBlock(index, b.opts.Compression)
	if err != nil {
		return err
	}
	footer.IndexOffset, footer.IndexSize = offset, uint64(size)

	var buf [FooterSize]byte
	footer.EncodeTo(buf[:])
	if err := b.write(buf[:]); err != nil {
		return err
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("table: sync %s: %w", b.path, err)
	}
	b.finished = true
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("table: close %s: %w", b.path, err)
	}
	return nil
}

// Abandon closes and removes the partially written file.
func (b *Builder) Abandon() {
	if !b.finished {
		b.finished = true
		_ = b.file.Close()
	}
	_ = b.fs.Remove(b.path)
}

// NumEntries returns the number of entries added so far.
func (b *Builder) NumEntries() uint64 { return b.numEntries }

// FileSize returns the bytes written so far plus the pending block.
func (b *Builder) FileSize() uint64 { return b.offset + uint64(b.block.size()) }

// SmallestKey returns the first key added.
func (b *Builder) SmallestKey() []byte { return b.smallest }

// LargestKey returns the last key added.
func (b *Builder) LargestKey() []byte { return b.lastKey }

// Path returns the file path being written.
func (b *Builder) Path() string { return b.path }
