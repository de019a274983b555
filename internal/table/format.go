// Package table implements the SST file format.
//
// File layout:
//
//	[data block 1][trailer]
//	...
//	[data block N][trailer]
//	[bloom filter][trailer]   (absent when filters are disabled)
//	[index block][trailer]
//	[footer]                  (48 bytes, always the last bytes of the file)
//
// A data block is a run of dbformat entries in ascending key order,
// compressed with the table's compression type. The index holds one entry
// per data block: its first key, offset and stored size. Every block is
// followed by a 4-byte trailer holding the low 32 bits of the XXH3 hash of
// the stored bytes.
//
// Footer (little-endian):
//
//	index_offset   u64
//	index_size     u64
//	bloom_offset   u64
//	bloom_size     u64
//	compression    u8
//	format_version u8
//	magic          u16
//	num_entries    u64
//	crc            u32   masked CRC32C of the preceding 44 bytes
package table

import (
	"errors"
	"fmt"

	"github.com/aalhour/nextdb/internal/checksum"
	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/encoding"
)

const (
	// FooterSize is the fixed size of the footer.
	FooterSize = 48

	// BlockTrailerSize is the size of the checksum after every block.
	BlockTrailerSize = 4

	// TableMagic identifies an SST file.
	TableMagic uint16 = 0x4E44

	// FormatVersion is the format version written by this package.
	FormatVersion uint8 = 1

	footerCRCOffset = FooterSize - 4
)

var (
	// ErrCorruption indicates a structurally invalid table: a short file,
	// bad footer magic or CRC, or a block that fails its checksum or decode.
	ErrCorruption = errors.New("table: corruption")

	// ErrNotFinished is returned when using a builder after Finish or Abandon.
	ErrNotFinished = errors.New("table: builder already finished")

	// ErrOutOfOrder is returned by Builder.Add for a key smaller than its predecessor.
	ErrOutOfOrder = errors.New("table: keys added out of order")
)

// Footer describes where the index and filter live.
type Footer struct {
	IndexOffset   uint64
	IndexSize     uint64
	BloomOffset   uint64
	BloomSize     uint64
	Compression   compression.Type
	FormatVersion uint8
	NumEntries    uint64
}

// EncodeTo writes the footer into dst, which must hold FooterSize bytes.
func (f *Footer) EncodeTo(dst []byte) {
	encoding.EncodeFixed64(dst[0:], f.IndexOffset)
	encoding.EncodeFixed64(dst[8:], f.IndexSize)
	encoding.EncodeFixed64(dst[16:], f.BloomOffset)
	encoding.EncodeFixed64(dst[24:], f.BloomSize)
	dst[32] = byte(f.Compression)
	dst[33] = f.FormatVersion
	encoding.EncodeFixed16(dst[34:], TableMagic)
	encoding.EncodeFixed64(dst[36:], f.NumEntries)
	encoding.EncodeFixed32(dst[footerCRCOffset:], checksum.MaskedValue(dst[:footerCRCOffset]))
}

// DecodeFooter parses and verifies a footer.
func DecodeFooter(src []byte) (*Footer, error) {
	if len(src) != FooterSize {
		return nil, fmt.Errorf("%w: footer is %d bytes", ErrCorruption, len(src))
	}
	if magic := encoding.DecodeFixed16(src[34:]); magic != TableMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", ErrCorruption, magic)
	}
	stored := checksum.Unmask(encoding.DecodeFixed32(src[footerCRCOffset:]))
	if actual := checksum.Value(src[:footerCRCOffset]); stored != actual {
		return nil, fmt.Errorf("%w: footer crc mismatch (stored 0x%08x, actual 0x%08x)", ErrCorruption, stored, actual)
	}

	f := &Footer{
		IndexOffset:   encoding.DecodeFixed64(src[0:]),
		IndexSize:     encoding.DecodeFixed64(src[8:]),
		BloomOffset:   encoding.DecodeFixed64(src[16:]),
		BloomSize:     encoding.DecodeFixed64(src[24:]),
		Compression:   compression.Type(src[32]),
		FormatVersion: src[33],
		NumEntries:    encoding.DecodeFixed64(src[36:]),
	}
	if f.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruption, f.FormatVersion)
	}
	if !f.Compression.IsSupported() {
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruption, src[32])
	}
	return f, nil
}

// indexEntry locates one data block.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	size     uint32 // stored size, excluding the trailer
}

func appendIndexEntry(dst []byte, e *indexEntry) []byte {
	dst = encoding.AppendLengthPrefixedSlice(dst, e.firstKey)
	dst = encoding.AppendFixed64(dst, e.offset)
	return encoding.AppendFixed32(dst, e.size)
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	var out []indexEntry
	d := encoding.NewDecoder(data)
	for d.Remaining() > 0 {
		key, ok := d.GetLengthPrefixedSlice()
		if !ok {
			return nil, fmt.Errorf("%w: bad index key", ErrCorruption)
		}
		offset, ok := d.GetFixed64()
		if !ok {
			return nil, fmt.Errorf("%w: bad index offset", ErrCorruption)
		}
		size, ok := d.GetFixed32()
		if !ok {
			return nil, fmt.Errorf("%w: bad index size", ErrCorruption)
		}
		out = append(out, indexEntry{firstKey: key, offset: offset, size: size})
	}
	return out, nil
}

// TableFileName returns the file name for table number n.
func TableFileName(n uint64) string {
	return fmt.Sprintf("%06d.sst", n)
}
