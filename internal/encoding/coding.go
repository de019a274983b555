// Package encoding provides the binary coding primitives shared by the
// on-disk formats: WAL records, SST blocks, index entries, footers and
// MANIFEST edits.
//
// All multi-byte integers are little-endian. Variable-length integers use
// 7-bit groups with the MSB as the continuation flag.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough bytes.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds the maximum value.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrVarintTermination is returned when a varint doesn't terminate.
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

// -----------------------------------------------------------------------------
// Fixed-width encoding
// -----------------------------------------------------------------------------

// EncodeFixed16 encodes a uint16 into dst.
// REQUIRES: dst has at least 2 bytes.
func EncodeFixed16(dst []byte, value uint16) {
	binary.LittleEndian.PutUint16(dst, value)
}

// DecodeFixed16 decodes a uint16 from src.
// REQUIRES: src has at least 2 bytes.
func DecodeFixed16(src []byte) uint16 {
	return binary.LittleEndian.Uint16(src)
}

// EncodeFixed32 encodes a uint32 into dst.
// REQUIRES: dst has at least 4 bytes.
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 decodes a uint32 from src.
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// EncodeFixed64 encodes a uint64 into dst.
// REQUIRES: dst has at least 8 bytes.
func EncodeFixed64(dst []byte, value uint64) {
	binary.LittleEndian.PutUint64(dst, value)
}

// DecodeFixed64 decodes a uint64 from src.
// REQUIRES: src has at least 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// -----------------------------------------------------------------------------
// Varints
// -----------------------------------------------------------------------------

// AppendVarint32 appends v as a varint to dst.
func AppendVarint32(dst []byte, v uint32) []byte {
	return AppendVarint64(dst, uint64(v))
}

// AppendVarint64 appends v as a varint to dst.
func AppendVarint64(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeVarint32 decodes a varint32 from src.
// Returns the value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	var result uint32
	for i, shift := 0, uint(0); shift < 35; i, shift = i+1, shift+7 {
		if i >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[i]
		if b < 0x80 {
			if shift == 28 && b > 0x0f {
				return 0, 0, ErrVarintOverflow
			}
			return result | uint32(b)<<shift, i + 1, nil
		}
		result |= uint32(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// DecodeVarint64 decodes a varint64 from src.
// Returns the value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	var result uint64
	for i, shift := 0, uint(0); shift < 70; i, shift = i+1, shift+7 {
		if i >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[i]
		if b < 0x80 {
			if shift == 63 && b > 1 {
				return 0, 0, ErrVarintOverflow
			}
			return result | uint64(b)<<shift, i + 1, nil
		}
		result |= uint64(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends [varint32 len][value] to dst.
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

// Decoder reads sequential fields from a byte slice. Every Get method
// returns false once the input is exhausted or malformed; the position is
// not advanced on failure.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder creates a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.pos
}

// GetByte reads a single byte.
func (d *Decoder) GetByte() (byte, bool) {
	if d.Remaining() < 1 {
		return 0, false
	}
	b := d.data[d.pos]
	d.pos++
	return b, true
}

// GetFixed32 reads a fixed 32-bit value.
func (d *Decoder) GetFixed32() (uint32, bool) {
	if d.Remaining() < 4 {
		return 0, false
	}
	v := DecodeFixed32(d.data[d.pos:])
	d.pos += 4
	return v, true
}

// GetFixed64 reads a fixed 64-bit value.
func (d *Decoder) GetFixed64() (uint64, bool) {
	if d.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(d.data[d.pos:])
	d.pos += 8
	return v, true
}

// GetVarint32 reads a varint32.
func (d *Decoder) GetVarint32() (uint32, bool) {
	v, n, err := DecodeVarint32(d.data[d.pos:])
	if err != nil {
		return 0, false
	}
	d.pos += n
	return v, true
}

// GetVarint64 reads a varint64.
func (d *Decoder) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(d.data[d.pos:])
	if err != nil {
		return 0, false
	}
	d.pos += n
	return v, true
}

// GetLengthPrefixedSlice reads a [varint32 len][bytes] field.
// The returned slice aliases the decoder's input.
func (d *Decoder) GetLengthPrefixedSlice() ([]byte, bool) {
	length, n, err := DecodeVarint32(d.data[d.pos:])
	if err != nil {
		return nil, false
	}
	end := d.pos + n + int(length)
	if end > len(d.data) || end < d.pos {
		return nil, false
	}
	v := d.data[d.pos+n : end]
	d.pos = end
	return v, true
}
