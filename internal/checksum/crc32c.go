// Package checksum provides the checksums used by the on-disk formats.
//
// WAL records, MANIFEST records and SST footers carry a masked CRC32C
// (Castagnoli). SST blocks carry a 32-bit XXH3 trailer.
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value computes the CRC32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns a masked representation of crc.
//
// Computing the CRC of a byte string that embeds CRCs is problematic, so
// CRCs stored in files are masked first.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is maskedCRC.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// MaskedValue is Mask(Value(data)).
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}

// Block returns the low 32 bits of the XXH3-64 hash of data.
// It is the trailer checksum written after every SST block.
func Block(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}

// VerifyBlock reports whether data matches the stored trailer.
func VerifyBlock(data []byte, stored uint32) bool {
	return Block(data) == stored
}
