// Package wal implements the write-ahead log.
//
// A log is a sequence of numbered segment files (NNNNNN.log) in one
// directory. Each segment is a plain sequence of records:
//
//	+-----------------+-------------------+------------------+---------+
//	| record_len (4B) | masked crc32c (4B) | payload_len (4B) | payload |
//	+-----------------+-------------------+------------------+---------+
//
// All integers are little-endian. record_len counts the bytes after itself,
// so it is always payload_len + 8. The CRC covers the payload only and is
// masked with checksum.Mask.
//
// A record whose CRC does not match is skipped and reported. A record whose
// declared length runs past the end of the file is the signature of a torn
// final write; it and everything after it are ignored.
package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderSize is the size of a record header:
// record_len (4) + crc (4) + payload_len (4).
const HeaderSize = 12

// recordOverhead is the part of record_len not taken by the payload.
const recordOverhead = 8

// MaxPayloadSize bounds a single record so that record_len fits in 32 bits.
const MaxPayloadSize = 1<<32 - 1 - recordOverhead

const segmentSuffix = ".log"

// SegmentFileName returns the file name for segment number n.
func SegmentFileName(n uint64) string {
	return fmt.Sprintf("%06d%s", n, segmentSuffix)
}

// ParseSegmentFileName returns the segment number encoded in name.
func ParseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
