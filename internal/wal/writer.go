package wal

import (
	"fmt"
	"io"

	"github.com/aalhour/nextdb/internal/checksum"
	"github.com/aalhour/nextdb/internal/encoding"
)

// Writer frames records onto dest.
type Writer struct {
	dest      io.Writer
	headerBuf [HeaderSize]byte
	written   int64
}

// NewWriter creates a Writer appending to dest.
func NewWriter(dest io.Writer) *Writer {
	return &Writer{dest: dest}
}

// AddRecord writes one framed record and returns the number of bytes written.
func (w *Writer) AddRecord(payload []byte) (int, error) {
	if uint64(len(payload)) > MaxPayloadSize {
		return 0, fmt.Errorf("wal: record payload of %d bytes too large", len(payload))
	}

	encoding.EncodeFixed32(w.headerBuf[0:], uint32(len(payload)+recordOverhead))
	encoding.EncodeFixed32(w.headerBuf[4:], checksum.MaskedValue(payload))
	encoding.EncodeFixed32(w.headerBuf[8:], uint32(len(payload)))

	total := 0
	n, err := w.dest.Write(w.headerBuf[:])
	total += n
	if err != nil {
		w.written += int64(total)
		return total, err
	}
	n, err = w.dest.Write(payload)
	total += n
	w.written += int64(total)
	return total, err
}

// Written returns the number of bytes written through this Writer.
func (w *Writer) Written() int64 {
	return w.written
}

// Sync flushes the underlying writer if it supports it.
func (w *Writer) Sync() error {
	if syncer, ok := w.dest.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}
