package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/nextdb/internal/checksum"
	"github.com/aalhour/nextdb/internal/encoding"
)

var (
	// ErrCorruptedRecord indicates a record with an invalid checksum.
	ErrCorruptedRecord = errors.New("wal: corrupted record (bad checksum)")

	// ErrBadRecordLength indicates a header whose two length fields disagree.
	ErrBadRecordLength = errors.New("wal: inconsistent record length")
)

// Reporter is told about damaged input as the Reader skips over it.
type Reporter interface {
	// Corruption is called for a record that was skipped.
	Corruption(bytes int, err error)

	// TruncatedTail is called once when the input ends inside a record.
	TruncatedTail(bytes int)
}

// Reader reads framed records.
type Reader struct {
	src      *bufio.Reader
	reporter Reporter
	offset   int64
	done     bool
	scratch  bytes.Buffer
}

// NewReader creates a Reader over src. reporter may be nil.
func NewReader(src io.Reader, reporter Reporter) *Reader {
	return &Reader{src: bufio.NewReader(src), reporter: reporter}
}

// Offset returns the byte offset of the next unread record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// ReadRecord returns the next intact payload, skipping records with a bad
// checksum. It returns io.EOF at the end of input, including after a
// truncated final record. The returned slice is valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	for {
		if r.done {
			return nil, io.EOF
		}

		var lenBuf [4]byte
		n, err := io.ReadFull(r.src, lenBuf[:])
		if err != nil {
			return nil, r.finish(n, err)
		}
		recordLen := encoding.DecodeFixed32(lenBuf[:])

		// Copy through a buffer rather than allocating recordLen up front,
		// so a garbage length costs at most the bytes actually present.
		r.scratch.Reset()
		copied, err := io.CopyN(&r.scratch, r.src, int64(recordLen))
		if err != nil {
			return nil, r.finish(4+int(copied), err)
		}
		start := r.offset
		r.offset += 4 + int64(recordLen)

		body := r.scratch.Bytes()
		if recordLen < recordOverhead {
			r.report(int(4+recordLen), fmt.Errorf("%w at offset %d: record_len %d", ErrBadRecordLength, start, recordLen))
			continue
		}
		storedCRC := encoding.DecodeFixed32(body[0:])
		payloadLen := encoding.DecodeFixed32(body[4:])
		payload := body[recordOverhead:]
		if uint64(payloadLen) != uint64(len(payload)) {
			r.report(int(4+recordLen), fmt.Errorf("%w at offset %d: payload_len %d, record holds %d",
				ErrBadRecordLength, start, payloadLen, len(payload)))
			continue
		}
		if checksum.Unmask(storedCRC) != checksum.Value(payload) {
			r.report(int(4+recordLen), fmt.Errorf("%w at offset %d", ErrCorruptedRecord, start))
			continue
		}
		return payload, nil
	}
}

// finish handles a short read of n bytes that ended with err.
func (r *Reader) finish(n int, err error) error {
	r.done = true
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if n > 0 && r.reporter != nil {
			r.reporter.TruncatedTail(n)
		}
		return io.EOF
	}
	return err
}

func (r *Reader) report(n int, err error) {
	if r.reporter != nil {
		r.reporter.Corruption(n, err)
	}
}
