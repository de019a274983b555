// Package dbformat defines the record types shared by the WAL, memtable and
// SST layers, and their binary encodings.
//
// A record is a user key, a kind (value or tombstone), an optional value and
// the sequence number that ordered the mutation.
//
// Entry layout (SST data blocks):
//
//	varint key_len | key | u8 kind | varint value_len | value | u64 seq
//
// KVPair layout (WAL payloads) adds the wall-clock timestamp before seq:
//
//	varint key_len | key | u8 kind | varint value_len | value | u64 ts_ms | u64 seq
package dbformat

import (
	"errors"
	"fmt"

	"github.com/aalhour/nextdb/internal/encoding"
)

// SequenceNumber totally orders mutations within one engine instance.
type SequenceNumber uint64

// MaxSequenceNumber is the largest representable sequence number.
const MaxSequenceNumber SequenceNumber = ^SequenceNumber(0)

// ValueType distinguishes live values from tombstones.
// These values are embedded in the on-disk formats and MUST NOT change.
type ValueType uint8

const (
	TypeDeletion ValueType = 0x00
	TypeValue    ValueType = 0x01
)

// String returns "value" or "tombstone".
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "tombstone"
	case TypeValue:
		return "value"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	// ErrCorruptedRecord is returned when an encoded record cannot be decoded.
	ErrCorruptedRecord = errors.New("dbformat: corrupted record")

	// ErrInvalidValueType is returned when the kind byte is not recognized.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// Entry is one key version as stored in the memtable and in SST blocks.
type Entry struct {
	Key      []byte
	Value    []byte
	Type     ValueType
	Sequence SequenceNumber
}

// IsTombstone reports whether e marks a deletion.
func (e *Entry) IsTombstone() bool {
	return e.Type == TypeDeletion
}

// EncodedLen returns the number of bytes AppendEntry would write.
func (e *Entry) EncodedLen() int {
	return encoding.VarintLength(uint64(len(e.Key))) + len(e.Key) + 1 +
		encoding.VarintLength(uint64(len(e.Value))) + len(e.Value) + 8
}

// AppendEntry appends the block encoding of e to dst.
func AppendEntry(dst []byte, e *Entry) []byte {
	dst = encoding.AppendLengthPrefixedSlice(dst, e.Key)
	dst = append(dst, byte(e.Type))
	dst = encoding.AppendLengthPrefixedSlice(dst, e.Value)
	return encoding.AppendFixed64(dst, uint64(e.Sequence))
}

// DecodeEntry reads one entry from d. Key and Value alias d's input.
func DecodeEntry(d *encoding.Decoder) (Entry, error) {
	var e Entry
	key, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return e, fmt.Errorf("%w: key", ErrCorruptedRecord)
	}
	kind, ok := d.GetByte()
	if !ok {
		return e, fmt.Errorf("%w: kind", ErrCorruptedRecord)
	}
	if kind > byte(TypeValue) {
		return e, fmt.Errorf("%w: %d", ErrInvalidValueType, kind)
	}
	value, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return e, fmt.Errorf("%w: value", ErrCorruptedRecord)
	}
	seq, ok := d.GetFixed64()
	if !ok {
		return e, fmt.Errorf("%w: sequence", ErrCorruptedRecord)
	}
	e.Key = key
	e.Type = ValueType(kind)
	if e.Type == TypeValue {
		e.Value = value
	}
	e.Sequence = SequenceNumber(seq)
	return e, nil
}

// KVPair is the unit of WAL logging: one mutation with its timestamp.
// A nil Value with Type == TypeDeletion is a tombstone.
type KVPair struct {
	Key         []byte
	Value       []byte
	Type        ValueType
	TimestampMs uint64
	Sequence    SequenceNumber
}

// EncodeKVPair returns the WAL payload encoding of kv.
func EncodeKVPair(kv *KVPair) []byte {
	n := encoding.VarintLength(uint64(len(kv.Key))) + len(kv.Key) + 1 +
		encoding.VarintLength(uint64(len(kv.Value))) + len(kv.Value) + 16
	dst := make([]byte, 0, n)
	dst = encoding.AppendLengthPrefixedSlice(dst, kv.Key)
	dst = append(dst, byte(kv.Type))
	dst = encoding.AppendLengthPrefixedSlice(dst, kv.Value)
	dst = encoding.AppendFixed64(dst, kv.TimestampMs)
	return encoding.AppendFixed64(dst, uint64(kv.Sequence))
}

// DecodeKVPair parses a WAL payload. The returned slices are copies.
func DecodeKVPair(payload []byte) (KVPair, error) {
	var kv KVPair
	d := encoding.NewDecoder(payload)
	key, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return kv, fmt.Errorf("%w: key", ErrCorruptedRecord)
	}
	kind, ok := d.GetByte()
	if !ok {
		return kv, fmt.Errorf("%w: kind", ErrCorruptedRecord)
	}
	if kind > byte(TypeValue) {
		return kv, fmt.Errorf("%w: %d", ErrInvalidValueType, kind)
	}
	value, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return kv, fmt.Errorf("%w: value", ErrCorruptedRecord)
	}
	ts, ok := d.GetFixed64()
	if !ok {
		return kv, fmt.Errorf("%w: timestamp", ErrCorruptedRecord)
	}
	seq, ok := d.GetFixed64()
	if !ok {
		return kv, fmt.Errorf("%w: sequence", ErrCorruptedRecord)
	}
	if d.Remaining() != 0 {
		return kv, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedRecord, d.Remaining())
	}

	kv.Key = append([]byte(nil), key...)
	kv.Type = ValueType(kind)
	if kv.Type == TypeValue {
		kv.Value = append([]byte{}, value...)
	}
	kv.TimestampMs = ts
	kv.Sequence = SequenceNumber(seq)
	return kv, nil
}
