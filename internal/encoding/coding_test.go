package encoding

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestFixedRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	for _, v := range []uint32{0, 1, 255, 256, 0xdeadbeef, math.MaxUint32} {
		EncodeFixed32(buf, v)
		if got := DecodeFixed32(buf); got != v {
			t.Errorf("Fixed32 round trip: got %d, want %d", got, v)
		}
	}
	for _, v := range []uint64{0, 1, 1 << 40, math.MaxUint64} {
		EncodeFixed64(buf, v)
		if got := DecodeFixed64(buf); got != v {
			t.Errorf("Fixed64 round trip: got %d, want %d", got, v)
		}
	}
}

func TestFixedLittleEndian(t *testing.T) {
	got := AppendFixed32(nil, 0x04030201)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("AppendFixed32 = %v, want [1 2 3 4]", got)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16383, 16384, 1 << 32, math.MaxUint64}
	for _, v := range values {
		enc := AppendVarint64(nil, v)
		if len(enc) != VarintLength(v) {
			t.Errorf("VarintLength(%d) = %d, encoded %d bytes", v, VarintLength(v), len(enc))
		}
		got, n, err := DecodeVarint64(enc)
		if err != nil {
			t.Fatalf("DecodeVarint64(%d) error = %v", v, err)
		}
		if got != v || n != len(enc) {
			t.Errorf("DecodeVarint64 = (%d, %d), want (%d, %d)", got, n, v, len(enc))
		}
	}
}

func TestVarint32Overflow(t *testing.T) {
	enc := AppendVarint64(nil, 1<<33)
	if _, _, err := DecodeVarint32(enc); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("DecodeVarint32 error = %v, want ErrVarintOverflow", err)
	}
}

func TestVarintTruncated(t *testing.T) {
	if _, _, err := DecodeVarint64([]byte{0x80, 0x80}); !errors.Is(err, ErrVarintTermination) {
		t.Errorf("DecodeVarint64 error = %v, want ErrVarintTermination", err)
	}
}

func TestDecoderSequence(t *testing.T) {
	var buf []byte
	buf = append(buf, 7)
	buf = AppendFixed32(buf, 42)
	buf = AppendVarint64(buf, 1<<50)
	buf = AppendLengthPrefixedSlice(buf, []byte("hello"))
	buf = AppendFixed64(buf, 99)

	d := NewDecoder(buf)
	if b, ok := d.GetByte(); !ok || b != 7 {
		t.Fatalf("GetByte = (%d, %v)", b, ok)
	}
	if v, ok := d.GetFixed32(); !ok || v != 42 {
		t.Fatalf("GetFixed32 = (%d, %v)", v, ok)
	}
	if v, ok := d.GetVarint64(); !ok || v != 1<<50 {
		t.Fatalf("GetVarint64 = (%d, %v)", v, ok)
	}
	if s, ok := d.GetLengthPrefixedSlice(); !ok || string(s) != "hello" {
		t.Fatalf("GetLengthPrefixedSlice = (%q, %v)", s, ok)
	}
	if v, ok := d.GetFixed64(); !ok || v != 99 {
		t.Fatalf("GetFixed64 = (%d, %v)", v, ok)
	}
	if d.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining())
	}
	if _, ok := d.GetByte(); ok {
		t.Error("GetByte on exhausted decoder should fail")
	}
}

func TestDecoderShortSlice(t *testing.T) {
	buf := AppendVarint32(nil, 10)
	buf = append(buf, "abc"...)
	d := NewDecoder(buf)
	if _, ok := d.GetLengthPrefixedSlice(); ok {
		t.Error("GetLengthPrefixedSlice should fail when length exceeds input")
	}
	if d.Offset() != 0 {
		t.Errorf("Offset = %d, want 0 after failed read", d.Offset())
	}
}
