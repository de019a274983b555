package checksum

import (
	"bytes"
	"testing"
)

func TestCRC32CStandardResults(t *testing.T) {
	// RFC 3720 section B.4
	buf := make([]byte, 32)
	if got := Value(buf); got != 0x8a9136aa {
		t.Errorf("All zeros: got 0x%08x, want 0x8a9136aa", got)
	}

	for i := range buf {
		buf[i] = 0xFF
	}
	if got := Value(buf); got != 0x62a8ab43 {
		t.Errorf("All 0xFF: got 0x%08x, want 0x62a8ab43", got)
	}

	for i := range buf {
		buf[i] = byte(i)
	}
	if got := Value(buf); got != 0x46dd794e {
		t.Errorf("Ascending: got 0x%08x, want 0x46dd794e", got)
	}

	for i := range buf {
		buf[i] = byte(31 - i)
	}
	if got := Value(buf); got != 0x113fdb5c {
		t.Errorf("Descending: got 0x%08x, want 0x113fdb5c", got)
	}

	if got := Value([]byte("123456789")); got != 0xe3069283 {
		t.Errorf("check value: got 0x%08x, want 0xe3069283", got)
	}
}

func TestCRC32CExtend(t *testing.T) {
	data := []byte("hello world")
	whole := Value(data)
	if got := Extend(Value(data[:5]), data[5:]); got != whole {
		t.Errorf("Extend = 0x%08x, want 0x%08x", got, whole)
	}
}

func TestCRC32CMask(t *testing.T) {
	crc := Value([]byte("foo"))
	if Mask(crc) == crc {
		t.Error("Mask should change the value")
	}
	if Mask(Mask(crc)) == crc {
		t.Error("double Mask should not round trip")
	}
	if got := Unmask(Mask(crc)); got != crc {
		t.Errorf("Unmask(Mask(x)) = 0x%08x, want 0x%08x", got, crc)
	}
	if got := Unmask(Unmask(Mask(Mask(crc)))); got != crc {
		t.Errorf("double Unmask = 0x%08x, want 0x%08x", got, crc)
	}
	if MaskedValue([]byte("foo")) != Mask(crc) {
		t.Error("MaskedValue should equal Mask(Value)")
	}
}

func TestBlockChecksum(t *testing.T) {
	a := bytes.Repeat([]byte("block"), 100)
	sum := Block(a)
	if !VerifyBlock(a, sum) {
		t.Fatal("VerifyBlock should accept its own checksum")
	}
	if Block(a) != sum {
		t.Error("Block should be deterministic")
	}

	b := append([]byte(nil), a...)
	b[10] ^= 0x01
	if VerifyBlock(b, sum) {
		t.Error("VerifyBlock should reject a flipped bit")
	}
}
