// Package filter implements the per-table Bloom filter.
//
// Filters are built with github.com/bits-and-blooms/bloom/v3 and stored in
// its binary form. A filter answers "definitely absent" or "maybe present"
// for a key, letting a point lookup skip tables that cannot hold it.
package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bloom/v3"
)

// ErrCorruptFilter is returned when a stored filter cannot be decoded.
var ErrCorruptFilter = errors.New("filter: corrupt bloom filter")

// BloomFilterBuilder accumulates keys and produces a serialized filter.
type BloomFilterBuilder struct {
	bitsPerKey int
	keys       [][]byte
}

// NewBloomFilterBuilder creates a builder. bitsPerKey controls accuracy
// (10 gives roughly a 1% false positive rate).
func NewBloomFilterBuilder(bitsPerKey int) *BloomFilterBuilder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &BloomFilterBuilder{bitsPerKey: bitsPerKey}
}

// AddKey adds a key. The key is copied.
func (b *BloomFilterBuilder) AddKey(key []byte) {
	b.keys = append(b.keys, append([]byte(nil), key...))
}

// NumKeys returns the number of keys added.
func (b *BloomFilterBuilder) NumKeys() int {
	return len(b.keys)
}

// numProbes picks k = bitsPerKey * ln(2), the optimum for a given density.
func numProbes(bitsPerKey int) uint {
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	return uint(min(max(k, 1), 30))
}

// Finish builds the filter and returns its binary encoding.
func (b *BloomFilterBuilder) Finish() ([]byte, error) {
	m := uint(max(len(b.keys)*b.bitsPerKey, 64))
	bf := bloom.New(m, numProbes(b.bitsPerKey))
	for _, k := range b.keys {
		bf.Add(k)
	}
	data, err := bf.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("filter: marshal: %w", err)
	}
	b.keys = nil
	return data, nil
}

// BloomFilterReader answers membership queries against a stored filter.
type BloomFilterReader struct {
	bf *bloom.BloomFilter
}

// NewBloomFilterReader decodes a filter produced by BloomFilterBuilder.
func NewBloomFilterReader(data []byte) (*BloomFilterReader, error) {
	var bf bloom.BloomFilter
	if err := bf.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFilter, err)
	}
	if bf.Cap() == 0 || bf.K() == 0 {
		return nil, ErrCorruptFilter
	}
	return &BloomFilterReader{bf: &bf}, nil
}

// MayContain returns false only if key was definitely not added.
func (r *BloomFilterReader) MayContain(key []byte) bool {
	return r.bf.Test(key)
}

// Bits returns the filter size in bits.
func (r *BloomFilterReader) Bits() uint {
	return r.bf.Cap()
}
