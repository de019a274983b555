package table

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/encoding"
)

// blockBuilder accumulates encoded entries for one data block.
type blockBuilder struct {
	buf      []byte
	firstKey []byte
	count    int
}

func (b *blockBuilder) add(e *dbformat.Entry) {
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], e.Key...)
	}
	b.buf = dbformat.AppendEntry(b.buf, e)
	b.count++
}

func (b *blockBuilder) size() int   { return len(b.buf) }
func (b *blockBuilder) empty() bool { return b.count == 0 }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// decodeBlock parses a decompressed data block. Entries alias data.
func decodeBlock(data []byte) ([]dbformat.Entry, error) {
	var out []dbformat.Entry
	d := encoding.NewDecoder(data)
	for d.Remaining() > 0 {
		e, err := dbformat.DecodeEntry(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// searchBlock returns the index of the first entry with key >= target.
func searchBlock(entries []dbformat.Entry, target []byte) int {
	return sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, target) >= 0
	})
}
