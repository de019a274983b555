package manifest

import (
	"errors"
	"fmt"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/encoding"
)

var (
	// ErrCorruption is returned for an undecodable edit or MANIFEST record.
	ErrCorruption = errors.New("manifest: corruption")

	// ErrUnknownRequiredTag is returned for an unknown tag without the
	// safe-ignore bit.
	ErrUnknownRequiredTag = errors.New("manifest: unknown required tag")
)

// FileMetaData describes one SST file in the level array.
type FileMetaData struct {
	Number     uint64
	Size       uint64
	Smallest   []byte
	Largest    []byte
	NumEntries uint64
}

// DeletedFile names a file removed from a level.
type DeletedFile struct {
	Level  int
	Number uint64
}

// NewFile places a file on a level.
type NewFile struct {
	Level int
	Meta  *FileMetaData
}

// CompactCursor records where the next size-triggered compaction of a
// level resumes.
type CompactCursor struct {
	Level int
	Key   []byte
}

// VersionEdit is a delta applied to the level array and its counters.
type VersionEdit struct {
	DBID    string
	HasDBID bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    dbformat.SequenceNumber
	HasLastSequence bool

	AppliedIndex    uint64
	HasAppliedIndex bool

	CompactCursors []CompactCursor
	DeletedFiles   []DeletedFile
	NewFiles       []NewFile
}

// SetNextFileNumber records the next unused file number.
func (ve *VersionEdit) SetNextFileNumber(n uint64) {
	ve.NextFileNumber = n
	ve.HasNextFileNumber = true
}

// SetLastSequence records the last assigned sequence number.
func (ve *VersionEdit) SetLastSequence(seq dbformat.SequenceNumber) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// SetAppliedIndex records an opaque external log position.
func (ve *VersionEdit) SetAppliedIndex(idx uint64) {
	ve.AppliedIndex = idx
	ve.HasAppliedIndex = true
}

// SetDBID records the database identity.
func (ve *VersionEdit) SetDBID(id string) {
	ve.DBID = id
	ve.HasDBID = true
}

// AddFile adds a file to level.
func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFile{Level: level, Meta: meta})
}

// DeleteFile removes file number from level.
func (ve *VersionEdit) DeleteFile(level int, number uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFile{Level: level, Number: number})
}

// SetCompactCursor records the compaction cursor of level.
func (ve *VersionEdit) SetCompactCursor(level int, key []byte) {
	ve.CompactCursors = append(ve.CompactCursors, CompactCursor{Level: level, Key: key})
}

// EncodeTo serializes the edit.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte

	if ve.HasDBID {
		dst = encoding.AppendVarint32(dst, uint32(TagDBID))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.DBID))
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextFileNumber))
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, uint32(TagLastSequence))
		dst = encoding.AppendVarint64(dst, uint64(ve.LastSequence))
	}
	if ve.HasAppliedIndex {
		dst = encoding.AppendVarint32(dst, uint32(TagAppliedIndex))
		dst = encoding.AppendVarint64(dst, ve.AppliedIndex)
	}
	for _, cc := range ve.CompactCursors {
		dst = encoding.AppendVarint32(dst, uint32(TagCompactCursor))
		dst = encoding.AppendVarint32(dst, uint32(cc.Level))
		dst = encoding.AppendLengthPrefixedSlice(dst, cc.Key)
	}
	for _, df := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedFile))
		dst = encoding.AppendVarint32(dst, uint32(df.Level))
		dst = encoding.AppendVarint64(dst, df.Number)
	}
	for _, nf := range ve.NewFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagNewFile))
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encoding.AppendVarint64(dst, nf.Meta.Number)
		dst = encoding.AppendVarint64(dst, nf.Meta.Size)
		dst = encoding.AppendLengthPrefixedSlice(dst, nf.Meta.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, nf.Meta.Largest)
		dst = encoding.AppendVarint64(dst, nf.Meta.NumEntries)
	}
	return dst
}

// DecodeFrom replaces the edit's contents with the decoded data.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	*ve = VersionEdit{}
	d := encoding.NewDecoder(data)

	for d.Remaining() > 0 {
		tagVal, ok := d.GetVarint32()
		if !ok {
			return fmt.Errorf("%w: bad tag at offset %d", ErrCorruption, d.Offset())
		}
		tag := Tag(tagVal)

		switch tag {
		case TagDBID:
			v, ok := d.GetLengthPrefixedSlice()
			if !ok {
				return corrupt("db id")
			}
			ve.SetDBID(string(v))

		case TagNextFileNumber:
			v, ok := d.GetVarint64()
			if !ok {
				return corrupt("next file number")
			}
			ve.SetNextFileNumber(v)

		case TagLastSequence:
			v, ok := d.GetVarint64()
			if !ok {
				return corrupt("last sequence")
			}
			ve.SetLastSequence(dbformat.SequenceNumber(v))

		case TagAppliedIndex:
			v, ok := d.GetVarint64()
			if !ok {
				return corrupt("applied index")
			}
			ve.SetAppliedIndex(v)

		case TagCompactCursor:
			level, ok := d.GetVarint32()
			if !ok {
				return corrupt("compact cursor level")
			}
			key, ok := d.GetLengthPrefixedSlice()
			if !ok {
				return corrupt("compact cursor key")
			}
			ve.SetCompactCursor(int(level), clone(key))

		case TagDeletedFile:
			level, ok := d.GetVarint32()
			if !ok {
				return corrupt("deleted file level")
			}
			num, ok := d.GetVarint64()
			if !ok {
				return corrupt("deleted file number")
			}
			ve.DeleteFile(int(level), num)

		case TagNewFile:
			if err := ve.decodeNewFile(d); err != nil {
				return err
			}

		default:
			if !tag.IsSafeToIgnore() {
				return fmt.Errorf("%w: %d", ErrUnknownRequiredTag, tagVal)
			}
			if _, ok := d.GetLengthPrefixedSlice(); !ok {
				return corrupt("ignorable field")
			}
		}
	}
	return nil
}

func (ve *VersionEdit) decodeNewFile(d *encoding.Decoder) error {
	level, ok := d.GetVarint32()
	if !ok {
		return corrupt("new file level")
	}
	meta := &FileMetaData{}
	if meta.Number, ok = d.GetVarint64(); !ok {
		return corrupt("new file number")
	}
	if meta.Size, ok = d.GetVarint64(); !ok {
		return corrupt("new file size")
	}
	smallest, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return corrupt("new file smallest key")
	}
	largest, ok := d.GetLengthPrefixedSlice()
	if !ok {
		return corrupt("new file largest key")
	}
	if meta.NumEntries, ok = d.GetVarint64(); !ok {
		return corrupt("new file entries")
	}
	meta.Smallest, meta.Largest = clone(smallest), clone(largest)
	ve.AddFile(int(level), meta)
	return nil
}

func corrupt(field string) error {
	return fmt.Errorf("%w: truncated %s", ErrCorruption, field)
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
