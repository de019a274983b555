// Package manifest encodes VersionEdits and maintains the MANIFEST file.
//
// The MANIFEST is a log of VersionEdit records framed exactly like WAL
// records. Replaying it in order reconstructs the level array, the next
// file number, the last sequence number and the applied index.
package manifest

// Tag identifies a VersionEdit field.
// These numbers are written to disk and MUST NOT change.
type Tag uint32

const (
	TagNextFileNumber Tag = 3
	TagLastSequence   Tag = 4
	TagCompactCursor  Tag = 5
	TagDeletedFile    Tag = 6
	TagNewFile        Tag = 7
	TagAppliedIndex   Tag = 8

	// TagSafeIgnoreMask marks tags an older reader may skip. Such fields
	// are always encoded as a length-prefixed slice.
	TagSafeIgnoreMask Tag = 1 << 13

	TagDBID Tag = TagSafeIgnoreMask | 1
)

// IsSafeToIgnore returns true if the tag can be skipped when unknown.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}
