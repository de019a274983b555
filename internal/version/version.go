// Package version manages the level array of an LSM tree.
//
// A Version is an immutable snapshot of which SST files live on which
// level. Readers pin a Version with Ref and release it with Unref; a new
// Version is installed by the VersionSet for every flush and compaction,
// and files dropped by an edit are reported obsolete only after the last
// Version that references them is released.
package version

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/aalhour/nextdb/internal/manifest"
)

// DefaultNumLevels is the default depth of the tree.
const DefaultNumLevels = 7

// Version is one immutable level array.
type Version struct {
	// L0 is sorted by file number, oldest first. Deeper levels hold
	// non-overlapping files sorted by smallest key.
	files [][]*manifest.FileMetaData

	refs   atomic.Int32
	vset   *VersionSet
	number uint64
}

func newVersion(vset *VersionSet, numLevels int) *Version {
	return &Version{
		vset:  vset,
		files: make([][]*manifest.FileMetaData, numLevels),
	}
}

// Ref pins the version.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases a pin. The last release hands the version's files back to
// the VersionSet, which reports any that are no longer referenced.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 && v.vset != nil {
		v.vset.release(v)
	}
}

// Number identifies the version for logs.
func (v *Version) Number() uint64 { return v.number }

// NumLevels returns the number of levels.
func (v *Version) NumLevels() int { return len(v.files) }

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= len(v.files) {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level. The slice must not be modified.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// TotalFiles returns the number of files across all levels.
func (v *Version) TotalFiles() int {
	total := 0
	for _, files := range v.files {
		total += len(files)
	}
	return total
}

// NumLevelBytes returns the total size of the files at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	var size uint64
	for _, f := range v.Files(level) {
		size += f.Size
	}
	return size
}

// OverlappingInputs returns the files at level whose key range intersects
// [begin, end]. A nil bound is unbounded.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	var result []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if overlaps(f, begin, end) {
			result = append(result, f)
		}
	}
	return result
}

// OverlapInLevel reports whether any file at level intersects [begin, end].
func (v *Version) OverlapInLevel(level int, begin, end []byte) bool {
	if level == 0 {
		return len(v.OverlappingInputs(0, begin, end)) > 0
	}
	files := v.Files(level)
	i := findFile(files, begin)
	return i < len(files) && (end == nil || bytes.Compare(files[i].Smallest, end) <= 0)
}

// FilesForKey returns the files that may hold key, in lookup order: at L0
// every overlapping file newest first, deeper levels at most one file.
func (v *Version) FilesForKey(level int, key []byte) []*manifest.FileMetaData {
	files := v.Files(level)
	if level == 0 {
		var out []*manifest.FileMetaData
		for i := len(files) - 1; i >= 0; i-- {
			if overlaps(files[i], key, key) {
				out = append(out, files[i])
			}
		}
		return out
	}
	i := findFile(files, key)
	if i < len(files) && bytes.Compare(files[i].Smallest, key) <= 0 {
		return files[i : i+1]
	}
	return nil
}

// findFile returns the index of the first file whose largest key is >= key.
func findFile(files []*manifest.FileMetaData, key []byte) int {
	if key == nil {
		return 0
	}
	return sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].Largest, key) >= 0
	})
}

func overlaps(f *manifest.FileMetaData, begin, end []byte) bool {
	if begin != nil && bytes.Compare(f.Largest, begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(f.Smallest, end) > 0 {
		return false
	}
	return true
}
