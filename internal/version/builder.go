package version

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/aalhour/nextdb/internal/manifest"
)

// Builder accumulates edits on top of a base Version without creating
// intermediate versions.
//
//	b := newBuilder(vset, base)
//	b.Apply(edit1)
//	b.Apply(edit2)
//	v := b.saveTo()
type Builder struct {
	vset    *VersionSet
	base    *Version
	added   []map[uint64]*manifest.FileMetaData
	deleted []map[uint64]struct{}
}

func newBuilder(vset *VersionSet, base *Version) *Builder {
	n := vset.numLevels
	b := &Builder{
		vset:    vset,
		base:    base,
		added:   make([]map[uint64]*manifest.FileMetaData, n),
		deleted: make([]map[uint64]struct{}, n),
	}
	for i := range n {
		b.added[i] = make(map[uint64]*manifest.FileMetaData)
		b.deleted[i] = make(map[uint64]struct{})
	}
	return b
}

// Apply folds one edit into the builder.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= len(b.deleted) {
			return fmt.Errorf("%w: delete of file %d at level %d", manifest.ErrCorruption, df.Number, df.Level)
		}
		if _, ok := b.added[df.Level][df.Number]; ok {
			delete(b.added[df.Level], df.Number)
			continue
		}
		b.deleted[df.Level][df.Number] = struct{}{}
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= len(b.added) {
			return fmt.Errorf("%w: file %d added at level %d", manifest.ErrCorruption, nf.Meta.Number, nf.Level)
		}
		delete(b.deleted[nf.Level], nf.Meta.Number)
		b.added[nf.Level][nf.Meta.Number] = nf.Meta
	}
	return nil
}

// saveTo produces the resulting Version.
func (b *Builder) saveTo() (*Version, error) {
	v := newVersion(b.vset, len(b.added))
	for level := range b.added {
		var files []*manifest.FileMetaData
		if b.base != nil {
			for _, f := range b.base.Files(level) {
				if _, gone := b.deleted[level][f.Number]; !gone {
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}

		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })
		} else {
			sort.Slice(files, func(i, j int) bool { return bytes.Compare(files[i].Smallest, files[j].Smallest) < 0 })
			for i := 1; i < len(files); i++ {
				if bytes.Compare(files[i-1].Largest, files[i].Smallest) >= 0 {
					return nil, fmt.Errorf("%w: level %d files %d and %d overlap",
						manifest.ErrCorruption, level, files[i-1].Number, files[i].Number)
				}
			}
		}
		v.files[level] = files
	}
	return v, nil
}
