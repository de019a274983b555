// Package compaction implements leveled compaction.
//
// A Picker inspects a Version and chooses input files; a Job merges them
// into new tables for the output level. Inputs are merged newest tier
// first, so for a key present in several inputs the shallower (or, within
// L0, the newer) file wins.
package compaction

import (
	"bytes"

	"github.com/aalhour/nextdb/internal/manifest"
)

// Compaction describes one unit of compaction work.
type Compaction struct {
	// Inputs in precedence order: the start level first, then the output level.
	Inputs []*InputFiles

	OutputLevel int

	// MaxOutputFileSize splits outputs once a table reaches this size.
	MaxOutputFileSize uint64

	// Key range across all inputs.
	SmallestKey []byte
	LargestKey  []byte

	// NextCursor, when set, is recorded as the start level's compaction cursor.
	NextCursor []byte

	Score  float64
	Reason Reason
}

// InputFiles are the inputs taken from one level.
type InputFiles struct {
	Level int
	Files []*manifest.FileMetaData
}

// Reason indicates why a compaction was picked.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileNumTrigger
	ReasonLevelMaxSize
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileNumTrigger:
		return "L0 file count"
	case ReasonLevelMaxSize:
		return "level size"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// newCompaction builds a Compaction and computes its key range.
func newCompaction(inputs []*InputFiles, outputLevel int, maxOutput uint64) *Compaction {
	c := &Compaction{
		Inputs:            inputs,
		OutputLevel:       outputLevel,
		MaxOutputFileSize: maxOutput,
	}
	c.computeKeyRange()
	return c
}

// NumInputFiles returns the total number of input files.
func (c *Compaction) NumInputFiles() int {
	total := 0
	for _, in := range c.Inputs {
		total += len(in.Files)
	}
	return total
}

// StartLevel returns the level compaction reads from.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// InputBytes returns the total size of the inputs.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			n += f.Size
		}
	}
	return n
}

// IsTrivialMove reports whether the single input file can be moved to the
// output level without rewriting: one file from a level >= 1 with nothing
// to merge against.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.Inputs) == 1 && c.Inputs[0].Level > 0 && len(c.Inputs[0].Files) == 1 &&
		c.OutputLevel == c.Inputs[0].Level+1
}

func (c *Compaction) computeKeyRange() {
	c.SmallestKey, c.LargestKey = nil, nil
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			if c.SmallestKey == nil || bytes.Compare(f.Smallest, c.SmallestKey) < 0 {
				c.SmallestKey = f.Smallest
			}
			if c.LargestKey == nil || bytes.Compare(f.Largest, c.LargestKey) > 0 {
				c.LargestKey = f.Largest
			}
		}
	}
}

// Edit returns the VersionEdit that replaces the inputs with outputs.
func (c *Compaction) Edit(outputs []*manifest.FileMetaData) *manifest.VersionEdit {
	edit := &manifest.VersionEdit{}
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.Number)
		}
	}
	for _, f := range outputs {
		edit.AddFile(c.OutputLevel, f)
	}
	if c.NextCursor != nil {
		edit.SetCompactCursor(c.StartLevel(), c.NextCursor)
	}
	return edit
}
