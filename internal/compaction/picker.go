package compaction

import (
	"bytes"

	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/version"
)

// Picker implements the leveled compaction policy.
type Picker struct {
	NumLevels           int
	L0CompactionTrigger int

	// TargetFileSize is both the output split size and the base of the
	// per-level byte budget TargetFileSize * LevelSizeMultiplier^level.
	TargetFileSize      uint64
	LevelSizeMultiplier float64
}

// DefaultPicker returns a picker with default settings.
func DefaultPicker() *Picker {
	return &Picker{
		NumLevels:           version.DefaultNumLevels,
		L0CompactionTrigger: 4,
		TargetFileSize:      64 << 20,
		LevelSizeMultiplier: 10,
	}
}

// NeedsCompaction returns true if any level is over its budget.
func (p *Picker) NeedsCompaction(v *version.Version) bool {
	if p.L0CompactionTrigger > 0 && v.NumFiles(0) >= p.L0CompactionTrigger {
		return true
	}
	for level := 1; level < p.NumLevels-1; level++ {
		if p.score(v, level) >= 1 {
			return true
		}
	}
	return false
}

// PickCompaction selects the next compaction, or nil. cursor returns the
// persisted round-robin position of a level.
func (p *Picker) PickCompaction(v *version.Version, cursor func(level int) []byte) *Compaction {
	if p.L0CompactionTrigger > 0 && v.NumFiles(0) >= p.L0CompactionTrigger {
		c := p.pickL0(v)
		if c != nil {
			c.Reason = ReasonL0FileNumTrigger
			c.Score = float64(v.NumFiles(0)) / float64(p.L0CompactionTrigger)
		}
		return c
	}

	bestLevel, bestScore := -1, 0.0
	for level := 1; level < p.NumLevels-1; level++ {
		if s := p.score(v, level); s > bestScore {
			bestLevel, bestScore = level, s
		}
	}
	if bestLevel < 0 || bestScore < 1 {
		return nil
	}
	var start []byte
	if cursor != nil {
		start = cursor(bestLevel)
	}
	c := p.pickLevel(v, bestLevel, start)
	if c != nil {
		c.Reason = ReasonLevelMaxSize
		c.Score = bestScore
	}
	return c
}

// PickManual compacts every file of level into level+1.
func (p *Picker) PickManual(v *version.Version, level int) *Compaction {
	if level < 0 || level >= p.NumLevels-1 || v.NumFiles(level) == 0 {
		return nil
	}
	var c *Compaction
	if level == 0 {
		c = p.pickL0(v)
	} else {
		files := v.Files(level)
		in := &InputFiles{Level: level, Files: append([]*manifest.FileMetaData(nil), files...)}
		c = p.withOverlaps(v, in)
	}
	c.Reason = ReasonManual
	return c
}

func (p *Picker) score(v *version.Version, level int) float64 {
	target := p.MaxBytesForLevel(level)
	if target == 0 {
		return 0
	}
	return float64(v.NumLevelBytes(level)) / float64(target)
}

// MaxBytesForLevel returns the byte budget of level (>= 1).
func (p *Picker) MaxBytesForLevel(level int) uint64 {
	size := float64(p.TargetFileSize)
	for range level {
		size *= p.LevelSizeMultiplier
	}
	return uint64(size)
}

// pickL0 takes every L0 file plus the overlapping L1 files.
func (p *Picker) pickL0(v *version.Version) *Compaction {
	l0 := v.Files(0)
	if len(l0) == 0 {
		return nil
	}
	in := &InputFiles{Level: 0, Files: append([]*manifest.FileMetaData(nil), l0...)}
	return p.withOverlaps(v, in)
}

// pickLevel takes the first file of level past cursor, wrapping around, plus
// the overlapping files one level down.
func (p *Picker) pickLevel(v *version.Version, level int, cursor []byte) *Compaction {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	picked := files[0]
	if cursor != nil {
		for _, f := range files {
			if bytes.Compare(f.Smallest, cursor) > 0 {
				picked = f
				break
			}
		}
	}
	c := p.withOverlaps(v, &InputFiles{Level: level, Files: []*manifest.FileMetaData{picked}})
	c.NextCursor = picked.Smallest
	return c
}

func (p *Picker) withOverlaps(v *version.Version, in *InputFiles) *Compaction {
	inputs := []*InputFiles{in}
	c := newCompaction(inputs, in.Level+1, p.TargetFileSize)
	if next := v.OverlappingInputs(in.Level+1, c.SmallestKey, c.LargestKey); len(next) > 0 {
		c.Inputs = append(c.Inputs, &InputFiles{Level: in.Level + 1, Files: next})
		c.computeKeyRange()
	}
	return c
}
