package compaction

import (
	"fmt"
	"path/filepath"

	"github.com/aalhour/nextdb/internal/iterator"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/table"
	"github.com/aalhour/nextdb/internal/version"
	"github.com/aalhour/nextdb/vfs"
)

// JobOptions carries what a Job needs from the engine.
type JobOptions struct {
	Dir        string
	FS         vfs.FS
	TableCache *table.TableCache
	Builder    table.BuilderOptions

	// NewFileNumber allocates output file numbers.
	NewFileNumber func() uint64

	// Version is the Version the compaction was picked from. It decides
	// whether a tombstone still shadows data in deeper levels.
	Version *version.Version

	Logger logging.Logger
}

// Stats summarizes a finished job.
type Stats struct {
	InputEntries      uint64
	OutputEntries     uint64
	ShadowedEntries   uint64
	DroppedTombstones uint64
	OutputFiles       int
	OutputBytes       uint64
}

// Job performs a single compaction.
type Job struct {
	c      *Compaction
	opts   JobOptions
	logger logging.Logger

	builder *table.Builder
	number  uint64
	outputs []*manifest.FileMetaData
	stats   Stats
}

// NewJob creates a job for c.
func NewJob(c *Compaction, opts JobOptions) *Job {
	return &Job{
		c:      c,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
	}
}

// Stats returns the job's counters.
func (j *Job) Stats() Stats { return j.stats }

func (j *Job) tablePath(n uint64) string {
	return filepath.Join(j.opts.Dir, table.TableFileName(n))
}

// Run executes the compaction and returns the output files. On error every
// output written so far is removed.
func (j *Job) Run() ([]*manifest.FileMetaData, error) {
	if j.c.IsTrivialMove() {
		f := j.c.Inputs[0].Files[0]
		j.stats.OutputFiles = 1
		j.stats.OutputBytes = f.Size
		return []*manifest.FileMetaData{f}, nil
	}

	readers, children, err := j.openInputs()
	defer func() {
		for _, r := range readers {
			j.opts.TableCache.Release(r.num, r.reader)
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("open compaction inputs: %w", err)
	}

	if err := j.merge(iterator.NewMergingIterator(children)); err != nil {
		j.cleanup()
		return nil, err
	}
	return j.outputs, nil
}

type openReader struct {
	num    uint64
	reader *table.Reader
}

// openInputs returns one child per input file in precedence order: L0
// newest first, then each deeper level.
func (j *Job) openInputs() ([]openReader, []iterator.Iterator, error) {
	var readers []openReader
	var children []iterator.Iterator
	open := func(f *manifest.FileMetaData) error {
		r, err := j.opts.TableCache.Get(f.Number, j.tablePath(f.Number))
		if err != nil {
			return err
		}
		readers = append(readers, openReader{num: f.Number, reader: r})
		children = append(children, r.NewIterator())
		return nil
	}
	for _, in := range j.c.Inputs {
		if in.Level == 0 {
			for i := len(in.Files) - 1; i >= 0; i-- {
				if err := open(in.Files[i]); err != nil {
					return readers, nil, err
				}
			}
			continue
		}
		for _, f := range in.Files {
			if err := open(f); err != nil {
				return readers, nil, err
			}
		}
	}
	return readers, children, nil
}

func (j *Job) merge(it *iterator.MergingIterator) error {
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			j.stats.InputEntries += f.NumEntries
		}
	}

	for it.SeekToFirst(); it.Valid(); it.Next() {
		e := it.Entry()
		if e.IsTombstone() && !j.shadowsDeeper(e.Key) {
			j.stats.DroppedTombstones++
			continue
		}
		if j.builder == nil {
			if err := j.startOutput(); err != nil {
				return err
			}
		}
		if err := j.builder.Add(&e); err != nil {
			return fmt.Errorf("compaction output %d: %w", j.number, err)
		}
		j.stats.OutputEntries++
		if j.builder.FileSize() >= j.c.MaxOutputFileSize {
			if err := j.finishOutput(); err != nil {
				return err
			}
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("compaction input: %w", err)
	}
	if j.builder != nil {
		if err := j.finishOutput(); err != nil {
			return err
		}
	}
	j.stats.ShadowedEntries = j.stats.InputEntries - j.stats.OutputEntries - j.stats.DroppedTombstones
	return nil
}

// shadowsDeeper reports whether a level below the output level may hold an
// older version of key that a tombstone must keep hiding.
func (j *Job) shadowsDeeper(key []byte) bool {
	v := j.opts.Version
	for level := j.c.OutputLevel + 1; level < v.NumLevels(); level++ {
		if v.OverlapInLevel(level, key, key) {
			return true
		}
	}
	return false
}

func (j *Job) startOutput() error {
	j.number = j.opts.NewFileNumber()
	b, err := table.NewBuilder(j.opts.FS, j.tablePath(j.number), j.opts.Builder)
	if err != nil {
		return err
	}
	j.builder = b
	return nil
}

func (j *Job) finishOutput() error {
	b := j.builder
	j.builder = nil
	meta := &manifest.FileMetaData{
		Number:     j.number,
		Smallest:   append([]byte(nil), b.SmallestKey()...),
		Largest:    append([]byte(nil), b.LargestKey()...),
		NumEntries: b.NumEntries(),
	}
	r, err := b.Finish()
	if err != nil {
		return fmt.Errorf("finish compaction output %s: %w", filepath.Base(b.Path()), err)
	}
	meta.Size = r.FileSize()
	j.opts.TableCache.Add(meta.Number, r)
	j.outputs = append(j.outputs, meta)
	j.stats.OutputFiles++
	j.stats.OutputBytes += meta.Size
	return nil
}

// cleanup removes partial and finished outputs after a failure.
func (j *Job) cleanup() {
	if j.builder != nil {
		j.builder.Abandon()
		j.builder = nil
	}
	for _, f := range j.outputs {
		j.opts.TableCache.Evict(f.Number)
		if err := j.opts.FS.Remove(j.tablePath(f.Number)); err != nil {
			j.logger.Warnf("%sremove output %d: %v", logging.NSCompact, f.Number, err)
		}
	}
	j.outputs = nil
}
