package nextdb

import (
	"fmt"

	"github.com/aalhour/nextdb/internal/compaction"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/version"
)

// maybeScheduleCompaction wakes the compaction goroutine if a level is over
// its budget.
func (db *dbImpl) maybeScheduleCompaction() {
	if db.opts.DisableAutoCompactions || db.closed.Load() {
		return
	}
	v := db.versions.Current()
	defer v.Unref()

	if n := v.NumFiles(0); db.opts.L0CompactionTrigger > 0 && n >= db.opts.L0CompactionTrigger {
		db.logger.Infof("%sL0 compaction trigger reached: %d files, trigger %d",
			logging.NSCompact, n, db.opts.L0CompactionTrigger)
	}
	if db.picker.NeedsCompaction(v) {
		db.bg.maybeScheduleCompaction()
	}
}

// compactOnce runs the highest-scoring compaction, if any. It reports
// whether one ran.
func (db *dbImpl) compactOnce() (bool, error) {
	db.compactionMu.Lock()
	defer db.compactionMu.Unlock()

	v := db.versions.Current()
	defer v.Unref()
	if !db.picker.NeedsCompaction(v) {
		return false, nil
	}
	c := db.picker.PickCompaction(v, db.versions.CompactCursor)
	if c == nil {
		return false, nil
	}
	return true, db.runCompaction(c, v)
}

// runCompaction executes c, picked from v, and installs its result.
// REQUIRES: db.compactionMu held.
func (db *dbImpl) runCompaction(c *compaction.Compaction, v *version.Version) error {
	db.logger.Infof("%scompacting %d files (%d bytes) from L%d to L%d, reason %s",
		logging.NSCompact, c.NumInputFiles(), c.InputBytes(), c.StartLevel(), c.OutputLevel, c.Reason)

	job := compaction.NewJob(c, compaction.JobOptions{
		Dir:           db.opts.DataDir,
		FS:            db.fs,
		TableCache:    db.tableCache,
		Builder:       db.builderOptions(),
		NewFileNumber: db.versions.NewFileNumber,
		Version:       v,
		Logger:        db.logger,
	})
	outputs, err := job.Run()
	if err != nil {
		return fmt.Errorf("nextdb: compaction: %w", wrapCorruption(err))
	}

	if err := db.versions.LogAndApply(c.Edit(outputs)); err != nil {
		if !c.IsTrivialMove() {
			for _, f := range outputs {
				db.tableCache.Evict(f.Number)
				_ = db.fs.Remove(db.tablePath(f.Number))
			}
		}
		return fmt.Errorf("nextdb: compaction: install: %w", err)
	}

	st := job.Stats()
	if c.IsTrivialMove() {
		db.logger.Infof("%smoved file %d from L%d to L%d",
			logging.NSCompact, outputs[0].Number, c.StartLevel(), c.OutputLevel)
		return nil
	}
	db.logger.Infof("%scompaction finished: L%d -> L%d, %d entries in, %d entries out in %d files (%d bytes), %d shadowed, %d tombstones dropped",
		logging.NSCompact, c.StartLevel(), c.OutputLevel, st.InputEntries, st.OutputEntries,
		st.OutputFiles, st.OutputBytes, st.ShadowedEntries, st.DroppedTombstones)
	return nil
}

// CompactRange implements DB.
func (db *dbImpl) CompactRange() error {
	if err := db.Flush(); err != nil {
		return err
	}

	db.compactionMu.Lock()
	defer db.compactionMu.Unlock()

	for level := range db.picker.NumLevels - 1 {
		if err := db.checkWritable(); err != nil {
			return err
		}
		v := db.versions.Current()
		c := db.picker.PickManual(v, level)
		if c == nil {
			v.Unref()
			continue
		}
		err := db.runCompaction(c, v)
		v.Unref()
		if err != nil {
			return err
		}
	}
	return nil
}
