package nextdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Property names for GetProperty.
const (
	// PropertyNumFilesAtLevelPrefix is followed by a level number.
	PropertyNumFilesAtLevelPrefix = "nextdb.num-files-at-level"

	PropertyNumImmutableMemTable  = "nextdb.num-immutable-mem-table"
	PropertyCurSizeActiveMemTable = "nextdb.cur-size-active-mem-table"
	PropertyBlockCacheUsage       = "nextdb.block-cache-usage"
	PropertyBlockCacheHitRate     = "nextdb.block-cache-hit-rate"
	PropertyLastSequence          = "nextdb.last-sequence"
	PropertyLevelStats            = "nextdb.levelstats"
)

// GetProperty implements DB.
func (db *dbImpl) GetProperty(name string) (string, bool) {
	if db.closed.Load() {
		return "", false
	}

	if after, ok := strings.CutPrefix(name, PropertyNumFilesAtLevelPrefix); ok {
		level, err := strconv.Atoi(after)
		if err != nil || level < 0 || level >= db.opts.MaxLevels {
			return "", false
		}
		return strconv.Itoa(db.NumFilesAtLevel(level)), true
	}

	switch name {
	case PropertyNumImmutableMemTable:
		db.immMu.Lock()
		n := len(db.imm)
		db.immMu.Unlock()
		return strconv.Itoa(n), true

	case PropertyCurSizeActiveMemTable:
		db.memMu.RLock()
		size := db.mem.Size()
		db.memMu.RUnlock()
		return strconv.FormatInt(size, 10), true

	case PropertyBlockCacheUsage:
		if db.blockCache == nil {
			return "0", true
		}
		return strconv.FormatUint(db.blockCache.Usage(), 10), true

	case PropertyBlockCacheHitRate:
		if db.blockCache == nil {
			return "0.0000", true
		}
		return strconv.FormatFloat(db.blockCache.HitRate(), 'f', 4, 64), true

	case PropertyLastSequence:
		return strconv.FormatUint(db.seq.Load(), 10), true

	case PropertyLevelStats:
		return db.levelStats(), true
	}
	return "", false
}

// levelStats formats the file count and size of every level.
func (db *dbImpl) levelStats() string {
	v := db.versions.Current()
	defer v.Unref()

	var sb strings.Builder
	sb.WriteString("Level Files Size(MB)\n")
	for level := range v.NumLevels() {
		sizeMB := float64(v.NumLevelBytes(level)) / (1024 * 1024)
		fmt.Fprintf(&sb, "  %d   %5d %8.2f\n", level, v.NumFiles(level), sizeMB)
	}
	return sb.String()
}

// NumFilesAtLevel implements DB.
func (db *dbImpl) NumFilesAtLevel(level int) int {
	return db.versions.NumLevelFiles(level)
}

// L0CompactionPending implements DB.
func (db *dbImpl) L0CompactionPending() bool {
	trigger := db.opts.L0CompactionTrigger
	return trigger > 0 && db.NumFilesAtLevel(0) >= trigger
}
