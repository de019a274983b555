package nextdb

import (
	"fmt"
	"path/filepath"

	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/vfs"
)

// Logger is the interface for engine logging.
type Logger = logging.Logger

// CompressionType selects the block compression of new SST files.
type CompressionType = compression.Type

// Compression types.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// Options configures a DB.
type Options struct {
	// DataDir holds SST files, the MANIFEST and the IDENTITY file.
	// Created if missing. Required.
	DataDir string

	// WALDir holds the WAL segments. Created if missing.
	// Default: DataDir/wal
	WALDir string

	// MemTableSizeMB is the active memtable size that triggers a rotation.
	// Zero rotates after every write.
	// Default: 64
	MemTableSizeMB int

	// L0CompactionTrigger is the number of level-0 files that triggers a
	// compaction into level 1.
	// Default: 4
	L0CompactionTrigger int

	// MaxLevels is the number of levels, including level 0.
	// Default: 7
	MaxLevels int

	// TargetFileSizeMB is the size at which compaction outputs are split,
	// and the base of the per-level byte budget.
	// Default: 64
	TargetFileSizeMB int

	// Compression is the compression of new SST files. Existing files are
	// always read with the compression recorded in their footer.
	// Default: LZ4Compression
	Compression CompressionType

	// CacheSizeMB is the capacity of the block cache. Zero disables it.
	// Default: 256
	CacheSizeMB int

	// BlockSize is the target uncompressed size of SST data blocks.
	// Default: 4096
	BlockSize int

	// BloomFilterBitsPerKey sizes the per-file bloom filter. Zero disables it.
	// Default: 10
	BloomFilterBitsPerKey int

	// MaxImmutableMemTables is the number of frozen memtables that may wait
	// for a flush before writes stall.
	// Default: 4
	MaxImmutableMemTables int

	// LevelSizeMultiplier is the growth factor of the per-level byte budget.
	// Default: 10
	LevelSizeMultiplier float64

	// DisableAutoCompactions stops background compactions. CompactRange
	// still works.
	// Default: false
	DisableAutoCompactions bool

	// MaxOpenFiles bounds the number of idle open SST readers.
	// Default: 1000
	MaxOpenFiles int

	// FS is the filesystem all I/O goes through.
	// Default: vfs.Default()
	FS vfs.FS

	// Logger receives engine logs. If it implements
	// logging.FatalNotifier, a fatal log stops writes with a background
	// error.
	// Default: a stderr logger at WARN level
	Logger Logger
}

// DefaultOptions returns the default options. DataDir must still be set.
func DefaultOptions() *Options {
	return &Options{
		MemTableSizeMB:        64,
		L0CompactionTrigger:   4,
		MaxLevels:             7,
		TargetFileSizeMB:      64,
		Compression:           LZ4Compression,
		CacheSizeMB:           256,
		BlockSize:             4096,
		BloomFilterBitsPerKey: 10,
		MaxImmutableMemTables: 4,
		LevelSizeMultiplier:   10,
		MaxOpenFiles:          1000,
	}
}

// Validate checks the options, returning an error wrapping
// ErrInvalidOptions for the first problem found.
func (o *Options) Validate() error {
	switch {
	case o.DataDir == "":
		return fmt.Errorf("%w: DataDir is required", ErrInvalidOptions)
	case o.MemTableSizeMB < 0:
		return fmt.Errorf("%w: MemTableSizeMB %d is negative", ErrInvalidOptions, o.MemTableSizeMB)
	case o.L0CompactionTrigger < 0:
		return fmt.Errorf("%w: L0CompactionTrigger %d is negative", ErrInvalidOptions, o.L0CompactionTrigger)
	case o.MaxLevels < 2:
		return fmt.Errorf("%w: MaxLevels %d is below 2", ErrInvalidOptions, o.MaxLevels)
	case o.TargetFileSizeMB < 0:
		return fmt.Errorf("%w: TargetFileSizeMB %d is negative", ErrInvalidOptions, o.TargetFileSizeMB)
	case o.CacheSizeMB < 0:
		return fmt.Errorf("%w: CacheSizeMB %d is negative", ErrInvalidOptions, o.CacheSizeMB)
	case o.BlockSize < 0:
		return fmt.Errorf("%w: BlockSize %d is negative", ErrInvalidOptions, o.BlockSize)
	case o.BloomFilterBitsPerKey < 0:
		return fmt.Errorf("%w: BloomFilterBitsPerKey %d is negative", ErrInvalidOptions, o.BloomFilterBitsPerKey)
	case o.MaxImmutableMemTables < 0:
		return fmt.Errorf("%w: MaxImmutableMemTables %d is negative", ErrInvalidOptions, o.MaxImmutableMemTables)
	case o.LevelSizeMultiplier < 0:
		return fmt.Errorf("%w: LevelSizeMultiplier %v is negative", ErrInvalidOptions, o.LevelSizeMultiplier)
	case !o.Compression.IsSupported():
		return fmt.Errorf("%w: compression %s", ErrInvalidOptions, o.Compression)
	}
	return nil
}

// sanitize returns a copy of o with unset fields filled in.
func (o *Options) sanitize() *Options {
	s := *o
	if s.WALDir == "" {
		s.WALDir = filepath.Join(s.DataDir, "wal")
	}
	if s.BlockSize == 0 {
		s.BlockSize = 4096
	}
	if s.MaxImmutableMemTables == 0 {
		s.MaxImmutableMemTables = 1
	}
	if s.LevelSizeMultiplier == 0 {
		s.LevelSizeMultiplier = 10
	}
	if s.TargetFileSizeMB == 0 {
		s.TargetFileSizeMB = 64
	}
	if s.MaxOpenFiles <= 0 {
		s.MaxOpenFiles = 1000
	}
	if s.FS == nil {
		s.FS = vfs.Default()
	}
	if logging.IsNil(s.Logger) {
		s.Logger = logging.NewDefaultLogger(logging.LevelWarn)
	}
	return &s
}

func (o *Options) memTableSize() int64 {
	return int64(o.MemTableSizeMB) << 20
}

func (o *Options) targetFileSize() uint64 {
	return uint64(o.TargetFileSizeMB) << 20
}

func (o *Options) cacheSize() uint64 {
	return uint64(o.CacheSizeMB) << 20
}
