package nextdb

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/aalhour/nextdb/internal/compression"
)

// Environment variables read by LoadOptionsFromEnv.
const (
	EnvDataDir             = "NEXTDB_DATA_DIR"
	EnvWALDir              = "NEXTDB_WAL_DIR"
	EnvMemTableSizeMB      = "NEXTDB_MEMTABLE_SIZE_MB"
	EnvL0CompactionTrigger = "NEXTDB_L0_COMPACTION_TRIGGER"
	EnvMaxLevels           = "NEXTDB_MAX_LEVELS"
	EnvTargetFileSizeMB    = "NEXTDB_TARGET_FILE_SIZE_MB"
	EnvCompression         = "NEXTDB_COMPRESSION"
	EnvCacheSizeMB         = "NEXTDB_CACHE_SIZE_MB"
)

// ParseCompression maps none, snappy, lz4 or zstd to a CompressionType.
func ParseCompression(name string) (CompressionType, error) {
	t, err := compression.ParseType(name)
	if err != nil {
		return NoCompression, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return t, nil
}

// LoadOptionsFromEnv returns DefaultOptions overlaid with the NEXTDB_*
// environment variables. If envFile is not empty it is loaded first;
// variables already set in the process environment take precedence over
// the file. A missing envFile is not an error.
func LoadOptionsFromEnv(envFile string) (*Options, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("nextdb: load %s: %w", envFile, err)
			}
		}
	}

	opts := DefaultOptions()
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		opts.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvWALDir); ok {
		opts.WALDir = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMemTableSizeMB, &opts.MemTableSizeMB},
		{EnvL0CompactionTrigger, &opts.L0CompactionTrigger},
		{EnvMaxLevels, &opts.MaxLevels},
		{EnvTargetFileSizeMB, &opts.TargetFileSizeMB},
		{EnvCacheSizeMB, &opts.CacheSizeMB},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidOptions, e.name, v, err)
		}
		*e.dst = n
	}
	if v, ok := os.LookupEnv(EnvCompression); ok && v != "" {
		t, err := ParseCompression(v)
		if err != nil {
			return nil, err
		}
		opts.Compression = t
	}
	return opts, nil
}
