// Package main provides the ldb CLI tool for inspecting and editing nextdb
// databases.
//
// Usage:
//
//	ldb --db=<path> <command> [args]
//
// Commands:
//
//	get <key>        Print the value for a key
//	put <key> <val>  Write a key-value pair
//	delete <key>     Delete a key
//	scan             Print key-value pairs in key order
//	flush            Flush the memtable to level 0
//	compact          Compact everything into the bottom level
//	stats            Print database properties (JSON with --json)
//	sstfiles         List SST files on disk
//	manifest_dump    Print the edits recorded in the MANIFEST
//
// Options not given on the command line are read from the NEXTDB_*
// environment variables, optionally loaded from the file named by --env.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	jsoniter "github.com/json-iterator/go"

	"github.com/aalhour/nextdb"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/table"
	"github.com/aalhour/nextdb/vfs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errUsage marks errors caused by bad invocation rather than the database.
var errUsage = errors.New("usage")

type config struct {
	dbPath   string
	walDir   string
	envFile  string
	logLevel string
	hex      bool
	limit    int
	from     string
	to       string
	verbose  bool
	json     bool

	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one ldb invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cfg := &config{stdout: stdout, stderr: stderr}

	fs := flag.NewFlagSet("ldb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.dbPath, "db", "", "Path to the database data directory (or "+nextdb.EnvDataDir+")")
	fs.StringVar(&cfg.walDir, "wal_dir", "", "WAL directory (default <db>/wal)")
	fs.StringVar(&cfg.envFile, "env", ".env", "Environment file with NEXTDB_* settings")
	fs.StringVar(&cfg.logLevel, "log_level", "warn", "Log level: error, warn, info, debug")
	fs.BoolVar(&cfg.hex, "hex", false, "Print keys and values in hex")
	fs.IntVar(&cfg.limit, "limit", 0, "Limit number of entries (0 = unlimited)")
	fs.StringVar(&cfg.from, "from", "", "Start key for scan (inclusive)")
	fs.StringVar(&cfg.to, "to", "", "End key for scan (exclusive)")
	fs.BoolVar(&cfg.verbose, "v", false, "Verbose output for manifest_dump")
	fs.BoolVar(&cfg.json, "json", false, "Print stats as JSON")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(fs)
		return 2
	}

	err := dispatch(cfg, fs.Arg(0), fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func dispatch(cfg *config, command string, args []string) error {
	switch command {
	case "get":
		return cmdGet(cfg, args)
	case "put":
		return cmdPut(cfg, args)
	case "delete":
		return cmdDelete(cfg, args)
	case "scan":
		return cmdScan(cfg)
	case "flush":
		return withDB(cfg, func(db nextdb.DB) error { return db.Flush() })
	case "compact":
		return withDB(cfg, func(db nextdb.DB) error { return db.CompactRange() })
	case "stats":
		return cmdStats(cfg)
	case "sstfiles":
		return cmdSSTFiles(cfg)
	case "manifest_dump":
		return cmdManifestDump(cfg)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func printUsage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "ldb - nextdb database tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ldb --db=<path> <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  get <key>         Print the value for a key")
	fmt.Fprintln(w, "  put <key> <val>   Write a key-value pair")
	fmt.Fprintln(w, "  delete <key>      Delete a key")
	fmt.Fprintln(w, "  scan              Print key-value pairs in key order")
	fmt.Fprintln(w, "  flush             Flush the memtable to level 0")
	fmt.Fprintln(w, "  compact           Compact everything into the bottom level")
	fmt.Fprintln(w, "  stats             Print database properties")
	fmt.Fprintln(w, "  sstfiles          List SST files on disk")
	fmt.Fprintln(w, "  manifest_dump     Print the edits recorded in the MANIFEST")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
}

// options resolves the database options from the environment and flags.
func (cfg *config) options() (*nextdb.Options, error) {
	opts, err := nextdb.LoadOptionsFromEnv(cfg.envFile)
	if err != nil {
		return nil, err
	}
	if cfg.dbPath != "" {
		opts.DataDir = cfg.dbPath
	}
	if cfg.walDir != "" {
		opts.WALDir = cfg.walDir
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: --db flag is required", errUsage)
	}
	cfg.dbPath = opts.DataDir
	return opts, nil
}

// withDB opens the database, runs fn and closes it again.
func withDB(cfg *config, fn func(nextdb.DB) error) error {
	opts, err := cfg.options()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	logger, err := logging.NewProductionZapLogger(level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	opts.Logger = logger

	db, err := nextdb.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := fn(db); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}

func (cfg *config) format(data []byte) string {
	if cfg.hex {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(data)
		}
	}
	return string(data)
}

// parseInput decodes a 0x-prefixed hex argument; anything else is taken
// literally.
func parseInput(s string) []byte {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		if decoded, err := hex.DecodeString(rest); err == nil {
			return decoded
		}
	}
	return []byte(s)
}

func cmdGet(cfg *config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: ldb --db=<path> get <key>", errUsage)
	}
	return withDB(cfg, func(db nextdb.DB) error {
		value, found, err := db.Get(parseInput(args[0]))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %s not found", args[0])
		}
		fmt.Fprintln(cfg.stdout, cfg.format(value))
		return nil
	})
}

func cmdPut(cfg *config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: ldb --db=<path> put <key> <value>", errUsage)
	}
	return withDB(cfg, func(db nextdb.DB) error {
		if err := db.Put(parseInput(args[0]), parseInput(args[1])); err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
		fmt.Fprintln(cfg.stdout, "OK")
		return nil
	})
}

func cmdDelete(cfg *config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: ldb --db=<path> delete <key>", errUsage)
	}
	return withDB(cfg, func(db nextdb.DB) error {
		if err := db.Delete(parseInput(args[0])); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Fprintln(cfg.stdout, "OK")
		return nil
	})
}

func cmdScan(cfg *config) error {
	var lower, upper []byte
	if cfg.from != "" {
		lower = parseInput(cfg.from)
	}
	if cfg.to != "" {
		upper = parseInput(cfg.to)
	}
	return withDB(cfg, func(db nextdb.DB) error {
		it := db.NewIterator(lower, upper)
		count := 0
		for ; it.Valid(); it.Next() {
			fmt.Fprintf(cfg.stdout, "%s => %s\n", cfg.format(it.Key()), cfg.format(it.Value()))
			count++
			if cfg.limit > 0 && count >= cfg.limit {
				break
			}
		}
		if err := it.Close(); err != nil {
			return fmt.Errorf("iterator error: %w", err)
		}
		fmt.Fprintf(cfg.stdout, "(%d entries scanned)\n", count)
		return nil
	})
}

var statsProperties = []string{
	nextdb.PropertyLastSequence,
	nextdb.PropertyNumImmutableMemTable,
	nextdb.PropertyCurSizeActiveMemTable,
	nextdb.PropertyBlockCacheUsage,
	nextdb.PropertyBlockCacheHitRate,
}

type statsReport struct {
	Database      string            `json:"database"`
	Identity      string            `json:"identity"`
	AppliedIndex  uint64            `json:"applied_index"`
	FilesPerLevel []int             `json:"files_per_level"`
	Properties    map[string]string `json:"properties"`
}

func cmdStats(cfg *config) error {
	return withDB(cfg, func(db nextdb.DB) error {
		if cfg.json {
			return writeStatsJSON(cfg, db)
		}
		fmt.Fprintf(cfg.stdout, "Database: %s\n", cfg.dbPath)
		fmt.Fprintf(cfg.stdout, "Identity: %s\n", db.Identity())
		fmt.Fprintf(cfg.stdout, "Applied index: %d\n", db.AppliedIndex())
		fmt.Fprintln(cfg.stdout, "---")
		for _, prop := range statsProperties {
			if v, ok := db.GetProperty(prop); ok {
				fmt.Fprintf(cfg.stdout, "%s: %s\n", prop, v)
			}
		}
		if v, ok := db.GetProperty(nextdb.PropertyLevelStats); ok {
			fmt.Fprintln(cfg.stdout, "---")
			fmt.Fprint(cfg.stdout, v)
		}
		return nil
	})
}

func writeStatsJSON(cfg *config, db nextdb.DB) error {
	report := statsReport{
		Database:     cfg.dbPath,
		Identity:     db.Identity(),
		AppliedIndex: db.AppliedIndex(),
		Properties:   make(map[string]string, len(statsProperties)),
	}
	for level := 0; ; level++ {
		if _, ok := db.GetProperty(nextdb.PropertyNumFilesAtLevelPrefix + strconv.Itoa(level)); !ok {
			break
		}
		report.FilesPerLevel = append(report.FilesPerLevel, db.NumFilesAtLevel(level))
	}
	for _, prop := range statsProperties {
		if v, ok := db.GetProperty(prop); ok {
			report.Properties[prop] = v
		}
	}
	enc := json.NewEncoder(cfg.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// cmdSSTFiles lists tables without opening the database, so it works on a
// locked or damaged directory.
func cmdSSTFiles(cfg *config) error {
	opts, err := cfg.options()
	if err != nil {
		return err
	}
	fs := vfs.Default()
	names, err := fs.ListDir(opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}

	fmt.Fprintf(cfg.stdout, "SST files in %s:\n", opts.DataDir)
	fmt.Fprintln(cfg.stdout, "---")
	count := 0
	var total uint64
	for _, name := range names {
		num, ok := strings.CutSuffix(name, ".sst")
		if !ok {
			continue
		}
		number, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			continue
		}
		r, err := table.OpenFile(fs, filepath.Join(opts.DataDir, name), table.ReaderOptions{})
		if err != nil {
			fmt.Fprintf(cfg.stdout, "  %s (error: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(cfg.stdout, "  %s (file=%d, size=%d bytes, entries=%d, compression=%s)\n",
			name, number, r.FileSize(), r.NumEntries(), r.Compression())
		total += r.FileSize()
		count++
		_ = r.Close()
	}
	fmt.Fprintf(cfg.stdout, "\nTotal: %d SST files, %d bytes\n", count, total)
	return nil
}

func cmdManifestDump(cfg *config) error {
	opts, err := cfg.options()
	if err != nil {
		return err
	}

	edits := 0
	added, deleted := 0, 0
	var lastSeq uint64
	var dbID string
	found, err := manifest.Replay(vfs.Default(), opts.DataDir, logging.Discard, func(ve *manifest.VersionEdit) error {
		edits++
		added += len(ve.NewFiles)
		deleted += len(ve.DeletedFiles)
		if ve.HasLastSequence {
			lastSeq = uint64(ve.LastSequence)
		}
		if ve.HasDBID {
			dbID = ve.DBID
		}
		if cfg.verbose {
			fmt.Fprintf(cfg.stdout, "[Edit %d] %s", edits, spew.Sdump(ve))
		} else {
			fmt.Fprintf(cfg.stdout, "  %s\n", summarizeEdit(edits, ve))
		}
		if cfg.limit > 0 && edits >= cfg.limit {
			return errLimit
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		err = nil
	}
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no %s in %s", manifest.FileName, opts.DataDir)
	}

	fmt.Fprintln(cfg.stdout, "\nSummary:")
	fmt.Fprintln(cfg.stdout, "---")
	fmt.Fprintf(cfg.stdout, "Total Edits: %d\n", edits)
	fmt.Fprintf(cfg.stdout, "Total New Files: %d\n", added)
	fmt.Fprintf(cfg.stdout, "Total Deleted Files: %d\n", deleted)
	fmt.Fprintf(cfg.stdout, "Last Sequence: %d\n", lastSeq)
	if dbID != "" {
		fmt.Fprintf(cfg.stdout, "DB ID: %s\n", dbID)
	}
	return nil
}

var errLimit = errors.New("limit reached")

func summarizeEdit(n int, ve *manifest.VersionEdit) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[Edit %d]", n)
	if ve.HasNextFileNumber {
		fmt.Fprintf(&b, " next_file=%d", ve.NextFileNumber)
	}
	if ve.HasLastSequence {
		fmt.Fprintf(&b, " seq=%d", ve.LastSequence)
	}
	if ve.HasAppliedIndex {
		fmt.Fprintf(&b, " applied=%d", ve.AppliedIndex)
	}
	for _, nf := range ve.NewFiles {
		fmt.Fprintf(&b, " +L%d:%d", nf.Level, nf.Meta.Number)
	}
	for _, df := range ve.DeletedFiles {
		fmt.Fprintf(&b, " -L%d:%d", df.Level, df.Number)
	}
	return b.String()
}
