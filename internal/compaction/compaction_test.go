package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/aalhour/nextdb/internal/compression"
	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/internal/table"
	"github.com/aalhour/nextdb/internal/version"
	"github.com/aalhour/nextdb/vfs"
)

type fixture struct {
	t   *testing.T
	dir string
	vs  *version.VersionSet
	tc  *table.TableCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	vs := version.New(version.Options{Dir: dir, FS: vfs.Default(), Logger: logging.Discard})
	if _, err := vs.Recover(); err != nil {
		t.Fatal(err)
	}
	tc := table.NewTableCache(vfs.Default(), table.DefaultTableCacheOptions())
	t.Cleanup(func() {
		_ = tc.Close()
		_ = vs.Close()
	})
	return &fixture{t: t, dir: dir, vs: vs, tc: tc}
}

type kv struct {
	key, value string // empty value means tombstone
}

func builderOptions() table.BuilderOptions {
	opts := table.DefaultBuilderOptions()
	opts.Compression = compression.NoCompression
	return opts
}

// addTable writes entries (sorted) into a new table at level.
func (f *fixture) addTable(level int, entries ...kv) *manifest.FileMetaData {
	f.t.Helper()
	num := f.vs.NewFileNumber()
	path := filepath.Join(f.dir, table.TableFileName(num))
	b, err := table.NewBuilder(vfs.Default(), path, builderOptions())
	if err != nil {
		f.t.Fatal(err)
	}
	for i, e := range entries {
		ent := dbformat.Entry{Key: []byte(e.key), Value: []byte(e.value), Type: dbformat.TypeValue, Sequence: dbformat.SequenceNumber(i + 1)}
		if e.value == "" {
			ent.Value, ent.Type = nil, dbformat.TypeDeletion
		}
		if err := b.Add(&ent); err != nil {
			f.t.Fatal(err)
		}
	}
	r, err := b.Finish()
	if err != nil {
		f.t.Fatal(err)
	}
	meta := &manifest.FileMetaData{
		Number:     num,
		Size:       r.FileSize(),
		Smallest:   []byte(entries[0].key),
		Largest:    []byte(entries[len(entries)-1].key),
		NumEntries: uint64(len(entries)),
	}
	f.tc.Add(num, r)
	edit := &manifest.VersionEdit{}
	edit.AddFile(level, meta)
	if err := f.vs.LogAndApply(edit); err != nil {
		f.t.Fatal(err)
	}
	return meta
}

func (f *fixture) run(c *Compaction) ([]*manifest.FileMetaData, Stats) {
	f.t.Helper()
	v := f.vs.Current()
	defer v.Unref()
	job := NewJob(c, JobOptions{
		Dir:           f.dir,
		FS:            vfs.Default(),
		TableCache:    f.tc,
		Builder:       builderOptions(),
		NewFileNumber: f.vs.NewFileNumber,
		Version:       v,
		Logger:        logging.Discard,
	})
	out, err := job.Run()
	if err != nil {
		f.t.Fatalf("Run() error = %v", err)
	}
	if err := f.vs.LogAndApply(c.Edit(out)); err != nil {
		f.t.Fatalf("LogAndApply() error = %v", err)
	}
	return out, job.Stats()
}

// get looks key up across the current Version, newest tier first.
func (f *fixture) get(key string) (string, bool) {
	f.t.Helper()
	v := f.vs.Current()
	defer v.Unref()
	for level := 0; level < v.NumLevels(); level++ {
		for _, m := range v.FilesForKey(level, []byte(key)) {
			r, err := f.tc.Get(m.Number, filepath.Join(f.dir, table.TableFileName(m.Number)))
			if err != nil {
				f.t.Fatal(err)
			}
			val, found, deleted, err := r.Get([]byte(key))
			f.tc.Release(m.Number, r)
			if err != nil {
				f.t.Fatal(err)
			}
			if found {
				return string(val), !deleted
			}
		}
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Picker
// -----------------------------------------------------------------------------

func TestPickerL0Trigger(t *testing.T) {
	f := newFixture(t)
	p := DefaultPicker()
	p.L0CompactionTrigger = 3

	f.addTable(1, kv{"c", "1"}, kv{"e", "1"})
	f.addTable(1, kv{"x", "1"}, kv{"y", "1"})
	f.addTable(0, kv{"a", "1"}, kv{"d", "1"})
	f.addTable(0, kv{"b", "2"})

	v := f.vs.Current()
	if p.NeedsCompaction(v) {
		t.Error("NeedsCompaction() with 2 L0 files and trigger 3")
	}
	v.Unref()

	f.addTable(0, kv{"d", "3"})
	v = f.vs.Current()
	defer v.Unref()
	if !p.NeedsCompaction(v) {
		t.Fatal("NeedsCompaction() = false at trigger")
	}
	c := p.PickCompaction(v, nil)
	if c == nil || c.Reason != ReasonL0FileNumTrigger {
		t.Fatalf("PickCompaction() = %+v", c)
	}
	if c.OutputLevel != 1 || len(c.Inputs) != 2 || len(c.Inputs[0].Files) != 3 || len(c.Inputs[1].Files) != 1 {
		t.Errorf("inputs = %d levels, output L%d", len(c.Inputs), c.OutputLevel)
	}
	if c.Inputs[1].Files[0].Smallest[0] != 'c' {
		t.Errorf("picked L1 file %q, want the one overlapping [a, e]", c.Inputs[1].Files[0].Smallest)
	}
}

func TestPickerLevelSizeRoundRobin(t *testing.T) {
	f := newFixture(t)
	p := &Picker{NumLevels: 3, L0CompactionTrigger: 4, TargetFileSize: 1, LevelSizeMultiplier: 1}

	f.addTable(1, kv{"a", "1"})
	f.addTable(1, kv{"m", "1"}, kv{"o", "1"})
	f.addTable(2, kv{"n", "1"}, kv{"p", "1"})

	v := f.vs.Current()
	defer v.Unref()

	c := p.PickCompaction(v, func(int) []byte { return nil })
	if c == nil || c.StartLevel() != 1 {
		t.Fatalf("PickCompaction() = %+v, want L1 compaction", c)
	}
	if got := string(c.Inputs[0].Files[0].Smallest); got != "a" {
		t.Errorf("first pick = %s, want a", got)
	}
	if string(c.NextCursor) != "a" {
		t.Errorf("NextCursor = %q, want a", c.NextCursor)
	}

	c = p.PickCompaction(v, func(int) []byte { return []byte("a") })
	if got := string(c.Inputs[0].Files[0].Smallest); got != "m" {
		t.Errorf("pick after cursor a = %s, want m", got)
	}
	if len(c.Inputs) != 2 {
		t.Errorf("expected overlapping L2 input for m, got %d input levels", len(c.Inputs))
	}

	c = p.PickCompaction(v, func(int) []byte { return []byte("m") })
	if got := string(c.Inputs[0].Files[0].Smallest); got != "a" {
		t.Errorf("pick after cursor m = %s, want wrap to a", got)
	}
}

func TestMaxBytesForLevel(t *testing.T) {
	p := &Picker{TargetFileSize: 2 << 20, LevelSizeMultiplier: 10}
	if got, want := p.MaxBytesForLevel(1), uint64(20<<20); got != want {
		t.Errorf("MaxBytesForLevel(1) = %d, want %d", got, want)
	}
	if got, want := p.MaxBytesForLevel(3), uint64(2000<<20); got != want {
		t.Errorf("MaxBytesForLevel(3) = %d, want %d", got, want)
	}
}

// -----------------------------------------------------------------------------
// Job
// -----------------------------------------------------------------------------

func TestJobNewestTierWins(t *testing.T) {
	f := newFixture(t)
	f.addTable(1, kv{"a", "l1"}, kv{"k", "l1"}, kv{"z", "l1"})
	f.addTable(0, kv{"k", "old"}, kv{"m", "old"})
	f.addTable(0, kv{"k", "new"})

	v := f.vs.Current()
	c := DefaultPicker().PickManual(v, 0)
	v.Unref()

	out, stats := f.run(c)
	if len(out) != 1 {
		t.Fatalf("outputs = %d, want 1", len(out))
	}
	for key, want := range map[string]string{"a": "l1", "k": "new", "m": "old", "z": "l1"} {
		if got, ok := f.get(key); !ok || got != want {
			t.Errorf("get(%s) = (%q, %v), want %q", key, got, ok, want)
		}
	}
	if stats.OutputEntries != 4 || stats.ShadowedEntries != 2 {
		t.Errorf("stats = %+v, want 4 output and 2 shadowed", stats)
	}
	if n := f.vs.NumLevelFiles(0); n != 0 {
		t.Errorf("L0 files after compaction = %d", n)
	}
}

func TestJobDropsTombstoneOnlyWithoutDeeperData(t *testing.T) {
	f := newFixture(t)
	f.addTable(2, kv{"b", "deep"})
	f.addTable(1, kv{"a", "1"}, kv{"b", "1"}, kv{"c", "1"})
	f.addTable(0, kv{"a", ""}, kv{"b", ""})

	v := f.vs.Current()
	c := DefaultPicker().PickManual(v, 0)
	v.Unref()

	_, stats := f.run(c)
	if stats.DroppedTombstones != 1 {
		t.Errorf("DroppedTombstones = %d, want 1 (a dropped, b kept)", stats.DroppedTombstones)
	}
	if _, ok := f.get("a"); ok {
		t.Error("a visible after compaction")
	}
	if _, ok := f.get("b"); ok {
		t.Error("b resurrected from L2 after compaction")
	}
	if got, ok := f.get("c"); !ok || got != "1" {
		t.Errorf("get(c) = (%q, %v)", got, ok)
	}
}

func TestJobSplitsOutputs(t *testing.T) {
	f := newFixture(t)
	var entries []kv
	for i := range 200 {
		entries = append(entries, kv{fmt.Sprintf("key%04d", i), fmt.Sprintf("value-%04d", i)})
	}
	f.addTable(0, entries...)

	v := f.vs.Current()
	c := DefaultPicker().PickManual(v, 0)
	v.Unref()
	c.MaxOutputFileSize = 1024

	out, _ := f.run(c)
	if len(out) < 3 {
		t.Fatalf("outputs = %d, want several", len(out))
	}
	for i := 1; i < len(out); i++ {
		if string(out[i-1].Largest) >= string(out[i].Smallest) {
			t.Errorf("outputs %d and %d overlap", i-1, i)
		}
	}
	if got, ok := f.get("key0150"); !ok || got != "value-0150" {
		t.Errorf("get(key0150) = (%q, %v)", got, ok)
	}
}

func TestJobTrivialMove(t *testing.T) {
	f := newFixture(t)
	m := f.addTable(1, kv{"a", "1"})

	v := f.vs.Current()
	c := DefaultPicker().PickManual(v, 1)
	v.Unref()
	if !c.IsTrivialMove() {
		t.Fatal("single non-overlapping file is not a trivial move")
	}
	out, _ := f.run(c)
	if len(out) != 1 || out[0].Number != m.Number {
		t.Fatalf("trivial move outputs = %+v", out)
	}
	if f.vs.NumLevelFiles(1) != 0 || f.vs.NumLevelFiles(2) != 1 {
		t.Errorf("files L1=%d L2=%d after move", f.vs.NumLevelFiles(1), f.vs.NumLevelFiles(2))
	}
}

func TestJobFailureRemovesOutputs(t *testing.T) {
	f := newFixture(t)
	f.addTable(0, kv{"a", "1"}, kv{"b", "2"})

	fs := vfs.NewFaultInjectionFS(vfs.Default())
	fs.InjectSyncError()

	v := f.vs.Current()
	defer v.Unref()
	c := DefaultPicker().PickManual(v, 0)
	job := NewJob(c, JobOptions{
		Dir:           f.dir,
		FS:            fs,
		TableCache:    f.tc,
		Builder:       builderOptions(),
		NewFileNumber: f.vs.NewFileNumber,
		Version:       v,
		Logger:        logging.Discard,
	})
	if _, err := job.Run(); err == nil {
		t.Fatal("Run() succeeded with injected sync error")
	}
	names, _ := vfs.Default().ListDir(f.dir)
	sst := 0
	for _, n := range names {
		if filepath.Ext(n) == ".sst" {
			sst++
		}
	}
	if sst != 1 {
		t.Errorf("%d tables on disk after failed job, want only the input", sst)
	}
}
