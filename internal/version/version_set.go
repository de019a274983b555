package version

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/manifest"
	"github.com/aalhour/nextdb/vfs"
)

// ErrClosed is returned by LogAndApply after Close.
var ErrClosed = errors.New("version: version set is closed")

// Options configures a VersionSet.
type Options struct {
	// Dir holds the MANIFEST.
	Dir string

	FS vfs.FS

	// NumLevels is the depth of the tree.
	NumLevels int

	Logger logging.Logger

	// OnObsolete receives the numbers of files that no live Version
	// references any more. It must not call back into the VersionSet.
	OnObsolete func(fileNums []uint64)
}

// VersionSet owns the current Version and the MANIFEST.
type VersionSet struct {
	// mu serializes LogAndApply and guards the fields below it.
	mu             sync.Mutex
	current        *Version
	manifest       *manifest.Writer
	nextFileNumber uint64
	lastSequence   dbformat.SequenceNumber
	appliedIndex   uint64
	dbID           string
	compactCursors [][]byte
	versionNumber  uint64

	// refMu guards fileRefs: the number of live Versions holding each file.
	refMu    sync.Mutex
	fileRefs map[uint64]int

	opts      Options
	numLevels int
	logger    logging.Logger
}

// New creates an empty VersionSet. Call Recover before use.
func New(opts Options) *VersionSet {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.NumLevels <= 0 {
		opts.NumLevels = DefaultNumLevels
	}
	vs := &VersionSet{
		opts:           opts,
		numLevels:      opts.NumLevels,
		logger:         logging.OrDefault(opts.Logger),
		nextFileNumber: 1,
		fileRefs:       make(map[uint64]int),
		compactCursors: make([][]byte, opts.NumLevels),
	}
	vs.installLocked(newVersion(vs, vs.numLevels))
	return vs
}

// Recover replays the MANIFEST if one exists and rewrites it as a single
// snapshot. It reports whether a MANIFEST was found.
func (vs *VersionSet) Recover() (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	manifest.RemoveTemp(vs.opts.FS, vs.opts.Dir)

	b := newBuilder(vs, nil)
	found, err := manifest.Replay(vs.opts.FS, vs.opts.Dir, vs.logger, func(edit *manifest.VersionEdit) error {
		if err := b.Apply(edit); err != nil {
			return err
		}
		vs.absorbCounters(edit)
		return nil
	})
	if err != nil {
		return found, err
	}
	v, err := b.saveTo()
	if err != nil {
		return found, err
	}

	vs.installLocked(v)
	if err := vs.rewriteManifestLocked(); err != nil {
		return found, err
	}
	if found {
		vs.logger.Infof("%srecovered %d files, next file %d, last sequence %d",
			logging.NSManifest, v.TotalFiles(), vs.nextFileNumber, vs.lastSequence)
	}
	return found, nil
}

// absorbCounters folds an edit's scalar fields into the set.
func (vs *VersionSet) absorbCounters(edit *manifest.VersionEdit) {
	if edit.HasNextFileNumber && edit.NextFileNumber > vs.nextFileNumber {
		vs.nextFileNumber = edit.NextFileNumber
	}
	if edit.HasLastSequence && edit.LastSequence > vs.lastSequence {
		vs.lastSequence = edit.LastSequence
	}
	if edit.HasAppliedIndex {
		vs.appliedIndex = edit.AppliedIndex
	}
	if edit.HasDBID {
		vs.dbID = edit.DBID
	}
	for _, cc := range edit.CompactCursors {
		if cc.Level >= 0 && cc.Level < vs.numLevels {
			vs.compactCursors[cc.Level] = cc.Key
		}
	}
	for _, nf := range edit.NewFiles {
		if nf.Meta.Number >= vs.nextFileNumber {
			vs.nextFileNumber = nf.Meta.Number + 1
		}
	}
}

// snapshotLocked describes the whole current state as one edit.
func (vs *VersionSet) snapshotLocked() *manifest.VersionEdit {
	edit := &manifest.VersionEdit{}
	if vs.dbID != "" {
		edit.SetDBID(vs.dbID)
	}
	edit.SetNextFileNumber(vs.nextFileNumber)
	edit.SetLastSequence(vs.lastSequence)
	edit.SetAppliedIndex(vs.appliedIndex)
	for level, key := range vs.compactCursors {
		if key != nil {
			edit.SetCompactCursor(level, key)
		}
	}
	for level := range vs.numLevels {
		for _, f := range vs.current.Files(level) {
			edit.AddFile(level, f)
		}
	}
	return edit
}

func (vs *VersionSet) rewriteManifestLocked() error {
	w, err := manifest.Create(vs.opts.FS, vs.opts.Dir, vs.snapshotLocked())
	if err != nil {
		return err
	}
	if vs.manifest != nil {
		_ = vs.manifest.Close()
	}
	vs.manifest = w
	return nil
}

// LogAndApply durably records edit and installs the resulting Version. On
// error the current Version is unchanged.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifest == nil {
		return ErrClosed
	}

	b := newBuilder(vs, vs.current)
	if err := b.Apply(edit); err != nil {
		return err
	}
	v, err := b.saveTo()
	if err != nil {
		return err
	}

	edit.SetNextFileNumber(vs.nextFileNumber)
	if err := vs.manifest.Append(edit); err != nil {
		return err
	}
	vs.absorbCounters(edit)
	vs.installLocked(v)
	return nil
}

// installLocked makes v current, taking the set's own reference.
func (vs *VersionSet) installLocked(v *Version) {
	vs.versionNumber++
	v.number = vs.versionNumber

	vs.refMu.Lock()
	for _, files := range v.files {
		for _, f := range files {
			vs.fileRefs[f.Number]++
		}
	}
	vs.refMu.Unlock()

	v.Ref()
	old := vs.current
	vs.current = v
	if old != nil {
		old.Unref()
	}
}

// release drops a dead Version's file references.
func (vs *VersionSet) release(v *Version) {
	var obsolete []uint64
	vs.refMu.Lock()
	for _, files := range v.files {
		for _, f := range files {
			vs.fileRefs[f.Number]--
			if vs.fileRefs[f.Number] <= 0 {
				delete(vs.fileRefs, f.Number)
				obsolete = append(obsolete, f.Number)
			}
		}
	}
	vs.refMu.Unlock()

	if len(obsolete) > 0 && vs.opts.OnObsolete != nil {
		vs.opts.OnObsolete(obsolete)
	}
}

// Current returns the current Version with a reference the caller must
// release with Unref.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.Ref()
	return v
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// MarkFileNumberUsed ensures n is never handed out again.
func (vs *VersionSet) MarkFileNumberUsed(n uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if n >= vs.nextFileNumber {
		vs.nextFileNumber = n + 1
	}
}

// LastSequence returns the highest sequence number recorded in the MANIFEST.
func (vs *VersionSet) LastSequence() dbformat.SequenceNumber {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

// AppliedIndex returns the last recorded external log position.
func (vs *VersionSet) AppliedIndex() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.appliedIndex
}

// DBID returns the identity recorded in the MANIFEST, if any.
func (vs *VersionSet) DBID() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.dbID
}

// CompactCursor returns where the next size-triggered compaction of level
// starts, or nil.
func (vs *VersionSet) CompactCursor(level int) []byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= vs.numLevels {
		return nil
	}
	return vs.compactCursors[level]
}

// NumLevels returns the depth of the tree.
func (vs *VersionSet) NumLevels() int { return vs.numLevels }

// LiveFiles returns every file number referenced by a live Version.
func (vs *VersionSet) LiveFiles() map[uint64]struct{} {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()
	live := make(map[uint64]struct{}, len(vs.fileRefs))
	for n := range vs.fileRefs {
		live[n] = struct{}{}
	}
	return live
}

// NumLevelFiles returns the number of files at level in the current Version.
func (vs *VersionSet) NumLevelFiles(level int) int {
	v := vs.Current()
	defer v.Unref()
	return v.NumFiles(level)
}

// NumLevelBytes returns the bytes at level in the current Version.
func (vs *VersionSet) NumLevelBytes(level int) uint64 {
	v := vs.Current()
	defer v.Unref()
	return v.NumLevelBytes(level)
}

// Close closes the MANIFEST. The current Version stays readable.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifest == nil {
		return nil
	}
	err := vs.manifest.Close()
	vs.manifest = nil
	if err != nil {
		return fmt.Errorf("version: close manifest: %w", err)
	}
	return nil
}
