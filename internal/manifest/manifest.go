package manifest

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/internal/wal"
	"github.com/aalhour/nextdb/vfs"
)

const (
	// FileName is the MANIFEST's name inside the data directory.
	FileName = "MANIFEST"

	tempSuffix = ".tmp"
)

// Writer appends edits to the MANIFEST. It is not safe for concurrent use.
type Writer struct {
	path string
	file vfs.WritableFile
	log  *wal.Writer
}

// Create atomically replaces dir/MANIFEST with a file holding only
// snapshot, then opens it for appending.
func Create(fs vfs.FS, dir string, snapshot *VersionEdit) (*Writer, error) {
	path := filepath.Join(dir, FileName)
	tmp := path + tempSuffix

	f, err := fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("manifest: create %s: %w", tmp, err)
	}
	if _, err := wal.NewWriter(f).AddRecord(snapshot.EncodeTo()); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("manifest: write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("manifest: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return nil, fmt.Errorf("manifest: close snapshot: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("manifest: install snapshot: %w", err)
	}
	if err := fs.SyncDir(dir); err != nil {
		return nil, fmt.Errorf("manifest: sync dir: %w", err)
	}

	af, err := fs.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reopen %s: %w", path, err)
	}
	return &Writer{path: path, file: af, log: wal.NewWriter(af)}, nil
}

// Append durably logs one edit.
func (w *Writer) Append(edit *VersionEdit) error {
	if w.file == nil {
		return fmt.Errorf("manifest: %s is closed", w.path)
	}
	if _, err := w.log.AddRecord(edit.EncodeTo()); err != nil {
		return fmt.Errorf("manifest: append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("manifest: sync: %w", err)
	}
	return nil
}

// Size returns the bytes written through this writer.
func (w *Writer) Size() int64 { return w.log.Written() }

// Close closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// strictReporter turns any mid-file damage into an error. A torn final
// record is an edit whose append never completed and is ignored.
type strictReporter struct {
	err       error
	truncated int
}

func (r *strictReporter) Corruption(bytes int, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %d bytes dropped: %v", ErrCorruption, bytes, err)
	}
}

func (r *strictReporter) TruncatedTail(bytes int) {
	r.truncated += bytes
}

// Replay decodes every edit in dir/MANIFEST in order and passes it to fn.
// It returns false without error when no MANIFEST exists.
func Replay(fs vfs.FS, dir string, logger logging.Logger, fn func(*VersionEdit) error) (bool, error) {
	logger = logging.OrDefault(logger)
	path := filepath.Join(dir, FileName)
	if !fs.Exists(path) {
		return false, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return true, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	rep := &strictReporter{}
	r := wal.NewReader(f, rep)
	edits := 0
	for {
		rec, err := r.ReadRecord()
		if rep.err != nil {
			return true, rep.err
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return true, fmt.Errorf("manifest: read %s: %w", path, err)
		}
		var edit VersionEdit
		if err := edit.DecodeFrom(rec); err != nil {
			return true, fmt.Errorf("manifest: edit %d: %w", edits, err)
		}
		if err := fn(&edit); err != nil {
			return true, err
		}
		edits++
	}
	if rep.truncated > 0 {
		logger.Warnf("%sdropped %d bytes of incomplete edit at end of %s", logging.NSManifest, rep.truncated, path)
	}
	logger.Infof("%sreplayed %d edits from %s", logging.NSManifest, edits, path)
	return true, nil
}

// RemoveTemp deletes a leftover snapshot temp file from an interrupted Create.
func RemoveTemp(fs vfs.FS, dir string) {
	tmp := filepath.Join(dir, FileName+tempSuffix)
	if fs.Exists(tmp) {
		_ = fs.Remove(tmp)
	}
}
