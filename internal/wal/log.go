package wal

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aalhour/nextdb/internal/dbformat"
	"github.com/aalhour/nextdb/internal/logging"
	"github.com/aalhour/nextdb/vfs"
)

// ErrClosed is returned by operations on a closed Log.
var ErrClosed = errors.New("wal: log is closed")

// Options configures a Log.
type Options struct {
	Dir    string
	FS     vfs.FS
	Logger logging.Logger
}

// RecoveryStats summarizes a Recover pass.
type RecoveryStats struct {
	Segments       int
	Records        int
	Corrupted      int
	TruncatedBytes int
	Bytes          int64 // complete records read, skipped ones included
}

// Log is the write-ahead log: an ordered set of segment files of which
// only the newest is open for appends.
//
// Appends are serialized by an internal mutex and synced before they return.
type Log struct {
	fs     vfs.FS
	dir    string
	logger logging.Logger

	mu       sync.Mutex
	segments []uint64 // ascending
	next     uint64   // number of the next segment to create
	file     vfs.WritableFile
	writer   *Writer
	size     int64
	appended uint64
	closed   bool
}

// Open lists the existing segments in opts.Dir, creating the directory if
// needed, and starts a fresh segment numbered after all of them. Older
// segments stay on disk until Recover has replayed them and Release or
// Truncate drops them.
func Open(opts Options) (*Log, error) {
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	l := &Log{
		fs:     fs,
		dir:    opts.Dir,
		logger: logging.OrDefault(opts.Logger),
		next:   1,
	}
	if err := fs.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", opts.Dir, err)
	}
	names, err := fs.ListDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list %s: %w", opts.Dir, err)
	}
	for _, name := range names {
		if n, ok := ParseSegmentFileName(name); ok {
			l.segments = append(l.segments, n)
		}
	}
	slices.Sort(l.segments)
	if len(l.segments) > 0 {
		l.next = l.segments[len(l.segments)-1] + 1
	}

	if err := l.startSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) path(n uint64) string {
	return filepath.Join(l.dir, SegmentFileName(n))
}

// startSegment creates the next segment and makes it current.
// REQUIRES: l.mu held, or l not yet shared.
func (l *Log) startSegment() error {
	n := l.next
	f, err := l.fs.Create(l.path(n))
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", n, err)
	}
	l.next++
	l.segments = append(l.segments, n)
	if err := l.fs.SyncDir(l.dir); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync dir: %w", err)
	}
	l.file = f
	l.writer = NewWriter(f)
	l.size = 0
	return nil
}

// closeCurrent closes the open segment, if any. REQUIRES: l.mu held.
func (l *Log) closeCurrent() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.writer = nil, nil
	return err
}

// Current returns the number of the newest segment. Records appended now
// land in it.
func (l *Log) Current() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Segments returns the numbers of all live segments, oldest first.
func (l *Log) Segments() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.segments)
}

// Appended returns the number of records appended since open or the last
// Truncate.
func (l *Log) Appended() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// Append logs kv and syncs the segment. On return without error the record
// survives a crash. On error nothing is logged: any partially written
// bytes are cut off and later appends go to a new segment.
func (l *Log) Append(kv *dbformat.KVPair) error {
	payload := dbformat.EncodeKVPair(kv)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.file == nil {
		if err := l.startSegment(); err != nil {
			return fmt.Errorf("wal: append: %w", err)
		}
	}

	n, err := l.writer.AddRecord(payload)
	if err == nil {
		err = l.writer.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := l.file.Truncate(l.size); terr != nil {
				l.logger.Errorf("%sfailed to cut partial record: %v", logging.NSWAL, terr)
			}
		}
		_ = l.closeCurrent()
		return fmt.Errorf("wal: append: %w", err)
	}
	l.size += int64(n)
	l.appended++
	return nil
}

// Rotate closes the current segment and starts the next one. It returns
// the number of the segment that was closed.
func (l *Log) Rotate() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	old := l.next - 1
	if err := l.closeCurrent(); err != nil {
		return 0, fmt.Errorf("wal: close segment %d: %w", old, err)
	}
	if err := l.startSegment(); err != nil {
		return 0, err
	}
	l.logger.Debugf("%srotated segment %d -> %d", logging.NSWAL, old, old+1)
	return old, nil
}

// Release deletes every segment numbered upTo or lower. The newest segment
// is never deleted.
func (l *Log) Release(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newest := l.next - 1
	kept := l.segments[:0]
	var firstErr error
	for _, n := range l.segments {
		if n > upTo || n == newest {
			kept = append(kept, n)
			continue
		}
		if err := l.fs.Remove(l.path(n)); err != nil && l.fs.Exists(l.path(n)) {
			kept = append(kept, n)
			if firstErr == nil {
				firstErr = fmt.Errorf("wal: remove segment %d: %w", n, err)
			}
			continue
		}
		l.logger.Debugf("%sreleased segment %d", logging.NSWAL, n)
	}
	l.segments = kept
	return firstErr
}

// Truncate discards every record: all segments are deleted and an empty
// segment is started. Used once all logged state is durable elsewhere.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if err := l.closeCurrent(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}
	kept := l.segments[:0]
	var firstErr error
	for _, n := range l.segments {
		if err := l.fs.Remove(l.path(n)); err != nil && l.fs.Exists(l.path(n)) {
			kept = append(kept, n)
			if firstErr == nil {
				firstErr = fmt.Errorf("wal: remove segment %d: %w", n, err)
			}
		}
	}
	l.segments = kept
	l.appended = 0
	if err := l.startSegment(); err != nil {
		return err
	}
	return firstErr
}

type recoveryReporter struct {
	logger  logging.Logger
	segment uint64
	stats   *RecoveryStats
}

func (r *recoveryReporter) Corruption(bytes int, err error) {
	r.stats.Corrupted++
	r.logger.Warnf("%sskipping %d bytes in segment %d: %v", logging.NSWAL, bytes, r.segment, err)
}

func (r *recoveryReporter) TruncatedTail(bytes int) {
	r.stats.TruncatedBytes += bytes
	r.logger.Infof("%sdropping truncated tail of %d bytes in segment %d", logging.NSWAL, bytes, r.segment)
}

// Recover replays every segment that existed before Open, in order, and
// returns the records they hold. Records that fail their checksum or do not
// decode are skipped with a warning. Call it once, before concurrent use.
func (l *Log) Recover() ([]dbformat.KVPair, RecoveryStats, error) {
	l.mu.Lock()
	newest := l.next - 1
	var old []uint64
	for _, n := range l.segments {
		if n != newest {
			old = append(old, n)
		}
	}
	l.mu.Unlock()

	var stats RecoveryStats
	var out []dbformat.KVPair
	for _, n := range old {
		f, err := l.fs.Open(l.path(n))
		if err != nil {
			return nil, stats, fmt.Errorf("wal: open segment %d: %w", n, err)
		}
		rep := &recoveryReporter{logger: l.logger, segment: n, stats: &stats}
		r := NewReader(f, rep)
		for {
			payload, err := r.ReadRecord()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = f.Close()
				return nil, stats, fmt.Errorf("wal: read segment %d: %w", n, err)
			}
			kv, err := dbformat.DecodeKVPair(payload)
			if err != nil {
				rep.Corruption(len(payload), err)
				continue
			}
			out = append(out, kv)
			stats.Records++
		}
		_ = f.Close()
		stats.Bytes += r.Offset()
		stats.Segments++
	}
	return out, stats, nil
}

// Close syncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.closeCurrent()
	if syncErr != nil {
		return fmt.Errorf("wal: sync on close: %w", syncErr)
	}
	return closeErr
}
