package nextdb

import "errors"

var (
	// ErrDBClosed is returned by operations on a closed DB.
	ErrDBClosed = errors.New("nextdb: database is closed")

	// ErrCorruption wraps structural damage found in SST files or the
	// MANIFEST.
	ErrCorruption = errors.New("nextdb: corruption")

	// ErrInvalidOptions is returned by Options.Validate and Open.
	ErrInvalidOptions = errors.New("nextdb: invalid options")

	// ErrBackgroundError wraps the sticky error of a failed background
	// flush or compaction. Writes fail with it until the DB is reopened.
	ErrBackgroundError = errors.New("nextdb: background error")

	// ErrEmptyKey is returned for writes with a zero-length key.
	ErrEmptyKey = errors.New("nextdb: empty key")

	// ErrLocked is returned when another process holds the database lock.
	ErrLocked = errors.New("nextdb: database is locked")
)
