package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")

	// ErrInjectedRemoveError is returned when a remove error is injected.
	ErrInjectedRemoveError = errors.New("vfs: injected remove error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
// It tracks the synced length of every file it opened for writing so that
// DropUnsyncedData can model what survives a power loss.
type FaultInjectionFS struct {
	base FS

	mu        sync.RWMutex
	fileState map[string]*fileState

	injectReadError   bool
	injectWriteError  bool
	injectSyncError   bool
	injectRemoveError bool
	readErrorPath     string // empty matches every file
	writeErrorPath    string
	removeErrorPath   string

	active bool
}

type fileState struct {
	pos       int64
	syncedPos int64
}

// NewFaultInjectionFS creates a fault-injecting wrapper around base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:      base,
		fileState: make(map[string]*fileState),
		active:    true,
	}
}

func absPath(name string) string {
	p, err := filepath.Abs(name)
	if err != nil {
		return name
	}
	return p
}

// SetFilesystemActive enables or disables writes. A disabled filesystem
// fails every mutation, modelling a process that has crashed.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = active
}

// InjectReadError makes opens of path fail. An empty path matches all files.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = true
	fs.readErrorPath = path
}

// InjectWriteError makes writes to path fail. An empty path matches all files.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = path
}

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// InjectRemoveError makes removal of path fail and leaves the file in
// place. An empty path matches all files.
func (fs *FaultInjectionFS) InjectRemoveError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectRemoveError = true
	fs.removeErrorPath = path
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = false
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.injectRemoveError = false
	fs.readErrorPath = ""
	fs.writeErrorPath = ""
	fs.removeErrorPath = ""
}

func matches(filter, path string) bool {
	return filter == "" || absPath(filter) == path
}

// writeErr returns the injected error for a mutation of path, if any.
func (fs *FaultInjectionFS) writeErr(path string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if !fs.active {
		return ErrInjectedWriteError
	}
	if fs.injectWriteError && matches(fs.writeErrorPath, path) {
		return ErrInjectedWriteError
	}
	return nil
}

func (fs *FaultInjectionFS) readErr(path string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.injectReadError && matches(fs.readErrorPath, path) {
		return ErrInjectedReadError
	}
	return nil
}

// DropUnsyncedData truncates every tracked file to its last synced length.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for path, state := range fs.fileState {
		if state.syncedPos >= state.pos {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			continue
		}
		truncErr := f.Truncate(state.syncedPos)
		_ = f.Close()
		if truncErr != nil {
			return truncErr
		}
		state.pos = state.syncedPos
	}
	return nil
}

// FileState returns the synced and written lengths tracked for path.
func (fs *FaultInjectionFS) FileState(path string) (syncedPos, currentPos int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	state, exists := fs.fileState[absPath(path)]
	if !exists {
		return 0, 0, false
	}
	return state.syncedPos, state.pos, true
}

// Create creates a new writable file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	path := absPath(name)
	if err := fs.writeErr(path); err != nil {
		return nil, err
	}
	base, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[path] = &fileState{}
	fs.mu.Unlock()

	return &faultWritableFile{base: base, fs: fs, path: path}, nil
}

// OpenAppend opens an existing file for appending. Its current contents are
// treated as synced.
func (fs *FaultInjectionFS) OpenAppend(name string) (WritableFile, error) {
	path := absPath(name)
	if err := fs.writeErr(path); err != nil {
		return nil, err
	}
	base, err := fs.base.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	size, _ := base.Size()

	fs.mu.Lock()
	fs.fileState[path] = &fileState{pos: size, syncedPos: size}
	fs.mu.Unlock()

	return &faultWritableFile{base: base, fs: fs, path: path}, nil
}

// Open opens an existing file for sequential reading.
func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	if err := fs.readErr(absPath(name)); err != nil {
		return nil, err
	}
	return fs.base.Open(name)
}

// OpenRandomAccess opens an existing file for random access reading.
func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if err := fs.readErr(absPath(name)); err != nil {
		return nil, err
	}
	return fs.base.OpenRandomAccess(name)
}

// Rename atomically renames a file.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.writeErr(absPath(newname)); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}

	fs.mu.Lock()
	absOld, absNew := absPath(oldname), absPath(newname)
	if state, ok := fs.fileState[absOld]; ok {
		fs.fileState[absNew] = state
		delete(fs.fileState, absOld)
	}
	fs.mu.Unlock()
	return nil
}

// Remove deletes a file.
func (fs *FaultInjectionFS) Remove(name string) error {
	fs.mu.RLock()
	injected := fs.injectRemoveError && matches(fs.removeErrorPath, absPath(name))
	fs.mu.RUnlock()
	if injected {
		return ErrInjectedRemoveError
	}
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.fileState, absPath(name))
	fs.mu.Unlock()
	return nil
}

// RemoveAll removes a directory and all its contents.
func (fs *FaultInjectionFS) RemoveAll(path string) error {
	return fs.base.RemoveAll(path)
}

// MkdirAll creates a directory and all parent directories.
func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.writeErr(absPath(path)); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

// Stat returns file info.
func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	return fs.base.Stat(name)
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

// ListDir lists files in a directory.
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

// Lock acquires an exclusive lock on a file.
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

// SyncDir syncs a directory unless sync errors are injected.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.RLock()
	injected := fs.injectSyncError
	fs.mu.RUnlock()
	if injected {
		return ErrInjectedSyncError
	}
	return fs.base.SyncDir(path)
}

type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if err := f.fs.writeErr(f.path); err != nil {
		return 0, err
	}
	n, err := f.base.Write(p)

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.pos += int64(n)
	}
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultWritableFile) Close() error {
	return f.base.Close()
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	injected := f.fs.injectSyncError
	f.fs.mu.RUnlock()
	if injected {
		return ErrInjectedSyncError
	}
	if err := f.base.Sync(); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.syncedPos = state.pos
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Truncate(size int64) error {
	if err := f.fs.writeErr(f.path); err != nil {
		return err
	}
	if err := f.base.Truncate(size); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		if size < state.syncedPos {
			state.syncedPos = size
		}
		state.pos = size
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Size() (int64, error) {
	return f.base.Size()
}
