package table

import (
	"container/list"
	"sync"

	"github.com/aalhour/nextdb/vfs"
)

// TableCache keeps open Readers keyed by file number, evicting the least
// recently used unreferenced reader once more than MaxOpenFiles are open.
type TableCache struct {
	mu      sync.Mutex
	fs      vfs.FS
	opts    ReaderOptions
	maxSize int
	entries map[uint64]*list.Element
	lru     *list.List // front = most recently used

	// zombies are evicted readers still referenced by a caller.
	zombies map[*Reader]*cachedReader
}

type cachedReader struct {
	fileNum uint64
	reader  *Reader
	refs    int
}

// TableCacheOptions configures the TableCache.
type TableCacheOptions struct {
	// MaxOpenFiles bounds the number of idle open readers.
	MaxOpenFiles int

	ReaderOptions ReaderOptions
}

// DefaultTableCacheOptions returns default options.
func DefaultTableCacheOptions() TableCacheOptions {
	return TableCacheOptions{MaxOpenFiles: 1000}
}

// NewTableCache creates a new TableCache.
func NewTableCache(fs vfs.FS, opts TableCacheOptions) *TableCache {
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = DefaultTableCacheOptions().MaxOpenFiles
	}
	return &TableCache{
		fs:      fs,
		opts:    opts.ReaderOptions,
		maxSize: opts.MaxOpenFiles,
		entries: make(map[uint64]*list.Element),
		lru:     list.New(),
		zombies: make(map[*Reader]*cachedReader),
	}
}

// Get returns a Reader for fileNum, opening path if needed. The caller must
// call Release when done.
func (tc *TableCache) Get(fileNum uint64, path string) (*Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.entries[fileNum]; ok {
		cr := elem.Value.(*cachedReader)
		cr.refs++
		tc.lru.MoveToFront(elem)
		return cr.reader, nil
	}

	reader, err := OpenFile(tc.fs, path, tc.opts)
	if err != nil {
		return nil, err
	}
	tc.insertLocked(fileNum, reader, 1)
	return reader, nil
}

// Add registers an already open reader, typically one returned by
// Builder.Finish. The cache takes ownership of it.
func (tc *TableCache) Add(fileNum uint64, reader *Reader) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.entries[fileNum]; ok {
		tc.removeLocked(elem)
	}
	tc.insertLocked(fileNum, reader, 0)
}

func (tc *TableCache) insertLocked(fileNum uint64, reader *Reader, refs int) {
	tc.entries[fileNum] = tc.lru.PushFront(&cachedReader{
		fileNum: fileNum,
		reader:  reader,
		refs:    refs,
	})
	tc.evictIfNeeded()
}

// Release drops a reference taken by Get.
func (tc *TableCache) Release(fileNum uint64, reader *Reader) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.entries[fileNum]; ok {
		cr := elem.Value.(*cachedReader)
		if cr.reader == reader {
			cr.refs--
			tc.evictIfNeeded()
			return
		}
	}
	if cr, ok := tc.zombies[reader]; ok {
		cr.refs--
		if cr.refs <= 0 {
			delete(tc.zombies, reader)
			_ = reader.Close()
		}
	}
}

// Evict removes a file from the cache, e.g. after it was deleted.
func (tc *TableCache) Evict(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.entries[fileNum]; ok {
		tc.removeLocked(elem)
	}
}

// removeLocked unlinks an entry, closing it now if unreferenced. A reader
// still in use is closed by its final Release.
func (tc *TableCache) removeLocked(elem *list.Element) {
	cr := elem.Value.(*cachedReader)
	tc.lru.Remove(elem)
	delete(tc.entries, cr.fileNum)
	if cr.refs <= 0 {
		_ = cr.reader.Close()
		return
	}
	tc.zombies[cr.reader] = cr
}

func (tc *TableCache) evictIfNeeded() {
	for elem := tc.lru.Back(); elem != nil && tc.lru.Len() > tc.maxSize; {
		prev := elem.Prev()
		if elem.Value.(*cachedReader).refs <= 0 {
			tc.removeLocked(elem)
		}
		elem = prev
	}
}

// Close closes all idle readers and clears the cache.
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var firstErr error
	for _, elem := range tc.entries {
		cr := elem.Value.(*cachedReader)
		if cr.refs > 0 {
			tc.zombies[cr.reader] = cr
			continue
		}
		if err := cr.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	tc.entries = make(map[uint64]*list.Element)
	tc.lru.Init()
	return firstErr
}

// Size returns the number of cached readers.
func (tc *TableCache) Size() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.lru.Len()
}
