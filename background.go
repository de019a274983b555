package nextdb

import (
	"sync"
)

// backgroundWork runs flushes and compactions on two goroutines, so a long
// compaction never delays a flush that writers may be stalled on.
type backgroundWork struct {
	db *dbImpl

	flushCh      chan struct{}
	compactionCh chan struct{}
	shutdownCh   chan struct{}
	done         sync.WaitGroup

	stopOnce sync.Once
}

func newBackgroundWork(db *dbImpl) *backgroundWork {
	return &backgroundWork{
		db:           db,
		flushCh:      make(chan struct{}, 1),
		compactionCh: make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
	}
}

// start launches the worker goroutines.
func (bg *backgroundWork) start() {
	bg.done.Add(2)
	go bg.flushLoop()
	go bg.compactionLoop()
}

// stop signals shutdown and waits for the running jobs to finish.
func (bg *backgroundWork) stop() {
	bg.stopOnce.Do(func() { close(bg.shutdownCh) })
	bg.done.Wait()
}

// stopping reports whether shutdown has begun.
func (bg *backgroundWork) stopping() bool {
	select {
	case <-bg.shutdownCh:
		return true
	default:
		return false
	}
}

// maybeScheduleFlush signals that a memtable is waiting to be flushed.
func (bg *backgroundWork) maybeScheduleFlush() {
	select {
	case bg.flushCh <- struct{}{}:
	default:
		// Already signaled
	}
}

// maybeScheduleCompaction signals that a compaction may be needed.
func (bg *backgroundWork) maybeScheduleCompaction() {
	select {
	case bg.compactionCh <- struct{}{}:
	default:
		// Already signaled
	}
}

func (bg *backgroundWork) flushLoop() {
	defer bg.done.Done()
	for {
		select {
		case <-bg.shutdownCh:
			return
		case <-bg.flushCh:
			bg.doFlushWork()
		}
	}
}

func (bg *backgroundWork) compactionLoop() {
	defer bg.done.Done()
	for {
		select {
		case <-bg.shutdownCh:
			return
		case <-bg.compactionCh:
			bg.doCompactionWork()
		}
	}
}

func (bg *backgroundWork) doFlushWork() {
	if bg.db.BackgroundError() != nil {
		return
	}
	if err := bg.db.flushImmutables(); err != nil {
		bg.db.setBackgroundError(err)
		return
	}
	bg.db.maybeScheduleCompaction()
}

func (bg *backgroundWork) doCompactionWork() {
	for !bg.stopping() && bg.db.BackgroundError() == nil {
		ran, err := bg.db.compactOnce()
		if err != nil {
			bg.db.setBackgroundError(err)
			return
		}
		if !ran {
			return
		}
	}
}
