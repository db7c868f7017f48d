package syncutil

import "sync/atomic"

// RWLock is a writer-preferring spin-based reader/writer lock. Once a
// writer has claimed the write slot, new readers cannot join until the
// writer releases it, even if readers were already queued behind the spin —
// this matches the module registry's need to never starve a reloading
// writer under constant read traffic.
type RWLock struct {
	readers int32
	writer  int32
}

// RLock acquires a read lease, retrying if a writer holds or claims the
// lock while the reader count is being incremented.
func (l *RWLock) RLock() {
	for {
		for atomic.LoadInt32(&l.writer) != 0 {
		}
		atomic.AddInt32(&l.readers, 1)
		if atomic.LoadInt32(&l.writer) != 0 {
			atomic.AddInt32(&l.readers, -1)
			continue
		}
		return
	}
}

// RUnlock releases a read lease acquired with RLock.
func (l *RWLock) RUnlock() {
	atomic.AddInt32(&l.readers, -1)
}

// WLock claims exclusive access, waiting out any in-flight readers.
func (l *RWLock) WLock() {
	for !atomic.CompareAndSwapInt32(&l.writer, 0, 1) {
	}
	for atomic.LoadInt32(&l.readers) != 0 {
	}
}

// WUnlock releases exclusive access.
func (l *RWLock) WUnlock() {
	atomic.StoreInt32(&l.writer, 0)
}
