// Package syncutil provides the low-level locking primitives the rest of
// the runtime builds on: a spinlock for short, hot critical sections and a
// writer-preferring reader/writer lock for the module registry.
package syncutil

import "sync/atomic"

// Spinlock is a CAS-based mutex intended for critical sections measured in
// nanoseconds, not microseconds: mailbox pushes, global-queue splices,
// memory-shard claims. It never parks a goroutine, so holding one across a
// blocking call (I/O, channel receive, another lock) is a bug.
type Spinlock struct {
	lock int32
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.lock, 0, 1) {
		for atomic.LoadInt32(&s.lock) != 0 {
			// busy-wait; reduces CAS contention on the cache line
		}
	}
}

// Unlock releases the lock. Unlocking an unlocked Spinlock is undefined.
func (s *Spinlock) Unlock() {
	atomic.StoreInt32(&s.lock, 0)
}

// TryLock attempts to acquire the lock without blocking, reporting whether
// it succeeded.
func (s *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&s.lock, 0, 1)
}
