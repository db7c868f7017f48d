// Package memtrack attributes heap usage to the service that caused it
// without taking a lock on the hot allocation path. Every tracked
// allocation is assigned to a 2^16-entry shard table by handle, claimed
// best-effort via CAS: if the slot already belongs to a different handle
// that still has bytes attributed to it, the byte count is silently
// dropped from the per-handle view (it still counts toward the global
// totals) rather than retried, matching the
// allocator's "don't block allocation for accounting" contract.
package memtrack

import (
	"fmt"
	"sync/atomic"
)

const slotCount = 0x10000

const (
	tagAllocated uint32 = 0x20250101
	tagReleased  uint32 = 0x20251010
)

type shardSlot struct {
	handle    uint32
	allocated uint64
}

// Allocation is the handle returned in place of a raw pointer; Go has no
// portable way to stash a header immediately before a slice's backing
// array, so the cookie (size, owning handle, tag) lives alongside the
// returned handle instead of in front of it. Free(alloc) is the Go
// equivalent of the original's "subtract sizeof(u32), read the cookie,
// assert tag, free" sequence.
type Allocation struct {
	handle  uint32
	size    uint64
	tag     uint32
	counted bool // size was added to handle's shard slot
}

// Tracker owns the shard table and the global counters. The zero value is
// ready to use.
type Tracker struct {
	slots [slotCount]shardSlot

	usage  uint64
	blocks uint64
}

// New returns a ready Tracker.
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) slotFor(handle uint32) *shardSlot {
	return &t.slots[handle%slotCount]
}

// claim returns the shard slot counter for handle, best-effort: if the
// slot is unowned, or its previous owner's count has dropped back to zero,
// it claims it via CAS; if owned by a different handle with bytes still
// attributed, or the CAS loses a race, it returns nil rather than retrying.
func (t *Tracker) claim(handle uint32) *uint64 {
	slot := t.slotFor(handle)
	oldHandle := atomic.LoadUint32(&slot.handle)
	oldAllocated := atomic.LoadUint64(&slot.allocated)
	if oldHandle == 0 || oldAllocated == 0 {
		if !atomic.CompareAndSwapUint32(&slot.handle, oldHandle, handle) {
			return nil
		}
		atomic.CompareAndSwapUint64(&slot.allocated, oldAllocated, 0)
	}
	if atomic.LoadUint32(&slot.handle) != handle {
		return nil
	}
	return &slot.allocated
}

func (t *Tracker) trackAlloc(handle uint32, size uint64) bool {
	atomic.AddUint64(&t.usage, size)
	atomic.AddUint64(&t.blocks, 1)
	if allocated := t.claim(handle); allocated != nil {
		atomic.AddUint64(allocated, size)
		return true
	}
	return false
}

func (t *Tracker) trackFree(handle uint32, size uint64, counted bool) {
	atomic.AddUint64(&t.usage, ^uint64(size-1))
	atomic.AddUint64(&t.blocks, ^uint64(0))
	if counted {
		atomic.AddUint64(&t.slotFor(handle).allocated, ^uint64(size-1))
	}
}

// Alloc records a size-byte allocation made on behalf of handle and
// returns the accounting handle to pass to Free later.
func (t *Tracker) Alloc(handle uint32, size uint64) *Allocation {
	counted := t.trackAlloc(handle, size)
	return &Allocation{handle: handle, size: size, tag: tagAllocated, counted: counted}
}

// AllocFor is an explicit-handle alias of Alloc, mirroring the original's
// dleptonet_malloc debug path alongside the implicit one. Nothing in this
// module calls it.
func (t *Tracker) AllocFor(handle uint32, size uint64) *Allocation {
	return t.Alloc(handle, size)
}

// Free releases an allocation, panicking if it was already freed — the one
// deliberate abort in the package, matching a double-free being a
// programming error rather than a recoverable condition.
func (t *Tracker) Free(a *Allocation) {
	if a.tag != tagAllocated {
		panic(fmt.Sprintf("memtrack: double free of handle %d", a.handle))
	}
	a.tag = tagReleased
	t.trackFree(a.handle, a.size, a.counted)
}

// Usage returns total bytes currently attributed across all handles.
func (t *Tracker) Usage() uint64 {
	return atomic.LoadUint64(&t.usage)
}

// Blocks returns the total live allocation count across all handles.
func (t *Tracker) Blocks() uint64 {
	return atomic.LoadUint64(&t.blocks)
}

// UsageFor returns the bytes currently attributed to handle, or 0 if the
// handle owns no shard slot (never allocated, or lost a CAS race for its
// slot to another handle).
func (t *Tracker) UsageFor(handle uint32) uint64 {
	slot := t.slotFor(handle)
	if atomic.LoadUint32(&slot.handle) != handle {
		return 0
	}
	return atomic.LoadUint64(&slot.allocated)
}
