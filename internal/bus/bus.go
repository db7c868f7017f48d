package bus

import (
	"fmt"
	"sync"
)

// Bus owns every service's mailbox and the global run queue that feeds the
// worker pool. A service registers once via Register and is torn down via
// Unregister; Send delivers to whatever mailbox is currently registered
// for a handle, silently dropping messages to a handle that has none
// (matching a dead or not-yet-started service).
type Bus struct {
	mu      sync.RWMutex
	mailbox map[Handle]*Mailbox
	global  globalQueue
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{mailbox: make(map[Handle]*Mailbox)}
}

// Register creates and returns a fresh mailbox for handle. It is an error
// to register the same handle twice without an intervening Unregister.
func (b *Bus) Register(handle Handle) (*Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.mailbox[handle]; exists {
		return nil, fmt.Errorf("bus: handle %d already registered", handle)
	}
	mb := NewMailbox(handle)
	b.mailbox[handle] = mb
	return mb, nil
}

// Unregister removes handle's mailbox. Any messages still queued in it are
// discarded.
func (b *Bus) Unregister(handle Handle) {
	b.mu.Lock()
	mb, ok := b.mailbox[handle]
	delete(b.mailbox, handle)
	b.mu.Unlock()
	if ok {
		mb.lock.Lock()
		mb.head, mb.tail = 0, 0
		mb.lock.Unlock()
	}
}

// Send delivers msg to handle's mailbox, enqueueing the mailbox onto the
// global run queue if it was idle. It reports whether a mailbox for
// handle existed.
func (b *Bus) Send(handle Handle, msg Message) bool {
	b.mu.RLock()
	mb, ok := b.mailbox[handle]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	mb.lock.Lock()
	mb.push(msg)
	mb.lock.Unlock()

	b.global.push(mb)
	return true
}

// NextMailbox pops the next mailbox with pending work from the global run
// queue, or nil if none is ready. Workers call this to find their next
// unit of work.
func (b *Bus) NextMailbox() *Mailbox {
	return b.global.pop()
}

// Requeue puts mb back on the global run queue. Dispatch calls this
// automatically when a mailbox still has pending messages after a visit;
// it is exported for callers implementing their own dispatch loop.
func (b *Bus) Requeue(mb *Mailbox) {
	b.global.push(mb)
}

// PendingMailboxes reports how many mailboxes are currently linked into
// the global run queue.
func (b *Bus) PendingMailboxes() int {
	return b.global.length()
}

// Dispatch pops the next ready mailbox, pops exactly one message from it,
// and invokes handle with that message — the fairness contract from the
// original scheduler: one message per mailbox per visit, so no single
// busy service can starve the rest of the queue. If the mailbox still has
// messages after the pop, it is requeued onto the tail of the global
// queue before handle runs, so a panic in handle can't lose the mailbox's
// place in line. Dispatch returns false if the global queue was empty.
func (b *Bus) Dispatch(handle func(owner Handle, msg Message)) bool {
	mb := b.NextMailbox()
	if mb == nil {
		return false
	}

	mb.lock.Lock()
	msg, ok := mb.pop()
	stillPending := mb.head != mb.tail
	mb.lock.Unlock()

	if !ok {
		return true
	}
	if stillPending {
		b.Requeue(mb)
	}

	handle(mb.Handle(), msg)
	return true
}
