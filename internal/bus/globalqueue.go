package bus

import "actorbus/internal/syncutil"

// globalQueue is the intrusive singly-linked FIFO of mailboxes that have at
// least one pending message. A mailbox appears in it at most once; its
// inGlobal flag is flipped under the same lock that splices it in or out,
// so "queued" and "linked" never disagree.
type globalQueue struct {
	lock syncutil.Spinlock
	head *Mailbox
	tail *Mailbox
}

func (q *globalQueue) push(mb *Mailbox) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if mb.inGlobal {
		return
	}
	mb.inGlobal = true
	mb.next = nil
	if q.head == nil {
		q.head = mb
		q.tail = mb
		return
	}
	q.tail.next = mb
	q.tail = mb
}

// pop removes and returns the mailbox at the front of the queue, or nil if
// the queue is empty. The caller owns the mailbox's inGlobal flag after
// this call: if the mailbox still has pending work after being drained, it
// is the caller's responsibility to requeue it via push.
func (q *globalQueue) pop() *Mailbox {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == nil {
		return nil
	}
	mb := q.head
	q.head = mb.next
	if q.head == nil {
		q.tail = nil
	}
	mb.next = nil
	mb.inGlobal = false
	return mb
}

func (q *globalQueue) length() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := 0
	for mb := q.head; mb != nil; mb = mb.next {
		n++
	}
	return n
}
