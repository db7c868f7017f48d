package bus

import (
	"sync"
	"testing"
)

func TestSendRequiresRegisteredMailbox(t *testing.T) {
	b := New()
	if b.Send(1, Message{Type: 1}) {
		t.Fatal("Send to unregistered handle should report false")
	}
}

func TestDispatchDeliversOneMessagePerVisit(t *testing.T) {
	b := New()
	mb, err := b.Register(1)
	if err != nil {
		t.Fatal(err)
	}
	_ = mb

	b.Send(1, Message{Type: 1})
	b.Send(1, Message{Type: 2})

	var got []uint32
	ok := b.Dispatch(func(owner Handle, msg Message) {
		got = append(got, msg.Type)
	})
	if !ok {
		t.Fatal("Dispatch should have found work")
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want single message [1]", got)
	}

	// mailbox had a second message pending, so it must have been requeued.
	if b.PendingMailboxes() != 1 {
		t.Fatalf("PendingMailboxes = %d, want 1 (requeued)", b.PendingMailboxes())
	}

	ok = b.Dispatch(func(owner Handle, msg Message) {
		got = append(got, msg.Type)
	})
	if !ok || len(got) != 2 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}

	if b.Dispatch(func(Handle, Message) {}) {
		t.Fatal("Dispatch should report false once queue is drained")
	}
}

func TestGlobalQueueFairnessAcrossMailboxes(t *testing.T) {
	b := New()
	const services = 4
	for h := Handle(1); h <= services; h++ {
		if _, err := b.Register(h); err != nil {
			t.Fatal(err)
		}
		b.Send(h, Message{Type: uint32(h)})
		b.Send(h, Message{Type: uint32(h) * 100})
	}

	var order []Handle
	for i := 0; i < services; i++ {
		if !b.Dispatch(func(owner Handle, msg Message) {
			order = append(order, owner)
		}) {
			t.Fatal("expected dispatch to succeed")
		}
	}

	seen := make(map[Handle]bool)
	for _, h := range order {
		if seen[h] {
			t.Fatalf("handle %d dispatched twice before others got a turn", h)
		}
		seen[h] = true
	}
	if len(seen) != services {
		t.Fatalf("only %d distinct handles dispatched, want %d", len(seen), services)
	}
}

func TestMailboxRingGrowsUnderLoad(t *testing.T) {
	b := New()
	mb, err := b.Register(1)
	if err != nil {
		t.Fatal(err)
	}

	const n = 5000
	for i := 0; i < n; i++ {
		b.Send(1, Message{Type: uint32(i)})
	}
	if mb.Length() != n {
		t.Fatalf("mailbox length = %d, want %d", mb.Length(), n)
	}

	count := 0
	for b.Dispatch(func(Handle, Message) { count++ }) {
	}
	if count != n {
		t.Fatalf("dispatched %d messages, want %d", count, n)
	}
}

func TestConcurrentSendConservesMessageCount(t *testing.T) {
	b := New()
	if _, err := b.Register(1); err != nil {
		t.Fatal(err)
	}

	const producers = 16
	const perProducer = 200
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				b.Send(1, Message{Type: 1})
			}
		}()
	}
	wg.Wait()

	count := 0
	for b.Dispatch(func(Handle, Message) { count++ }) {
	}
	if count != producers*perProducer {
		t.Fatalf("dispatched %d, want %d", count, producers*perProducer)
	}
}
