package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"actorbus/internal/bus"
)

func TestPoolDispatchesAllMessages(t *testing.T) {
	b := bus.New()
	const services = 8
	const perService = 50

	for h := bus.Handle(1); h <= services; h++ {
		if _, err := b.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	received := make(map[bus.Handle]int)

	pool := New(b, func(owner bus.Handle, msg bus.Message) {
		mu.Lock()
		received[owner]++
		mu.Unlock()
	}, zerolog.Nop(), Config{WorkerCount: 4, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	for h := bus.Handle(1); h <= services; h++ {
		for i := 0; i < perService; i++ {
			b.Send(h, bus.Message{Type: uint32(i)})
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Dispatched() == services*perService {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Stop()

	if pool.Dispatched() != services*perService {
		t.Fatalf("dispatched = %d, want %d", pool.Dispatched(), services*perService)
	}
	mu.Lock()
	defer mu.Unlock()
	for h := bus.Handle(1); h <= services; h++ {
		if received[h] != perService {
			t.Fatalf("handle %d received %d messages, want %d", h, received[h], perService)
		}
	}
}

func TestPoolSurvivesHandlerPanic(t *testing.T) {
	b := bus.New()
	if _, err := b.Register(1); err != nil {
		t.Fatal(err)
	}

	var calls int
	pool := New(b, func(owner bus.Handle, msg bus.Message) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	}, zerolog.Nop(), Config{WorkerCount: 1, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	b.Send(1, bus.Message{Type: 1})
	b.Send(1, bus.Message{Type: 2})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pool.Dispatched() < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Stop()

	if pool.Dispatched() != 2 {
		t.Fatalf("dispatched = %d, want 2 (pool should survive a handler panic)", pool.Dispatched())
	}
}
